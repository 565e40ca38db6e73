package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/BTreeMap/PackPipe/internal/models"
	"github.com/BTreeMap/PackPipe/internal/packs"
)

const callbackCommand = "cmd:"

// HandleEvent routes one inbound event. Failures are logged and answered
// with a short apology; the returned error is for the dispatcher's logs.
func (f *Flow) HandleEvent(ctx context.Context, ev models.InboundEvent) error {
	var err error
	switch e := ev.(type) {
	case models.TextReceived:
		err = f.handleText(ctx, e.ActorID, e.Text)
	case models.FileUploaded:
		err = f.handleFile(ctx, e)
	case models.CallbackReceived:
		err = f.handleCallback(ctx, e)
	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
	if err != nil {
		slog.Error("Flow.HandleEvent: handler failed", "actorID", ev.Actor(), "error", err)
		if sendErr := f.msg.SendText(ctx, ev.Actor(), msgError); sendErr != nil {
			slog.Error("Flow.HandleEvent: error reply failed", "actorID", ev.Actor(), "error", sendErr)
		}
	}
	return err
}

// commandName extracts "done" from "/done", "/Done@PackPipeBot extra".
func commandName(text string) string {
	cmd, _, _ := strings.Cut(strings.TrimPrefix(strings.TrimSpace(text), "/"), " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd)
}

func (f *Flow) reply(ctx context.Context, actorID, text string, buttons ...models.Button) error {
	return f.msg.SendText(ctx, actorID, text, buttons...)
}

// switchMode enters mode with a fresh session and a fresh batch.
func (f *Flow) switchMode(actorID string, mode models.Mode) {
	f.sessions.SwitchMode(actorID, mode)
	f.batches.Reset(actorID)
}

func (f *Flow) runCommand(ctx context.Context, actorID, cmd string) error {
	slog.Debug("Flow.runCommand", "actorID", actorID, "command", cmd)
	switch cmd {
	case "start":
		if err := f.reply(ctx, actorID, msgWelcome); err != nil {
			return err
		}
		return f.reply(ctx, actorID, msgMenu,
			models.Button{ID: callbackCommand + "batch", Title: "📦 Batch convert"},
			models.Button{ID: callbackCommand + "ai", Title: "🤖 AI sticker"},
			models.Button{ID: callbackCommand + "pack", Title: "🎨 AI pack"},
		)
	case "help":
		return f.reply(ctx, actorID, msgHelp)
	case "batch":
		f.switchMode(actorID, models.ModeBatch)
		return f.reply(ctx, actorID, msgBatchStart)
	case "convert":
		f.switchMode(actorID, models.ModeSingleConvert)
		return f.reply(ctx, actorID, msgConvertStart)
	case "ai":
		f.switchMode(actorID, models.ModeGenerateOne)
		return f.reply(ctx, actorID, msgAIStart)
	case "pack":
		f.switchMode(actorID, models.ModeGeneratePack)
		return f.reply(ctx, actorID, msgPackStart, packSizeButtons()...)
	case "done":
		return f.finishBatch(ctx, actorID)
	case "cancel":
		f.switchMode(actorID, models.ModeNone)
		return f.reply(ctx, actorID, msgCancelled)
	case "mypacks":
		return f.listPacks(ctx, actorID)
	default:
		return f.reply(ctx, actorID, msgUnknown)
	}
}

func packSizeButtons() []models.Button {
	return lo.Map(PackSizes, func(n int, _ int) models.Button {
		return models.Button{ID: strconv.Itoa(n), Title: strconv.Itoa(n) + " stickers"}
	})
}

func themeButtons() []models.Button {
	return lo.Map(Themes, func(t string, _ int) models.Button {
		return models.Button{ID: t, Title: t}
	})
}

// finishBatch handles /done: the explicit end of a batch.
func (f *Flow) finishBatch(ctx context.Context, actorID string) error {
	s := f.sessions.Get(actorID)
	if s.Mode != models.ModeBatch {
		return f.reply(ctx, actorID, msgNoFiles)
	}
	if queued, completed := f.batches.Progress(actorID); completed < queued {
		return f.reply(ctx, actorID, fmt.Sprintf(msgStillWorking, queued-completed))
	}
	if len(s.Buffered) == 0 {
		return f.reply(ctx, actorID, msgNoFiles)
	}
	if gone := missing(s.Buffered); len(gone) > 0 {
		return f.reply(ctx, actorID, fmt.Sprintf(msgFilesMissing, len(gone)))
	}
	f.batches.MarkSignalled(actorID)
	return f.reply(ctx, actorID, packChoiceText("✅ All files ready!"), packChoiceButtons()...)
}

func (f *Flow) listPacks(ctx context.Context, actorID string) error {
	if f.publisher == nil {
		return f.reply(ctx, actorID, msgNoPacks)
	}
	list, err := f.publisher.List(ctx, actorID)
	if err != nil {
		return fmt.Errorf("list packs: %w", err)
	}
	if len(list) == 0 {
		return f.reply(ctx, actorID, msgNoPacks)
	}
	lines := lo.Map(list, func(m packs.Manifest, _ int) string {
		return fmt.Sprintf("• %s (%d stickers): %s", m.Title, len(m.Stickers), f.publisher.Link(m.Name))
	})
	return f.reply(ctx, actorID, "Your packs:\n"+strings.Join(lines, "\n"))
}

func (f *Flow) handleText(ctx context.Context, actorID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s := f.sessions.Get(actorID)

	if strings.HasPrefix(text, "/") {
		cmd := commandName(text)
		if cmd == "skip" && s.Mode == models.ModeGenerateOne && s.BaseImageRef != "" && !s.ContextSet {
			return f.setContext(ctx, actorID, "")
		}
		return f.runCommand(ctx, actorID, cmd)
	}
	if s.Generating {
		return f.reply(ctx, actorID, msgGenerateBusy)
	}
	if len(s.Buffered) > 0 {
		if handled, err := f.handlePackStep(ctx, actorID, s, text); handled {
			return err
		}
	}

	switch s.Mode {
	case models.ModeGenerateOne:
		return f.handleAIText(ctx, actorID, s, text)
	case models.ModeGeneratePack:
		return f.handlePackSetupText(ctx, actorID, s, text)
	case models.ModeBatch:
		if len(s.Buffered) > 0 {
			return f.reply(ctx, actorID, packChoiceText("✅ Files ready."), packChoiceButtons()...)
		}
		return f.reply(ctx, actorID, msgBatchStart)
	case models.ModeSingleConvert:
		return f.reply(ctx, actorID, msgConvertStart)
	default:
		return f.reply(ctx, actorID, msgNoMode)
	}
}

// handlePackStep advances the packaging dialogue. It reports false when the
// text is not a packaging answer.
func (f *Flow) handlePackStep(ctx context.Context, actorID string, s models.Session, text string) (bool, error) {
	lower := strings.ToLower(text)
	switch s.PackAction {
	case models.PackActionNone:
		switch {
		case lower == "new":
			f.sessions.Merge(actorID, models.SessionPatch{PackAction: models.Ptr(models.PackActionNew)})
			return true, f.reply(ctx, actorID, msgAskTitle)
		case lower == "existing":
			f.sessions.Merge(actorID, models.SessionPatch{PackAction: models.Ptr(models.PackActionExisting)})
			return true, f.reply(ctx, actorID, "Which pack? Send its name or link.")
		case strings.HasPrefix(lower, "existing "):
			f.sessions.Merge(actorID, models.SessionPatch{PackAction: models.Ptr(models.PackActionExisting)})
			return true, f.selectExistingPack(ctx, actorID, strings.TrimSpace(text[len("existing "):]))
		}
	case models.PackActionNew:
		if s.Title == "" {
			f.sessions.Merge(actorID, models.SessionPatch{
				Title:         models.Ptr(text),
				AwaitingEmoji: models.Ptr(true),
				EmojiPage:     models.Ptr(0),
			})
			return true, f.reply(ctx, actorID, msgAskEmoji, emojiPickerButtons(0)...)
		}
		if s.Emoji == "" {
			return true, f.chooseEmoji(ctx, actorID, s, text)
		}
	case models.PackActionExisting:
		if s.PackName == "" {
			return true, f.selectExistingPack(ctx, actorID, text)
		}
		if s.Emoji == "" {
			return true, f.chooseEmoji(ctx, actorID, s, text)
		}
	}
	return false, nil
}

// chooseEmoji validates the pack emoji and, once valid, packages.
func (f *Flow) chooseEmoji(ctx context.Context, actorID string, s models.Session, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if !validEmoji(emoji) {
		prompt := msgSingleEmoji
		if s.AwaitingEmoji {
			prompt = msgPickEmoji
		}
		return f.reply(ctx, actorID, prompt, emojiPickerButtons(s.EmojiPage)...)
	}
	f.sessions.Merge(actorID, models.SessionPatch{Emoji: models.Ptr(emoji), AwaitingEmoji: models.Ptr(false)})
	return f.runPackager(ctx, actorID)
}

func (f *Flow) runPackager(ctx context.Context, actorID string) error {
	err := f.packager.Package(ctx, actorID)
	if errors.Is(err, ErrMissingArtifacts) {
		// The actor was already told which files to redo.
		return nil
	}
	return err
}

// selectExistingPack resolves the pack named by input and reads its emoji.
func (f *Flow) selectExistingPack(ctx context.Context, actorID, input string) error {
	name := packs.ResolveName(input, f.opts.BotName)
	if !packs.ValidName(name) {
		f.sessions.Merge(actorID, models.SessionPatch{PackAction: models.Ptr(models.PackActionNone)})
		return f.reply(ctx, actorID, fmt.Sprintf(msgPackNotFound, input))
	}
	emoji, err := f.publisher.Emoji(ctx, name)
	if errors.Is(err, packs.ErrPackNotFound) {
		f.sessions.Merge(actorID, models.SessionPatch{PackAction: models.Ptr(models.PackActionNone)})
		return f.reply(ctx, actorID, fmt.Sprintf(msgPackNotFound, name))
	}
	if err != nil || !validEmoji(emoji) {
		if err != nil {
			slog.Warn("Flow.selectExistingPack: emoji unreadable", "actorID", actorID, "pack", name, "error", err)
		}
		f.sessions.Merge(actorID, models.SessionPatch{
			PackName:      models.Ptr(name),
			AwaitingEmoji: models.Ptr(true),
			EmojiPage:     models.Ptr(0),
		})
		return f.reply(ctx, actorID, msgEmojiUnreadable, emojiPickerButtons(0)...)
	}
	f.sessions.Merge(actorID, models.SessionPatch{PackName: models.Ptr(name), Emoji: models.Ptr(emoji)})
	return f.runPackager(ctx, actorID)
}

func (f *Flow) setContext(ctx context.Context, actorID, text string) error {
	f.sessions.Merge(actorID, models.SessionPatch{Context: models.Ptr(text)})
	return f.reply(ctx, actorID, templateChoiceText())
}

func (f *Flow) handleAIText(ctx context.Context, actorID string, s models.Session, text string) error {
	switch {
	case s.BaseImageRef == "":
		return f.reply(ctx, actorID, msgAIStart)
	case !s.ContextSet:
		return f.setContext(ctx, actorID, text)
	case ValidTemplate(text):
		return f.startRender(ctx, actorID, s, strings.ToUpper(text))
	default:
		return f.reply(ctx, actorID, templateChoiceText())
	}
}

func (f *Flow) startRender(ctx context.Context, actorID string, s models.Session, template string) error {
	f.sessions.Merge(actorID, models.SessionPatch{Template: models.Ptr(template), Generating: models.Ptr(true)})
	payload, err := json.Marshal(AIRenderPayload{
		ActorID:  actorID,
		FileRef:  s.BaseImageRef,
		MimeType: s.BaseImageMime,
		Template: template,
		Context:  s.Context,
	})
	if err == nil {
		_, err = f.jobs.Enqueue(actorID, actorID, JobKindAIRender, string(payload))
	}
	if err != nil {
		slog.Error("Flow.startRender: enqueue failed", "actorID", actorID, "error", err)
		f.sessions.Merge(actorID, models.SessionPatch{Template: models.Ptr(""), Generating: models.Ptr(false)})
		return f.reply(ctx, actorID, msgQueueFailed)
	}
	return f.reply(ctx, actorID, msgGenerating)
}

func (f *Flow) handlePackSetupText(ctx context.Context, actorID string, s models.Session, text string) error {
	lower := strings.ToLower(text)
	switch {
	case s.PackSize == 0:
		n, err := strconv.Atoi(lower)
		if err != nil || !slices.Contains(PackSizes, n) {
			return f.reply(ctx, actorID, msgPackStart, packSizeButtons()...)
		}
		f.sessions.Merge(actorID, models.SessionPatch{PackSize: models.Ptr(n)})
		return f.reply(ctx, actorID, msgAskTheme, themeButtons()...)
	case s.Theme == "":
		if !slices.Contains(Themes, lower) {
			return f.reply(ctx, actorID, msgAskTheme, themeButtons()...)
		}
		f.sessions.Merge(actorID, models.SessionPatch{Theme: models.Ptr(lower)})
		return f.reply(ctx, actorID, msgAskPackImage)
	default:
		return f.reply(ctx, actorID, msgAskPackImage)
	}
}

func (f *Flow) handleCallback(ctx context.Context, e models.CallbackReceived) error {
	if e.CallbackID != "" {
		if err := f.msg.AcknowledgeCallback(ctx, e.CallbackID, ""); err != nil {
			slog.Warn("Flow.handleCallback: acknowledge failed", "actorID", e.ActorID, "error", err)
		}
	}
	data := strings.TrimSpace(e.Data)
	switch {
	case strings.HasPrefix(data, callbackCommand):
		return f.runCommand(ctx, e.ActorID, strings.ToLower(strings.TrimPrefix(data, callbackCommand)))
	case strings.HasPrefix(data, callbackEmojiPick):
		s := f.sessions.Get(e.ActorID)
		if len(s.Buffered) == 0 || s.Emoji != "" || !awaitingEmoji(s) {
			slog.Debug("Flow.handleCallback: stale emoji pick", "actorID", e.ActorID)
			return nil
		}
		return f.chooseEmoji(ctx, e.ActorID, s, strings.TrimPrefix(data, callbackEmojiPick))
	case strings.HasPrefix(data, callbackEmojiPage):
		page, err := strconv.Atoi(strings.TrimPrefix(data, callbackEmojiPage))
		if err != nil {
			return nil
		}
		s := f.sessions.Merge(e.ActorID, models.SessionPatch{EmojiPage: models.Ptr(page)})
		if !awaitingEmoji(s) {
			return nil
		}
		return f.reply(ctx, e.ActorID, msgAskEmoji, emojiPickerButtons(page)...)
	default:
		return f.handleText(ctx, e.ActorID, data)
	}
}

// awaitingEmoji reports whether the packaging dialogue is at the emoji step.
func awaitingEmoji(s models.Session) bool {
	switch s.PackAction {
	case models.PackActionNew:
		return s.Title != "" && s.Emoji == ""
	case models.PackActionExisting:
		return s.PackName != "" && s.Emoji == ""
	}
	return false
}

func (f *Flow) handleFile(ctx context.Context, e models.FileUploaded) error {
	s := f.sessions.Get(e.ActorID)
	if s.Generating {
		return f.reply(ctx, e.ActorID, msgGenerateBusy)
	}
	switch s.Mode {
	case models.ModeBatch:
		return f.acceptBatchUpload(ctx, e)
	case models.ModeSingleConvert:
		if !isVideoMime(e.MimeType) {
			return f.reply(ctx, e.ActorID, msgInvalidVideo)
		}
		return f.enqueueUpload(ctx, e.ActorID, JobKindConvert, ConvertPayload{ActorID: e.ActorID, FileRef: e.FileRef, MimeType: e.MimeType}, msgConverting)
	case models.ModeGenerateOne:
		if !isImageMime(e.MimeType) {
			return f.reply(ctx, e.ActorID, msgInvalidImage)
		}
		f.sessions.Update(e.ActorID, func(s *models.Session) {
			s.BaseImageRef = e.FileRef
			s.BaseImageMime = e.MimeType
			s.Context, s.ContextSet = "", false
			s.Template = ""
		})
		return f.reply(ctx, e.ActorID, msgAskContext)
	case models.ModeGeneratePack:
		return f.acceptPackBase(ctx, s, e)
	default:
		return f.reply(ctx, e.ActorID, msgNoMode)
	}
}

func (f *Flow) acceptBatchUpload(ctx context.Context, e models.FileUploaded) error {
	if !isVideoMime(e.MimeType) && !isImageMime(e.MimeType) {
		return f.reply(ctx, e.ActorID, msgInvalidBatch)
	}
	if queued, _ := f.batches.Progress(e.ActorID); queued >= f.opts.MaxBatchSize {
		if err := f.reply(ctx, e.ActorID, fmt.Sprintf(msgBatchLimit, f.opts.MaxBatchSize)); err != nil {
			slog.Warn("Flow.acceptBatchUpload: limit notice failed", "actorID", e.ActorID, "error", err)
		}
	}

	epoch := f.batches.Enqueued(e.ActorID)
	payload, err := json.Marshal(BatchItemPayload{ActorID: e.ActorID, FileRef: e.FileRef, MimeType: e.MimeType, Epoch: epoch})
	if err == nil {
		_, err = f.jobs.Enqueue(e.ActorID, e.ActorID, JobKindBatchItem, string(payload))
	}
	if err != nil {
		slog.Error("Flow.acceptBatchUpload: enqueue failed", "actorID", e.ActorID, "error", err)
		f.batches.Completed(e.ActorID, epoch)
		return f.reply(ctx, e.ActorID, msgQueueFailed)
	}
	return f.reply(ctx, e.ActorID, msgProcessing)
}

func (f *Flow) acceptPackBase(ctx context.Context, s models.Session, e models.FileUploaded) error {
	switch {
	case s.PackSize == 0:
		return f.reply(ctx, e.ActorID, msgPackStart, packSizeButtons()...)
	case s.Theme == "":
		return f.reply(ctx, e.ActorID, msgAskTheme, themeButtons()...)
	case len(s.Buffered) > 0:
		return f.reply(ctx, e.ActorID, msgAskTitle)
	case !isImageMime(e.MimeType):
		return f.reply(ctx, e.ActorID, msgInvalidImage)
	}
	f.sessions.Merge(e.ActorID, models.SessionPatch{
		BaseImageRef:  models.Ptr(e.FileRef),
		BaseImageMime: models.Ptr(e.MimeType),
		Generating:    models.Ptr(true),
	})
	return f.enqueueUpload(ctx, e.ActorID, JobKindAIPack, AIPackPayload{
		ActorID:  e.ActorID,
		FileRef:  e.FileRef,
		MimeType: e.MimeType,
		Theme:    s.Theme,
		Context:  s.Context,
		Count:    s.PackSize,
	}, msgGeneratingPack)
}

// enqueueUpload records a job for an upload and acknowledges it. When the
// queue rejects the job the actor is told and generation state is cleared.
func (f *Flow) enqueueUpload(ctx context.Context, actorID, kind string, payload any, ack string) error {
	data, err := json.Marshal(payload)
	if err == nil {
		_, err = f.jobs.Enqueue(actorID, actorID, kind, string(data))
	}
	if err != nil {
		slog.Error("Flow.enqueueUpload: enqueue failed", "actorID", actorID, "kind", kind, "error", err)
		f.sessions.Merge(actorID, models.SessionPatch{Generating: models.Ptr(false)})
		return f.reply(ctx, actorID, msgQueueFailed)
	}
	slog.Debug("Flow.enqueueUpload: queued", "actorID", actorID, "kind", kind)
	return f.reply(ctx, actorID, ack)
}
