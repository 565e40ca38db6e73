package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/PackPipe/internal/models"
	"github.com/BTreeMap/PackPipe/internal/store"
	"github.com/BTreeMap/PackPipe/internal/util"
)

// Job kinds produced by the conversational flows.
const (
	JobKindBatchItem = "batch_item"
	JobKindConvert   = "convert"
	JobKindAIRender  = "ai_render"
	JobKindAIPack    = "ai_pack"
)

// BatchItemPayload is the JSON payload for batch_item jobs.
type BatchItemPayload struct {
	ActorID  string `json:"actor_id"`
	FileRef  string `json:"file_ref"`
	MimeType string `json:"mime_type"`
	Epoch    uint64 `json:"epoch"`
}

// ConvertPayload is the JSON payload for convert jobs.
type ConvertPayload struct {
	ActorID  string `json:"actor_id"`
	FileRef  string `json:"file_ref"`
	MimeType string `json:"mime_type"`
}

// AIRenderPayload is the JSON payload for ai_render jobs.
type AIRenderPayload struct {
	ActorID  string `json:"actor_id"`
	FileRef  string `json:"file_ref"`
	MimeType string `json:"mime_type"`
	Template string `json:"template"`
	Context  string `json:"context,omitempty"`
}

// AIPackPayload is the JSON payload for ai_pack jobs.
type AIPackPayload struct {
	ActorID  string `json:"actor_id"`
	FileRef  string `json:"file_ref"`
	MimeType string `json:"mime_type"`
	Theme    string `json:"theme"`
	Context  string `json:"context,omitempty"`
	Count    int    `json:"count"`
}

// ArtifactJobResult is the result of batch_item, convert and ai_render jobs.
type ArtifactJobResult struct {
	Artifact    models.BufferedArtifact `json:"artifact"`
	Buffered    bool                    `json:"buffered"`
	Cached      bool                    `json:"cached"`
	MixedFormat bool                    `json:"mixed_format,omitempty"`
	PackFormat  models.StickerFormat    `json:"pack_format,omitempty"`
	PreviewPath string                  `json:"preview_path,omitempty"`
}

// PackJobResult is the result of ai_pack jobs.
type PackJobResult struct {
	Count    int  `json:"count"`
	Cached   int  `json:"cached"`
	Buffered bool `json:"buffered"`
}

// RegisterJobHandlers registers the handler of every flow job kind.
func (f *Flow) RegisterJobHandlers(p *store.JobProcessor) {
	p.RegisterHandler(JobKindBatchItem, f.makeBatchItemHandler())
	p.RegisterHandler(JobKindConvert, f.makeConvertHandler())
	p.RegisterHandler(JobKindAIRender, f.makeAIRenderHandler())
	p.RegisterHandler(JobKindAIPack, f.makeAIPackHandler())
}

func encodeResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode job result: %w", err)
	}
	return string(data), nil
}

// convertUpload converts a downloaded upload. Images become static stickers,
// everything else goes through video conversion.
func (f *Flow) convertUpload(ctx context.Context, src, mime string) (models.ArtifactResult, models.StickerFormat, bool, error) {
	if isImageMime(mime) {
		res, cached, err := f.cachedArtifact(ctx, src, map[string]any{"op": "prepare_asset"}, func(ctx context.Context) (models.ArtifactResult, error) {
			return f.converter.PrepareAsset(ctx, src)
		})
		return res, models.FormatStatic, cached, err
	}
	opts := models.DefaultConvertOptions()
	params := map[string]any{"op": "convert", "prefer_seconds": opts.PreferSeconds, "pad_mode": opts.PadMode}
	res, cached, err := f.cachedArtifact(ctx, src, params, func(ctx context.Context) (models.ArtifactResult, error) {
		return f.converter.Convert(ctx, src, opts)
	})
	return res, models.FormatVideo, cached, err
}

func (f *Flow) makeBatchItemHandler() store.JobHandler {
	return func(ctx context.Context, job store.Job) (string, error) {
		var p BatchItemPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return "", fmt.Errorf("invalid batch_item payload: %w", err)
		}
		// Success or failure, the upload counts toward the batch.
		defer f.batches.Completed(p.ActorID, p.Epoch)
		slog.Info("JobHandler.batch_item: executing", "actorID", p.ActorID, "jobID", job.ID)

		src, err := f.download(ctx, p.FileRef, p.MimeType, "batch_src_")
		if err != nil {
			return "", store.NewPublicError(msgConvertFailed, err)
		}
		defer util.CleanupFile(src)

		res, format, cached, err := f.convertUpload(ctx, src, p.MimeType)
		if err != nil {
			return "", store.NewPublicError(msgConvertFailed, err)
		}

		out := ArtifactJobResult{
			Artifact: models.BufferedArtifact{SourceRef: p.FileRef, LocalPath: res.OutputPath, Format: format, Metadata: res.Metadata},
			Cached:   cached,
		}
		f.sessions.Update(p.ActorID, func(s *models.Session) {
			if s.Mode != models.ModeBatch || !f.batches.Current(p.ActorID, p.Epoch) {
				return
			}
			if s.Format == models.FormatUnknown {
				s.Format = format
			} else if s.Format != format {
				out.MixedFormat = true
			}
			s.Buffered = append(s.Buffered, out.Artifact)
			out.PackFormat = s.Format
			out.Buffered = true
		})
		if !out.Buffered {
			slog.Info("JobHandler.batch_item: batch no longer active, discarding", "actorID", p.ActorID, "jobID", job.ID)
			util.CleanupFile(res.OutputPath)
		}
		return encodeResult(out)
	}
}

func (f *Flow) makeConvertHandler() store.JobHandler {
	return func(ctx context.Context, job store.Job) (string, error) {
		var p ConvertPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return "", fmt.Errorf("invalid convert payload: %w", err)
		}
		slog.Info("JobHandler.convert: executing", "actorID", p.ActorID, "jobID", job.ID)

		src, err := f.download(ctx, p.FileRef, p.MimeType, "convert_src_")
		if err != nil {
			return "", store.NewPublicError(msgConvertFailed, err)
		}
		defer util.CleanupFile(src)

		res, format, cached, err := f.convertUpload(ctx, src, p.MimeType)
		if err != nil {
			return "", store.NewPublicError(msgConvertFailed, err)
		}
		return encodeResult(ArtifactJobResult{
			Artifact: models.BufferedArtifact{SourceRef: p.FileRef, LocalPath: res.OutputPath, Format: format, Metadata: res.Metadata},
			Cached:   cached,
		})
	}
}

func (f *Flow) makeAIRenderHandler() store.JobHandler {
	return func(ctx context.Context, job store.Job) (result string, err error) {
		var p AIRenderPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return "", fmt.Errorf("invalid ai_render payload: %w", err)
		}
		slog.Info("JobHandler.ai_render: executing", "actorID", p.ActorID, "jobID", job.ID, "template", p.Template)
		defer func() {
			if err != nil {
				f.sessions.Update(p.ActorID, func(s *models.Session) {
					if s.Mode == models.ModeGenerateOne && s.BaseImageRef == p.FileRef {
						s.Generating = false
						s.Template = ""
					}
				})
			}
		}()

		bp, ok := f.catalog.Blueprint(p.Template, p.Context)
		if !ok {
			return "", store.NewPublicError(msgGenerateFailed, fmt.Errorf("unknown template %q", p.Template))
		}
		base, err := f.download(ctx, p.FileRef, p.MimeType, "ai_base_")
		if err != nil {
			return "", store.NewPublicError(msgGenerateFailed, err)
		}
		defer util.CleanupFile(base)

		res, cached, err := f.cachedArtifact(ctx, base, map[string]any{"op": "generate", "blueprint": bp}, func(ctx context.Context) (models.ArtifactResult, error) {
			return f.generator.Generate(ctx, base, bp)
		})
		if err != nil {
			return "", store.NewPublicError(msgGenerateFailed, err)
		}

		out := ArtifactJobResult{
			Artifact: models.BufferedArtifact{SourceRef: p.FileRef, LocalPath: res.OutputPath, Format: models.FormatStatic, Metadata: res.Metadata},
			Cached:   cached,
		}
		f.sessions.Update(p.ActorID, func(s *models.Session) {
			if s.Mode != models.ModeGenerateOne || s.BaseImageRef != p.FileRef {
				return
			}
			s.Buffered = append(s.Buffered, out.Artifact)
			s.Format = models.FormatStatic
			s.Generating = false
			out.Buffered = true
		})
		if !out.Buffered {
			util.CleanupFile(res.OutputPath)
			return encodeResult(out)
		}
		if preview, err := util.TempFilePath(f.opts.WorkDir, "preview_", ".png"); err == nil {
			if err := util.CopyFile(res.OutputPath, preview); err == nil {
				out.PreviewPath = preview
			}
		}
		return encodeResult(out)
	}
}

func (f *Flow) makeAIPackHandler() store.JobHandler {
	return func(ctx context.Context, job store.Job) (result string, err error) {
		var p AIPackPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return "", fmt.Errorf("invalid ai_pack payload: %w", err)
		}
		slog.Info("JobHandler.ai_pack: executing", "actorID", p.ActorID, "jobID", job.ID, "theme", p.Theme, "count", p.Count)
		defer func() {
			if err != nil {
				f.sessions.Update(p.ActorID, func(s *models.Session) {
					if s.Mode == models.ModeGeneratePack && s.BaseImageRef == p.FileRef {
						s.Generating = false
						s.BaseImageRef = ""
						s.BaseImageMime = ""
					}
				})
			}
		}()

		base, err := f.download(ctx, p.FileRef, p.MimeType, "pack_base_")
		if err != nil {
			return "", store.NewPublicError(msgPackGenFailed, err)
		}
		defer util.CleanupFile(base)

		blueprints, err := f.planner.Plan(ctx, p.Theme, p.Context, p.Count)
		if err != nil {
			return "", store.NewPublicError(msgPackGenFailed, err)
		}

		artifacts := make([]models.BufferedArtifact, 0, len(blueprints))
		discard := func() {
			for _, a := range artifacts {
				util.CleanupFile(a.LocalPath)
			}
		}
		out := PackJobResult{Count: len(blueprints)}
		for i, bp := range blueprints {
			f.deliverText(ctx, job, fmt.Sprintf("progress:%d", i), fmt.Sprintf(msgPackProgress, i+1, len(blueprints)))
			res, cached, err := f.cachedArtifact(ctx, base, map[string]any{"op": "generate", "blueprint": bp}, func(ctx context.Context) (models.ArtifactResult, error) {
				return f.generator.Generate(ctx, base, bp)
			})
			if err != nil {
				discard()
				return "", store.NewPublicError(msgPackGenFailed, fmt.Errorf("sticker %d: %w", i+1, err))
			}
			if cached {
				out.Cached++
			}
			artifacts = append(artifacts, models.BufferedArtifact{
				SourceRef: fmt.Sprintf("%s#%d", p.FileRef, i),
				LocalPath: res.OutputPath,
				Format:    models.FormatStatic,
				Metadata:  res.Metadata,
			})
		}

		f.sessions.Update(p.ActorID, func(s *models.Session) {
			if s.Mode != models.ModeGeneratePack || s.BaseImageRef != p.FileRef {
				return
			}
			s.Buffered = append(s.Buffered, artifacts...)
			s.Format = models.FormatStatic
			s.PackAction = models.PackActionNew
			s.Generating = false
			out.Buffered = true
		})
		if !out.Buffered {
			discard()
		}
		return encodeResult(out)
	}
}

// NotifyJob turns the outcome of a terminal job into queued replies. It is
// the processor's JobNotifier; outbox dedupe keys make repeated calls for the
// same job harmless.
func (f *Flow) NotifyJob(ctx context.Context, job store.Job) error {
	to := job.Destination
	if job.Status == store.JobStatusFailed {
		if err := f.enqueueText(job, "error", job.Error); err != nil {
			return err
		}
		switch job.Kind {
		case JobKindAIRender:
			return f.enqueueText(job, "retry", templateChoiceText())
		case JobKindAIPack:
			return f.enqueueText(job, "retry", msgAskPackImage)
		}
		return nil
	}

	switch job.Kind {
	case JobKindBatchItem:
		var r ArtifactJobResult
		if err := json.Unmarshal([]byte(job.ResultJSON), &r); err != nil {
			return fmt.Errorf("decode batch_item result: %w", err)
		}
		if !r.Buffered {
			return nil
		}
		if err := f.enqueueText(job, "ready", readyText(r.Artifact)); err != nil {
			return err
		}
		if r.MixedFormat {
			return f.enqueueText(job, "mixed", fmt.Sprintf(msgMixedFormats, r.PackFormat))
		}
	case JobKindConvert:
		var r ArtifactJobResult
		if err := json.Unmarshal([]byte(job.ResultJSON), &r); err != nil {
			return fmt.Errorf("decode convert result: %w", err)
		}
		return f.enqueueMedia(job, "media", models.Media{
			Path:            r.Artifact.LocalPath,
			MimeType:        mimeForFormat(r.Artifact.Format),
			FileName:        "sticker" + extForFormat(r.Artifact.Format),
			Caption:         readyText(r.Artifact),
			RemoveAfterSend: true,
		})
	case JobKindAIRender:
		var r ArtifactJobResult
		if err := json.Unmarshal([]byte(job.ResultJSON), &r); err != nil {
			return fmt.Errorf("decode ai_render result: %w", err)
		}
		if !r.Buffered {
			return nil
		}
		if r.PreviewPath != "" {
			if err := f.enqueueMedia(job, "preview", models.Media{
				Path:            r.PreviewPath,
				MimeType:        "image/png",
				FileName:        "sticker.png",
				RemoveAfterSend: true,
			}); err != nil {
				return err
			}
		}
		return f.enqueueText(job, "choice", packChoiceText(msgGenerated), packChoiceButtons()...)
	case JobKindAIPack:
		var r PackJobResult
		if err := json.Unmarshal([]byte(job.ResultJSON), &r); err != nil {
			return fmt.Errorf("decode ai_pack result: %w", err)
		}
		if !r.Buffered {
			return nil
		}
		return f.enqueueText(job, "title", fmt.Sprintf(msgPackGenerated, r.Count)+"\n"+msgAskTitle)
	default:
		slog.Warn("Flow.NotifyJob: unknown job kind", "kind", job.Kind, "jobID", job.ID, "to", to)
	}
	return nil
}

func extForFormat(format models.StickerFormat) string {
	if format == models.FormatStatic {
		return ".png"
	}
	return ".webm"
}

// enqueueText queues a text reply for the job's destination. The dedupe key
// is derived from the job ID and step.
func (f *Flow) enqueueText(job store.Job, step, text string, buttons ...models.Button) error {
	payload, err := json.Marshal(models.OutboundText{Text: text, Buttons: buttons})
	if err != nil {
		return err
	}
	return f.enqueueOutbox(job, step, store.OutboxKindText, string(payload))
}

func (f *Flow) enqueueMedia(job store.Job, step string, media models.Media) error {
	payload, err := json.Marshal(media)
	if err != nil {
		return err
	}
	return f.enqueueOutbox(job, step, store.OutboxKindMedia, string(payload))
}

func (f *Flow) enqueueOutbox(job store.Job, step, kind, payload string) error {
	if f.outbox == nil {
		return f.sendDirect(context.Background(), job.Destination, kind, payload)
	}
	if _, err := f.outbox.EnqueueOutboxMessage(job.Destination, kind, payload, job.ID+":"+step); err != nil {
		return fmt.Errorf("enqueue %s reply for job %s: %w", kind, job.ID, err)
	}
	return nil
}

// deliverText queues an interim progress message; failures are logged only.
func (f *Flow) deliverText(_ context.Context, job store.Job, step, text string) {
	if err := f.enqueueText(job, step, text); err != nil {
		slog.Warn("Flow.deliverText: progress message dropped", "jobID", job.ID, "error", err)
	}
}

// sendDirect delivers a reply without the outbox.
// DeliverOutbox is the send function for a store.OutboxSender draining the
// messages NotifyJob and the job handlers queue.
func (f *Flow) DeliverOutbox(ctx context.Context, m store.OutboxMessage) error {
	return f.sendDirect(ctx, m.Recipient, m.Kind, m.PayloadJSON)
}

func (f *Flow) sendDirect(ctx context.Context, to, kind, payload string) error {
	switch kind {
	case store.OutboxKindMedia:
		var m models.Media
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return err
		}
		if err := f.msg.SendMedia(ctx, to, m); err != nil {
			return err
		}
		if m.RemoveAfterSend {
			util.CleanupFile(m.Path)
		}
		return nil
	default:
		var t models.OutboundText
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return err
		}
		return f.msg.SendText(ctx, to, t.Text, t.Buttons...)
	}
}

// sendBatchReady is the coordinator's ReadyFunc.
func (f *Flow) sendBatchReady(ctx context.Context, actorID string, session models.Session) {
	if len(session.Buffered) == 0 || session.PackAction != models.PackActionNone {
		slog.Debug("Flow.sendBatchReady: nothing to offer", "actorID", actorID, "files", len(session.Buffered))
		return
	}
	if err := f.msg.SendText(ctx, actorID, packChoiceText("✅ All files converted!"), packChoiceButtons()...); err != nil {
		slog.Error("Flow.sendBatchReady: send failed", "actorID", actorID, "error", err)
	}
}
