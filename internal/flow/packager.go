package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/BTreeMap/PackPipe/internal/models"
	"github.com/BTreeMap/PackPipe/internal/packs"
	"github.com/BTreeMap/PackPipe/internal/util"
)

// Packager publishes an actor's buffered artifacts as a pack once every step
// of the packaging dialogue is satisfied.
type Packager struct {
	sessions  *SessionStore
	batches   *BatchCoordinator
	publisher packs.Publisher
	msg       MessagingService
	botName   string
}

// NewPackager creates a Packager.
func NewPackager(sessions *SessionStore, batches *BatchCoordinator, publisher packs.Publisher, msg MessagingService, botName string) *Packager {
	return &Packager{sessions: sessions, batches: batches, publisher: publisher, msg: msg, botName: botName}
}

// missing returns the buffered artifacts whose files are gone.
func missing(buffered []models.BufferedArtifact) []models.BufferedArtifact {
	return lo.Filter(buffered, func(a models.BufferedArtifact, _ int) bool {
		return a.LocalPath == "" || !util.FileExists(a.LocalPath)
	})
}

// Package publishes the session's artifacts to a new or existing pack,
// sends the link and bundle, and resets the session. Missing files abort with
// ErrMissingArtifacts and leave the session untouched.
func (p *Packager) Package(ctx context.Context, actorID string) error {
	s := p.sessions.Get(actorID)
	if len(s.Buffered) == 0 {
		return p.msg.SendText(ctx, actorID, msgNoFiles)
	}
	if gone := missing(s.Buffered); len(gone) > 0 {
		slog.Warn("Packager.Package: buffered files missing", "actorID", actorID, "missing", len(gone), "total", len(s.Buffered))
		if err := p.msg.SendText(ctx, actorID, fmt.Sprintf(msgArtifactsNotFound, len(gone))); err != nil {
			return err
		}
		return fmt.Errorf("%w: %d of %d", ErrMissingArtifacts, len(gone), len(s.Buffered))
	}

	var (
		shortName string
		reply     string
	)
	switch s.PackAction {
	case models.PackActionNew:
		shortName = packs.BuildShortName(s.Title, p.botName)
		if err := p.msg.SendText(ctx, actorID, msgCreatingPack); err != nil {
			slog.Warn("Packager.Package: progress message failed", "actorID", actorID, "error", err)
		}
		if _, err := p.publisher.Create(ctx, actorID, s.Title, shortName, s.Emoji, s.Buffered); err != nil {
			slog.Error("Packager.Package: create failed", "actorID", actorID, "pack", shortName, "error", err)
			p.sessions.Merge(actorID, models.SessionPatch{
				Title:         models.Ptr(""),
				Emoji:         models.Ptr(""),
				AwaitingEmoji: models.Ptr(false),
			})
			return p.msg.SendText(ctx, actorID, msgCreateFailed)
		}
		reply = fmt.Sprintf(msgPackCreated, p.publisher.Link(shortName))
	case models.PackActionExisting:
		shortName = s.PackName
		if err := p.msg.SendText(ctx, actorID, msgAddingToPack); err != nil {
			slog.Warn("Packager.Package: progress message failed", "actorID", actorID, "error", err)
		}
		if _, err := p.publisher.Add(ctx, actorID, shortName, s.Emoji, s.Buffered); err != nil {
			slog.Error("Packager.Package: add failed", "actorID", actorID, "pack", shortName, "error", err)
			p.sessions.Merge(actorID, models.SessionPatch{
				PackAction:    models.Ptr(models.PackActionNone),
				PackName:      models.Ptr(""),
				Emoji:         models.Ptr(""),
				AwaitingEmoji: models.Ptr(false),
			})
			return p.msg.SendText(ctx, actorID, addFailureText(shortName, err))
		}
		reply = fmt.Sprintf(msgStickersAdded, len(s.Buffered), p.publisher.Link(shortName))
	default:
		return fmt.Errorf("package without pack action for %s", actorID)
	}

	slog.Info("Packager.Package: published", "actorID", actorID, "pack", shortName, "stickers", len(s.Buffered))
	if err := p.msg.SendText(ctx, actorID, reply); err != nil {
		slog.Error("Packager.Package: link message failed", "actorID", actorID, "error", err)
	}
	if bundle, err := p.publisher.Bundle(ctx, shortName); err == nil {
		if err := p.msg.SendMedia(ctx, actorID, models.Media{Path: bundle, MimeType: "application/zip", FileName: shortName + ".zip"}); err != nil {
			slog.Warn("Packager.Package: bundle send failed", "actorID", actorID, "error", err)
		}
	}
	// Published packs hold their own copies; the reset removes the buffer.
	p.sessions.Reset(actorID)
	if p.batches != nil {
		p.batches.Reset(actorID)
	}
	return nil
}

func addFailureText(name string, err error) string {
	switch {
	case errors.Is(err, packs.ErrPackNotFound):
		return fmt.Sprintf(msgPackNotFound, name)
	case errors.Is(err, packs.ErrNotOwner):
		return fmt.Sprintf(msgNotOwner, name)
	case errors.Is(err, packs.ErrPackFull):
		return fmt.Sprintf(msgPackFull, name)
	}
	return msgAddFailed
}
