package api

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/labstack/echo/v4"

	"github.com/BTreeMap/PackPipe/internal/messaging"
	"github.com/BTreeMap/PackPipe/internal/models"
	"github.com/BTreeMap/PackPipe/internal/packs"
	"github.com/BTreeMap/PackPipe/internal/store"
	"github.com/BTreeMap/PackPipe/internal/util"
)

// HealthStatus is the result of GET /health.
type HealthStatus struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// JobStatus is the result of GET /jobs/:id. Payloads stay internal.
type JobStatus struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Status    store.JobStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

func (s *Server) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, models.Success(HealthStatus{Status: "healthy", Store: s.opts.StoreMode}))
}

func (s *Server) jobHandler(c echo.Context) error {
	id := c.Param("id")
	job, err := s.jobs.GetJob(id)
	if errors.Is(err, store.ErrJobNotFound) {
		return c.JSON(http.StatusNotFound, models.Error("Job not found"))
	}
	if err != nil {
		slog.Error("Server.jobHandler: lookup failed", "jobID", id, "error", err)
		return c.JSON(http.StatusInternalServerError, models.Error("Failed to load job"))
	}
	return c.JSON(http.StatusOK, models.Success(JobStatus{
		ID:        job.ID,
		Kind:      job.Kind,
		Status:    job.Status,
		Error:     job.Error,
		CreatedAt: job.CreatedAt.UTC().Format(http.TimeFormat),
		UpdatedAt: job.UpdatedAt.UTC().Format(http.TimeFormat),
	}))
}

// twilioWebhookHandler answers 200 for everything Twilio should not retry.
func (s *Server) twilioWebhookHandler(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		return c.JSON(http.StatusBadRequest, models.Error("Bad request"))
	}
	err = s.opts.Webhook.HandleWebhook(form)
	switch {
	case errors.Is(err, messaging.ErrInvalidWebhook):
		slog.Warn("Server.twilioWebhookHandler: ignored payload", "error", err)
		return c.JSON(http.StatusBadRequest, models.Error("Missing required fields"))
	case errors.Is(err, messaging.ErrGatewayStopped):
		return c.JSON(http.StatusServiceUnavailable, models.Error("Shutting down"))
	case err != nil:
		slog.Error("Server.twilioWebhookHandler: handling failed", "error", err)
		return c.JSON(http.StatusInternalServerError, models.Error("Internal server error"))
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) mediaHandler(c echo.Context) error {
	name := c.Param("name")
	if name != filepath.Base(name) || name == "." || name == ".." {
		return c.JSON(http.StatusNotFound, models.Error("Not found"))
	}
	path := filepath.Join(s.opts.MediaDir, name)
	if !util.FileExists(path) {
		return c.JSON(http.StatusNotFound, models.Error("Not found"))
	}
	return c.File(path)
}

func (s *Server) packHandler(c echo.Context) error {
	name := c.Param("name")
	bundle, err := s.opts.Packs.Bundle(c.Request().Context(), name)
	if errors.Is(err, packs.ErrPackNotFound) {
		return c.JSON(http.StatusNotFound, models.Error("Pack not found"))
	}
	if err != nil {
		slog.Error("Server.packHandler: bundle failed", "pack", name, "error", err)
		return c.JSON(http.StatusInternalServerError, models.Error("Failed to build pack"))
	}
	return c.Attachment(bundle, name+".zip")
}
