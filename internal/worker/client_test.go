package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/PackPipe/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL), WithOutputDir(t.TempDir())}, opts...)
	c, err := NewClient(opts...)
	require.NoError(t, err)
	return c
}

func writeInput(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient()
	assert.Error(t, err)
}

func TestConvertSendsFormAndCopiesSharedOutput(t *testing.T) {
	shared := writeInput(t, "result.webm", "webm bytes")
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/convert", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "2.8", r.FormValue("prefer_seconds"))
		assert.Equal(t, "transparent", r.FormValue("pad_mode"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "gif bytes", string(data))
		assert.Equal(t, "in.gif", hdr.Filename)

		json.NewEncoder(w).Encode(map[string]any{
			"output_path": shared, "duration": 2.8, "kb": 180, "width": 512, "height": 512, "fps": 30,
		})
	})

	res, err := c.Convert(context.Background(), writeInput(t, "in.gif", "gif bytes"), models.ConvertOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, shared, res.OutputPath)
	assert.Equal(t, ".webm", filepath.Ext(res.OutputPath))
	assert.Equal(t, models.ArtifactMetadata{DurationSec: 2.8, KB: 180, Width: 512, Height: 512, FPS: 30}, res.Metadata)

	data, err := os.ReadFile(res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "webm bytes", string(data))
}

func TestGenerateAcceptsBase64AndRepairsJSON(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ai/render", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		var bp models.Blueprint
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("blueprint_json")), &bp))
		assert.Equal(t, "GM", bp.Template)
		_, _, err := r.FormFile("base_image")
		require.NoError(t, err)

		// trailing comma and numeric strings
		fmt.Fprintf(w, `{"result": {"output_b64": "%s", "width": "512", "height": "512",}}`, base64.StdEncoding.EncodeToString(png))
	})

	res, err := c.Generate(context.Background(), writeInput(t, "base.png", "x"), models.Blueprint{Template: "GM"})
	require.NoError(t, err)
	assert.Equal(t, ".png", filepath.Ext(res.OutputPath))
	assert.Equal(t, 512, res.Metadata.Width)
	assert.Equal(t, 1, res.Metadata.KB, "kb is derived from the file when missing")
}

func TestPrepareAssetDownloadsRelativeURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/prepare_asset", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"output_url": "/files/asset.png", "width": 512, "height": 512}`))
	})
	mux.HandleFunc("/files/asset.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("prepared"))
	})
	c := newTestClient(t, mux.ServeHTTP)

	res, err := c.PrepareAsset(context.Background(), writeInput(t, "base.jpg", "x"))
	require.NoError(t, err)
	data, err := os.ReadFile(res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "prepared", string(data))
}

func TestWorkerErrorShapes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"error string", http.StatusInternalServerError, `{"error": "ffmpeg failed"}`, "ffmpeg failed"},
		{"fastapi detail", http.StatusUnprocessableEntity, `{"detail": [{"msg": "field required"}]}`, "field required"},
		{"detail string", http.StatusBadRequest, `{"detail": "unsupported format"}`, "unsupported format"},
		{"error with 200", http.StatusOK, `{"error": {"message": "too long"}}`, "too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.Convert(context.Background(), writeInput(t, "in.mp4", "x"), models.DefaultConvertOptions())
			var werr *Error
			require.True(t, errors.As(err, &werr), "got %v", err)
			assert.Equal(t, tt.status, werr.StatusCode)
			assert.Equal(t, tt.want, werr.Message)
		})
	}
}

func TestEmptyOutput(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"kb": 12}`))
	})
	_, err := c.Convert(context.Background(), writeInput(t, "in.mp4", "x"), models.DefaultConvertOptions())
	assert.ErrorIs(t, err, ErrEmptyOutput)
}

func TestTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, WithTimeouts(50*time.Millisecond, 0, 0))
	_, err := c.Convert(context.Background(), writeInput(t, "in.mp4", "x"), models.DefaultConvertOptions())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestMissingInputFile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})
	_, err := c.Convert(context.Background(), filepath.Join(t.TempDir(), "gone.mp4"), models.DefaultConvertOptions())
	assert.Error(t, err)
}
