package testutil

import (
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// mockTestingT records failures instead of failing the real test.
type mockTestingT struct {
	testing.TB
	failed   bool
	fatal    bool
	errorMsg string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Error(args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprint(args...)
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.fatal = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := WriteFile(t, dir, filepath.Join("nested", "a.webp"), []byte("RIFF"))

	if path != filepath.Join(dir, "nested", "a.webp") {
		t.Errorf("Unexpected path %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read written file: %v", err)
	}
	if string(data) != "RIFF" {
		t.Errorf("Expected content RIFF, got %q", data)
	}
}

func TestWaitFor(t *testing.T) {
	var n atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		n.Store(1)
	}()
	WaitFor(t, time.Second, func() bool { return n.Load() == 1 }, "flag never set")

	mockT := &mockTestingT{}
	WaitFor(mockT, 20*time.Millisecond, func() bool { return false }, "never true")
	if !mockT.fatal {
		t.Error("Expected WaitFor to fail on timeout")
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	mockT := &mockTestingT{}
	AssertHTTPStatus(mockT, 200, 200, "same")
	if mockT.failed {
		t.Errorf("Expected matching status to pass, got: %s", mockT.errorMsg)
	}

	mockT = &mockTestingT{}
	AssertHTTPStatus(mockT, 200, 404, "different")
	if !mockT.failed {
		t.Error("Expected mismatched status to fail")
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		status     string
		shouldFail bool
	}{
		{"matching status", `{"status":"ok","result":1}`, "ok", false},
		{"wrong status", `{"status":"error","message":"x"}`, "ok", true},
		{"missing status", `{"result":1}`, "ok", true},
		{"invalid json", `{`, "ok", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			rr := httptest.NewRecorder()
			rr.Body.WriteString(tt.body)
			AssertJSONResponse(mockT, rr, tt.status)
			if mockT.failed != tt.shouldFail {
				t.Errorf("failed = %v, want %v (%s)", mockT.failed, tt.shouldFail, mockT.errorMsg)
			}
		})
	}
}

func TestMustMarshalJSON(t *testing.T) {
	got := MustMarshalJSON(t, map[string]string{"pack": "gm_by_bot"})
	if got != `{"pack":"gm_by_bot"}` {
		t.Errorf("Unexpected JSON %s", got)
	}

	mockT := &mockTestingT{}
	MustMarshalJSON(mockT, make(chan int))
	if !mockT.fatal {
		t.Error("Expected marshaling a channel to fail")
	}
}
