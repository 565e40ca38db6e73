package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/PackPipe/internal/store"
)

// Mock recoverable for testing
type mockRecoverable struct {
	name          string
	order         *[]string
	recoverError  error
	recoverCalled bool
}

func (m *mockRecoverable) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	m.recoverCalled = true
	if m.order != nil {
		*m.order = append(*m.order, m.name)
	}
	return m.recoverError
}

func TestNewRecoveryRegistry(t *testing.T) {
	st := store.NewInMemoryStore()
	registry := NewRecoveryRegistry(st)

	if registry.GetStore() != st {
		t.Error("Registry store does not match provided store")
	}
	if registry.StartedAt().IsZero() {
		t.Error("Registry start time should be set")
	}

	registry.Report("jobs", 2)
	registry.Report("jobs", 1)
	if got := registry.Reports()["jobs"]; got != 3 {
		t.Errorf("Expected accumulated report 3, got %d", got)
	}
}

func TestRecoveryManager_RecoverAll_Success(t *testing.T) {
	manager := NewRecoveryManager(store.NewInMemoryStore())
	var order []string
	mock1 := &mockRecoverable{name: "mock1", order: &order}
	mock2 := &mockRecoverable{name: "mock2", order: &order}
	manager.RegisterRecoverable("mock1", mock1)
	manager.RegisterRecoverable("mock2", mock2)

	if err := manager.RecoverAll(context.Background()); err != nil {
		t.Errorf("RecoverAll failed: %v", err)
	}
	if len(order) != 2 || order[0] != "mock1" || order[1] != "mock2" {
		t.Errorf("Expected registration order, got %v", order)
	}
}

func TestRecoveryManager_RecoverAll_WithErrors(t *testing.T) {
	manager := NewRecoveryManager(store.NewInMemoryStore())
	mock1 := &mockRecoverable{name: "mock1", recoverError: errors.New("recovery failed")}
	mock2 := &mockRecoverable{name: "mock2"}
	manager.RegisterRecoverable("mock1", mock1)
	manager.RegisterRecoverable("mock2", mock2)

	if err := manager.RecoverAll(context.Background()); err == nil {
		t.Error("Expected error from RecoverAll when components fail")
	}
	if !mock1.recoverCalled || !mock2.recoverCalled {
		t.Error("All recoverables should be called despite errors")
	}
}

func TestRecoveryManager_RecoverAll_Cancelled(t *testing.T) {
	manager := NewRecoveryManager(store.NewInMemoryStore())
	mock := &mockRecoverable{name: "mock"}
	manager.RegisterRecoverable("mock", mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := manager.RecoverAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if mock.recoverCalled {
		t.Error("Recoverable should not run after cancellation")
	}
}

func TestJobRecovery(t *testing.T) {
	st := store.NewInMemoryStore()
	q := store.NewJobQueue(st, time.Hour)
	id, err := q.Enqueue("15550100", "15550100", "convert", "{}")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if ok, _ := st.ClaimJob(id, time.Now().Add(-time.Hour)); !ok {
		t.Fatal("claim failed")
	}

	p := store.NewJobProcessor(st, time.Millisecond, store.WithStaleThreshold(time.Minute))
	p.RegisterHandler("convert", func(ctx context.Context, job store.Job) (string, error) {
		return `{"ok":true}`, nil
	})

	manager := NewRecoveryManager(st)
	manager.RegisterRecoverable("jobs", JobRecovery(p))
	if err := manager.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}

	job, err := st.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != store.JobStatusCompleted {
		t.Errorf("Expected abandoned job to complete, got %q", job.Status)
	}
}

func TestOutboxRecovery(t *testing.T) {
	st := store.NewInMemoryStore()
	if _, err := st.EnqueueOutboxMessage("15550100", store.OutboxKindText, `{"text":"done"}`, ""); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	// A previous run claimed the message and died before sending it.
	st.ClaimDueOutboxMessages(time.Now().Add(-time.Hour), 10)

	sender := store.NewOutboxSender(st, func(ctx context.Context, m store.OutboxMessage) error { return nil }, time.Millisecond)
	if n := sender.Poll(context.Background()); n != 0 {
		t.Fatalf("Stuck message should not be claimable before recovery, sent %d", n)
	}

	manager := NewRecoveryManager(st)
	manager.RegisterRecoverable("outbox", OutboxRecovery(sender))
	if err := manager.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}
	if n := sender.Poll(context.Background()); n != 1 {
		t.Errorf("Expected the recovered message to be sent, got %d", n)
	}
}

func TestDedupRecovery(t *testing.T) {
	st := store.NewInMemoryStore()
	if _, err := st.RecordInbound("msg-1", "15550100"); err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}

	manager := NewRecoveryManager(st)
	manager.RegisterRecoverable("dedup", DedupRecovery(-time.Minute))
	if err := manager.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}

	if got := manager.GetRegistry().Reports()["dedup_pruned"]; got != 1 {
		t.Errorf("Expected 1 pruned record, got %d", got)
	}
	if dup, _ := st.IsDuplicate("msg-1"); dup {
		t.Error("Pruned record should no longer be a duplicate")
	}
}
