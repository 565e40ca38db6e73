// Package recovery restores in-flight work after a PackPipe restart.
// Components register with a RecoveryManager, which runs them once at
// startup before the job workers and the outbox sender begin polling.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PackPipe/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoverFunc adapts a function to Recoverable.
type RecoverFunc func(ctx context.Context, registry *RecoveryRegistry) error

// RecoverState calls f.
func (f RecoverFunc) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	return f(ctx, registry)
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	store     store.Store
	startedAt time.Time

	mu      sync.Mutex
	reports map[string]int
}

// NewRecoveryRegistry creates a new recovery registry
func NewRecoveryRegistry(st store.Store) *RecoveryRegistry {
	return &RecoveryRegistry{
		store:     st,
		startedAt: time.Now(),
		reports:   make(map[string]int),
	}
}

// GetStore provides access to the store for recovery operations
func (r *RecoveryRegistry) GetStore() store.Store {
	return r.store
}

// StartedAt is when this process began recovering. Anything older belongs to
// a previous run.
func (r *RecoveryRegistry) StartedAt() time.Time {
	return r.startedAt
}

// Report records how many items a component restored.
func (r *RecoveryRegistry) Report(component string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[component] += n
}

// Reports returns a copy of the recorded counts.
func (r *RecoveryRegistry) Reports() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.reports))
	for k, v := range r.reports {
		out[k] = v
	}
	return out
}

type namedRecoverable struct {
	name string
	Recoverable
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []namedRecoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(st store.Store) *RecoveryManager {
	return &RecoveryManager{registry: NewRecoveryRegistry(st)}
}

// RegisterRecoverable adds a component that can be recovered. Components run
// in registration order.
func (rm *RecoveryManager) RegisterRecoverable(name string, r Recoverable) {
	rm.recoverables = append(rm.recoverables, namedRecoverable{name: name, Recoverable: r})
}

// RecoverAll performs recovery of all registered components. A failing
// component does not stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0
	for _, r := range rm.recoverables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "component", r.name, "error", err)
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("RecoveryManager.RecoverAll: recovery completed", "recovered", recoveredCount, "errors", errorCount, "reports", rm.registry.Reports())
	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return nil
}

// GetRegistry provides access to the recovery registry for infrastructure setup
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}
