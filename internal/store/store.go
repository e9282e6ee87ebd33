package store

import (
	"context"
	"fmt"

	"github.com/rendis/healflow/pkg/schema"
)

// Store defines the persistence contract for run state.
// All implementations must be safe for concurrent use.
type Store interface {
	// Load returns the run or a NOT_FOUND error.
	Load(ctx context.Context, runID string) (*RunState, error)
	// Save persists the whole run atomically. Version 0 inserts; otherwise the
	// write succeeds only if the stored version equals run.Version, which is
	// then incremented. A stale version yields a CONFLICT error.
	Save(ctx context.Context, run *RunState) error
	// ListActive returns the IDs of runs whose status is Running.
	ListActive(ctx context.Context) ([]string, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// maxUpdateAttempts bounds optimistic retries in Update.
const maxUpdateAttempts = 5

// Update performs an atomic read-modify-write of one run. fn may be called
// more than once if a concurrent writer wins; it must be free of side effects.
func Update(ctx context.Context, s Store, runID string, fn func(*RunState) error) (*RunState, error) {
	var lastErr error
	for i := 0; i < maxUpdateAttempts; i++ {
		run, err := s.Load(ctx, runID)
		if err != nil {
			return nil, err
		}
		if err := fn(run); err != nil {
			return nil, err
		}
		err = s.Save(ctx, run)
		if err == nil {
			return run, nil
		}
		if !schema.IsConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("update run %s: %w", runID, lastErr)
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func versionConflict(runID string, version int64) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConflict, "run %q changed since version %d", runID, version).
		WithDetails(map[string]any{"run_id": runID, "version": version})
}

func storageErr(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStorage, "%s: %v", op, err).WithCause(err)
}
