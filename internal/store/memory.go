package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/healflow/pkg/schema"
)

// MemoryStore is a process-local Store. Runs are kept as encoded documents so
// callers never share memory with the store.
type MemoryStore struct {
	mu     sync.Mutex
	runs   map[string][]byte
	active map[string]time.Time
	events map[string][]*Event
	nextID int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string][]byte),
		active: make(map[string]time.Time),
		events: make(map[string][]*Event),
	}
}

func (s *MemoryStore) Load(_ context.Context, runID string) (*RunState, error) {
	s.mu.Lock()
	doc, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return nil, storeNotFound("run", runID)
	}
	var run RunState
	if err := json.Unmarshal(doc, &run); err != nil {
		return nil, storageErr("decode run", err)
	}
	return &run, nil
}

func (s *MemoryStore) Save(_ context.Context, run *RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.runs[run.RunID]; ok {
		var stored struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(doc, &stored); err != nil {
			return storageErr("decode run", err)
		}
		if stored.Version != run.Version {
			return versionConflict(run.RunID, run.Version)
		}
	} else if run.Version != 0 {
		return storeNotFound("run", run.RunID)
	}

	run.Version++
	run.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(run)
	if err != nil {
		run.Version--
		return storageErr("encode run", err)
	}
	s.runs[run.RunID] = doc
	if run.Status == schema.RunStatusRunning {
		s.active[run.RunID] = run.StartedAt
	} else {
		delete(s.active, run.RunID)
	}
	return nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := s.active[ids[i]], s.active[ids[j]]
		if ti.Equal(tj) {
			return ids[i] < ids[j]
		}
		return ti.Before(tj)
	})
	return ids, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	event.ID = s.nextID
	event.Sequence = int64(len(s.events[event.RunID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	s.events[event.RunID] = append(s.events[event.RunID], &cp)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Event
	for _, e := range s.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
