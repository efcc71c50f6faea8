package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"tutorgraph/app/failure"
)

type Status string

const (
	StatusInit     Status = "init"
	StatusRunning  Status = "running"
	StatusTerminal Status = "terminal"
	StatusFailed   Status = "failed"
)

// Checkpoint is an immutable snapshot taken after a completed step. Next
// holds the nodes that have not run yet.
type Checkpoint[S any] struct {
	ThreadID  string    `json:"thread_id"`
	Step      int64     `json:"step"`
	Status    Status    `json:"status"`
	Next      []NodeID  `json:"next,omitempty"`
	Ran       []NodeID  `json:"ran,omitempty"`
	State     S         `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Pending reports whether the run stopped before reaching the end.
func (c Checkpoint[S]) Pending() bool {
	return c.Status == StatusRunning && len(c.Next) > 0
}

// Checkpointer persists checkpoints per thread.
//
// Load returns a zero checkpoint with StatusInit when the thread has none.
// Put must be atomic and accept only Step == latest+1, otherwise it fails
// with a stale checkpoint conflict. History returns newest first.
type Checkpointer[S any] interface {
	Load(ctx context.Context, threadID string) (Checkpoint[S], error)
	Put(ctx context.Context, cp Checkpoint[S]) error
	History(ctx context.Context, threadID string, limit int) ([]Checkpoint[S], error)
}

func initial[S any](threadID string) Checkpoint[S] {
	return Checkpoint[S]{ThreadID: threadID, Status: StatusInit}
}

// MemoryCheckpointer keeps encoded checkpoints in process memory.
type MemoryCheckpointer[S any] struct {
	mu      sync.RWMutex
	threads map[string][][]byte
}

func NewMemoryCheckpointer[S any]() *MemoryCheckpointer[S] {
	return &MemoryCheckpointer[S]{
		threads: make(map[string][][]byte),
	}
}

func (m *MemoryCheckpointer[S]) Load(_ context.Context, threadID string) (Checkpoint[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.threads[threadID]
	if len(versions) == 0 {
		return initial[S](threadID), nil
	}

	return decodeCheckpoint[S](versions[len(versions)-1])
}

func (m *MemoryCheckpointer[S]) Put(_ context.Context, cp Checkpoint[S]) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return failure.New(failure.KindPersistence, "checkpoint.put", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	latest := int64(len(m.threads[cp.ThreadID]))
	if cp.Step != latest+1 {
		return failure.Newf(failure.KindStaleCheckpoint, "checkpoint.put",
			"thread %s: step %d does not follow %d", cp.ThreadID, cp.Step, latest)
	}

	m.threads[cp.ThreadID] = append(m.threads[cp.ThreadID], data)

	return nil
}

func (m *MemoryCheckpointer[S]) History(_ context.Context, threadID string, limit int) ([]Checkpoint[S], error) {
	m.mu.RLock()
	versions := slices.Clone(m.threads[threadID])
	m.mu.RUnlock()

	slices.Reverse(versions)
	if limit > 0 && len(versions) > limit {
		versions = versions[:limit]
	}

	result := make([]Checkpoint[S], 0, len(versions))
	for _, data := range versions {
		cp, err := decodeCheckpoint[S](data)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}

	return result, nil
}

func decodeCheckpoint[S any](data []byte) (Checkpoint[S], error) {
	var cp Checkpoint[S]
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, failure.New(failure.KindPersistence, "checkpoint.decode", fmt.Errorf("corrupt checkpoint: %w", err))
	}

	return cp, nil
}
