// Package cache holds the current snapshot. Every write replaces the whole value.
package cache

import (
	"context"
	"errors"
	"sync/atomic"

	"arbwatch/internal/model"
)

// ErrUnknownBackend is returned for an unsupported cache.backend value.
var ErrUnknownBackend = errors.New("cache: unknown backend")

// Store is the single-slot snapshot cache shared by the refresh cycle and the query endpoint.
type Store interface {
	// Get returns the current snapshot; ok is false when nothing has been written yet.
	Get(ctx context.Context) (snap model.Snapshot, ok bool, err error)
	// Put atomically replaces the current snapshot.
	Put(ctx context.Context, snap model.Snapshot) error
}

// Memory keeps the snapshot in process memory.
type Memory struct {
	slot atomic.Pointer[[]byte]
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Get decodes the stored payload. Storing bytes rather than the struct keeps readers isolated from
// later mutation of the writer's maps.
func (m *Memory) Get(ctx context.Context) (model.Snapshot, bool, error) {
	p := m.slot.Load()
	if p == nil {
		return model.Snapshot{}, false, nil
	}
	snap, err := model.Decode(*p)
	if err != nil {
		return model.Snapshot{}, false, err
	}
	return snap, true, nil
}

// Put swaps in the encoded snapshot.
func (m *Memory) Put(ctx context.Context, snap model.Snapshot) error {
	payload, err := model.Encode(snap)
	if err != nil {
		return err
	}
	m.slot.Store(&payload)
	return nil
}

var _ Store = (*Memory)(nil)
