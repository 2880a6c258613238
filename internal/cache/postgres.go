package cache

import (
	"context"
	"fmt"

	"arbwatch/internal/model"
	"arbwatch/internal/storage"
)

// Postgres stores the snapshot as a single jsonb row.
type Postgres struct {
	store storage.SnapshotStore
	slot  string
}

// NewPostgres builds a store over the snapshot_cache table.
func NewPostgres(store storage.SnapshotStore, slot string) *Postgres {
	return &Postgres{store: store, slot: slot}
}

// Get loads and decodes the row.
func (p *Postgres) Get(ctx context.Context) (model.Snapshot, bool, error) {
	payload, ok, err := p.store.LoadSnapshot(ctx, p.slot)
	if err != nil || !ok {
		return model.Snapshot{}, false, err
	}
	snap, err := model.Decode(payload)
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Put upserts the row.
func (p *Postgres) Put(ctx context.Context, snap model.Snapshot) error {
	payload, err := model.Encode(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return p.store.SaveSnapshot(ctx, p.slot, payload)
}

var _ Store = (*Postgres)(nil)
