// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"github.com/AntonSheinin/epg-service/internal/model"
)

// Storage is the interface for all persistence operations.
type Storage interface {
	// Window trim. Both run as single bulk deletes and return the number
	// of rows removed. Failures here are fatal to the fetch cycle.
	DeleteProgramsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteProgramsFrom(ctx context.Context, cutoff time.Time) (int64, error)

	// StartBulk switches the engine into bulk-write mode and opens the
	// cycle's write transaction. At most one bulk session may exist at a
	// time; the orchestrator's single-flight lock guarantees this.
	StartBulk(ctx context.Context, opts BulkOptions) (*Bulk, error)

	ListChannels(ctx context.Context) ([]model.Channel, error)
	ListPrograms(ctx context.Context, from, to time.Time) ([]model.Program, error)
	CountPrograms(ctx context.Context) (int64, error)

	Close() error
}

// BulkOptions tunes a bulk-write session.
type BulkOptions struct {
	// ChunkSize bounds how many program rows are written between context
	// checks. Default 20000.
	ChunkSize int
	// CacheSizeKB is the page cache size engaged for the session, in KiB.
	// Default 64000.
	CacheSizeKB int
	// CheckpointRetries bounds the WAL checkpoint retry loop. Default 5.
	CheckpointRetries int
	// CheckpointBackoff is the initial delay between checkpoint attempts,
	// doubled per attempt up to CheckpointBackoffMax. Defaults 100ms / 2s.
	CheckpointBackoff    time.Duration
	CheckpointBackoffMax time.Duration
}

func (o *BulkOptions) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 20000
	}
	if o.CacheSizeKB <= 0 {
		o.CacheSizeKB = 64000
	}
	if o.CheckpointRetries <= 0 {
		o.CheckpointRetries = 5
	}
	if o.CheckpointBackoff <= 0 {
		o.CheckpointBackoff = 100 * time.Millisecond
	}
	if o.CheckpointBackoffMax <= 0 {
		o.CheckpointBackoffMax = 2 * time.Second
	}
}
