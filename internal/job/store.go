package job

import (
	"context"
	"time"
)

// Store persists a history of job records. The live queue is owned by the
// scheduler and is not restored from here.
type Store interface {
	// Save inserts the record, replacing any earlier row with the same ID.
	Save(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	MarkRunning(ctx context.Context, id string, startedAt time.Time) error
	UpdatePhase(ctx context.Context, id string, phase Phase, progress int, at time.Time) error
	// Finish writes the terminal flags, result and error of r.
	Finish(ctx context.Context, r *Record) error
	// List returns a page of records ordered by created_at DESC, plus the total count.
	List(ctx context.Context, limit, offset int) ([]*Record, int, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}
