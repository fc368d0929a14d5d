package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotSeeded is returned when the aggregate stats row is missing.
	ErrNotSeeded = errors.New("visitor stats not initialised")
	// ErrInvariantViolation means the store returned counters that no valid
	// sequence of visits could produce. It indicates a broken store, never a
	// client error.
	ErrInvariantViolation = errors.New("visitor stats invariant violated")
)

// Snapshot is the current value of the global counters.
type Snapshot struct {
	TotalUniqueVisitors int64     `json:"total_unique_visitors"`
	TotalPageViews      int64     `json:"total_page_views"`
	LastUpdated         time.Time `json:"last_updated"`
}

// Validate reports ErrInvariantViolation when the counters are negative or
// page views fall below unique visitors.
func (s Snapshot) Validate() error {
	if s.TotalUniqueVisitors < 0 || s.TotalPageViews < 0 {
		return fmt.Errorf("%w: negative counter (unique=%d, views=%d)", ErrInvariantViolation, s.TotalUniqueVisitors, s.TotalPageViews)
	}
	if s.TotalPageViews < s.TotalUniqueVisitors {
		return fmt.Errorf("%w: page views %d < unique visitors %d", ErrInvariantViolation, s.TotalPageViews, s.TotalUniqueVisitors)
	}
	return nil
}

// Visit is the outcome of one tracked visit.
type Visit struct {
	Snapshot
	IsNew bool `json:"is_new_visitor"`
}

// VisitEvent is one entry of the best-effort visit log.
type VisitEvent struct {
	ID              uuid.UUID
	Hash            string
	Page            string
	ClientTimestamp string
	IsNew           bool
	At              time.Time
}

// Ledger is the append-only set of seen fingerprints.
type Ledger interface {
	// Observe inserts hash if absent and reports whether it did. Concurrent
	// calls with the same hash see true exactly once.
	Observe(ctx context.Context, hash string, at time.Time) (bool, error)
}

// Counters is the singleton aggregate stats row.
type Counters interface {
	// ApplyVisit adds one page view, one unique visitor if isNew, sets
	// last_updated and returns the resulting snapshot.
	ApplyVisit(ctx context.Context, isNew bool, at time.Time) (Snapshot, error)
	ReadSnapshot(ctx context.Context) (Snapshot, error)
}

// Tx is a ledger and counter view bound to one atomic unit of work.
type Tx interface {
	Ledger
	Counters
}

// Store is the durable state behind the tracking service.
type Store interface {
	ReadSnapshot(ctx context.Context) (Snapshot, error)
	// RecordVisit observes hash in the ledger and applies the visit to the
	// counters as one all-or-nothing unit.
	RecordVisit(ctx context.Context, hash string, at time.Time) (Visit, error)
	// FirstSeen returns when hash entered the ledger.
	FirstSeen(ctx context.Context, hash string) (time.Time, bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// VisitLogger persists visit log events.
type VisitLogger interface {
	InsertVisit(ctx context.Context, ev VisitEvent) error
}

// recordVisit runs the observe-then-apply sequence against tx. Callers own
// the atomic boundary around it.
func recordVisit(ctx context.Context, tx Tx, hash string, at time.Time) (Visit, error) {
	isNew, err := tx.Observe(ctx, hash, at)
	if err != nil {
		return Visit{}, fmt.Errorf("observe fingerprint: %w", err)
	}
	snap, err := tx.ApplyVisit(ctx, isNew, at)
	if err != nil {
		return Visit{}, fmt.Errorf("apply visit: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return Visit{}, err
	}
	return Visit{Snapshot: snap, IsNew: isNew}, nil
}
