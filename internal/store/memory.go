package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrFaultInjected is returned by operations failed through Memory.SetFault.
var ErrFaultInjected = errors.New("injected store fault")

// Memory is a single-process store. One mutex guards the ledger membership
// check and the counter increment together; a visit is staged on a copy and
// published only when every step succeeded.
type Memory struct {
	mu     sync.Mutex
	ledger map[string]time.Time
	stats  Snapshot
	visits []VisitEvent
	fault  func(op string) error
}

var (
	_ Store       = (*Memory)(nil)
	_ VisitLogger = (*Memory)(nil)
)

// NewMemory returns a store seeded with zero counters.
func NewMemory() *Memory {
	return &Memory{
		ledger: make(map[string]time.Time),
		stats:  Snapshot{LastUpdated: time.Now().UTC()},
	}
}

// Migrate is a no-op; NewMemory already seeds the counters.
func (m *Memory) Migrate(context.Context) error { return nil }

// SetFault installs a hook consulted before every transactional step
// ("observe", "apply"). A non-nil error aborts the unit of work.
func (m *Memory) SetFault(fn func(op string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// WithTx runs fn while holding the store lock. Changes made through the tx
// become visible only if fn returns nil.
func (m *Memory) WithTx(ctx context.Context, fn func(tx *MemoryTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &MemoryTx{m: m, stats: m.stats, inserted: make(map[string]time.Time)}
	if err := fn(tx); err != nil {
		return err
	}
	for hash, at := range tx.inserted {
		m.ledger[hash] = at
	}
	m.stats = tx.stats
	return nil
}

func (m *Memory) RecordVisit(ctx context.Context, hash string, at time.Time) (Visit, error) {
	var v Visit
	err := m.WithTx(ctx, func(tx *MemoryTx) error {
		var err error
		v, err = recordVisit(ctx, tx, hash, at)
		return err
	})
	if err != nil {
		return Visit{}, err
	}
	return v, nil
}

func (m *Memory) ReadSnapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats, nil
}

func (m *Memory) FirstSeen(_ context.Context, hash string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.ledger[hash]
	return at, ok, nil
}

// LedgerSize returns the number of distinct fingerprints recorded.
func (m *Memory) LedgerSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ledger)
}

func (m *Memory) InsertVisit(_ context.Context, ev VisitEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visits = append(m.visits, ev)
	return nil
}

// Visits returns a copy of the visit log.
func (m *Memory) Visits() []VisitEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]VisitEvent, len(m.visits))
	copy(out, m.visits)
	return out
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

// MemoryTx is a staged view of a Memory store. It is only valid inside
// Memory.WithTx.
type MemoryTx struct {
	m        *Memory
	stats    Snapshot
	inserted map[string]time.Time
}

var _ Tx = (*MemoryTx)(nil)

func (t *MemoryTx) check(op string) error {
	if t.m.fault == nil {
		return nil
	}
	return t.m.fault(op)
}

func (t *MemoryTx) Observe(_ context.Context, hash string, at time.Time) (bool, error) {
	if err := t.check("observe"); err != nil {
		return false, err
	}
	if _, ok := t.m.ledger[hash]; ok {
		return false, nil
	}
	if _, ok := t.inserted[hash]; ok {
		return false, nil
	}
	t.inserted[hash] = at.UTC()
	return true, nil
}

func (t *MemoryTx) ApplyVisit(_ context.Context, isNew bool, at time.Time) (Snapshot, error) {
	if err := t.check("apply"); err != nil {
		return Snapshot{}, err
	}
	t.stats.TotalPageViews++
	if isNew {
		t.stats.TotalUniqueVisitors++
	}
	t.stats.LastUpdated = at.UTC()
	return t.stats, nil
}

func (t *MemoryTx) ReadSnapshot(context.Context) (Snapshot, error) {
	return t.stats, nil
}
