package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/roniherschmann/go-visitors/internal/fingerprint"
	"github.com/roniherschmann/go-visitors/internal/metrics"
	"github.com/roniherschmann/go-visitors/internal/pagestats"
	"github.com/roniherschmann/go-visitors/internal/store"
)

const (
	maxPageLen            = 2048
	maxClientTimestampLen = 64
	maxLoggedUserAgentLen = 100
)

// Options tunes a Service. Zero values select defaults.
type Options struct {
	// Timeout bounds every store call.
	Timeout time.Duration
	// FallbackPage is recorded when a visit names no page.
	FallbackPage string
	// VisitLog receives visit events; nil disables the visit log.
	VisitLog       store.VisitLogger
	VisitLogBuffer int
	PageStatsLimit int
	Now            func() time.Time
}

// TrackInput is one page load as seen by the transport.
type TrackInput struct {
	Source          fingerprint.Source
	Page            string
	ClientTimestamp string
}

// Service is the visitor tracking endpoint logic. It holds no counts of its
// own; every answer comes from the store.
type Service struct {
	store        store.Store
	visitLog     store.VisitLogger
	events       chan store.VisitEvent
	pages        *pagestats.Tracker
	timeout      time.Duration
	fallbackPage string
	now          func() time.Time

	mu     sync.RWMutex
	broken error

	shuttingDown atomic.Bool
}

// ErrShuttingDown is reported by Live and Ready once SetShuttingDown was called.
var ErrShuttingDown = errors.New("shutting down")

func NewService(s store.Store, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FallbackPage == "" {
		opts.FallbackPage = "unknown"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	svc := &Service{
		store:        s,
		visitLog:     opts.VisitLog,
		pages:        pagestats.New(opts.PageStatsLimit),
		timeout:      opts.Timeout,
		fallbackPage: opts.FallbackPage,
		now:          opts.Now,
	}
	if opts.VisitLog != nil && opts.VisitLogBuffer > 0 {
		svc.events = make(chan store.VisitEvent, opts.VisitLogBuffer)
	}
	return svc
}

// Track records one visit and returns the counters after it.
func (s *Service) Track(ctx context.Context, in TrackInput) (store.Visit, error) {
	fp := fingerprint.Derive(in.Source)
	page := s.normalizePage(in.Page)

	log.Debug().
		Str("client_ip", fp.Address).
		Str("user_agent", truncate(fp.UserAgent, maxLoggedUserAgentLen)).
		Str("page", page).
		Msg("tracking visit")

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	at := s.now().UTC()
	v, err := s.store.RecordVisit(ctx, fp.Hash, at)
	if err == nil {
		err = v.Validate()
	}
	if err != nil {
		s.fail("track", err)
		return store.Visit{}, err
	}

	metrics.TrackedVisits.Inc()
	if v.IsNew {
		metrics.NewVisitors.Inc()
	}
	label := s.pages.Add(page, fp.Hash)
	metrics.PageViewsByPage.WithLabelValues(label).Inc()
	metrics.PageUniqueEstimate.WithLabelValues(label).Set(float64(s.pages.Estimate(label)))

	s.enqueue(store.VisitEvent{
		ID:              uuid.New(),
		Hash:            fp.Hash,
		Page:            page,
		ClientTimestamp: truncate(strings.TrimSpace(strings.ToValidUTF8(in.ClientTimestamp, "\uFFFD")), maxClientTimestampLen),
		IsNew:           v.IsNew,
		At:              at,
	})

	log.Info().
		Str("page", page).
		Bool("is_new", v.IsNew).
		Int64("unique", v.TotalUniqueVisitors).
		Int64("views", v.TotalPageViews).
		Msg("visit tracked")
	return v, nil
}

// Stats returns the current counters without recording anything.
func (s *Service) Stats(ctx context.Context) (store.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	snap, err := s.store.ReadSnapshot(ctx)
	if err == nil {
		err = snap.Validate()
	}
	if err != nil {
		s.fail("stats", err)
		return store.Snapshot{}, err
	}
	metrics.SnapshotReads.Inc()
	return snap, nil
}

// SetShuttingDown marks the service as draining.
func (s *Service) SetShuttingDown() {
	s.shuttingDown.Store(true)
}

// Live reports ErrShuttingDown once the service is draining.
func (s *Service) Live() error {
	if s.shuttingDown.Load() {
		return ErrShuttingDown
	}
	return nil
}

// Ready reports whether the service can answer requests. After an
// invariant violation it stays unready until restarted.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.Live(); err != nil {
		return err
	}
	s.mu.RLock()
	broken := s.broken
	s.mu.RUnlock()
	if broken != nil {
		return broken
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.Ping(ctx)
}

func (s *Service) fail(op string, err error) {
	if errors.Is(err, store.ErrInvariantViolation) {
		s.mu.Lock()
		if s.broken == nil {
			s.broken = err
		}
		s.mu.Unlock()
		metrics.Failures.WithLabelValues(metrics.FailureInvariant).Inc()
		log.Error().Err(err).Str("op", op).Msg("store returned inconsistent counters; check store atomicity")
	} else {
		metrics.Failures.WithLabelValues(metrics.FailureStore).Inc()
		log.Error().Err(err).Str("op", op).Msg("store operation failed")
	}
	sentry.CaptureException(err)
}

func (s *Service) normalizePage(page string) string {
	page = strings.TrimSpace(strings.ToValidUTF8(page, "\uFFFD"))
	if page == "" {
		return s.fallbackPage
	}
	return truncate(page, maxPageLen)
}

func (s *Service) enqueue(ev store.VisitEvent) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
		// Drop if buffer full to keep tracking fast
		metrics.VisitLogDropped.Inc()
	}
}

// RunVisitLogger writes queued visit events until ctx is done, then flushes
// what is already buffered.
func (s *Service) RunVisitLogger(ctx context.Context) {
	if s.events == nil {
		return
	}
	for {
		select {
		case ev := <-s.events:
			s.writeVisit(ctx, ev)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
			defer cancel()
			for {
				select {
				case ev := <-s.events:
					s.writeVisit(flushCtx, ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) writeVisit(ctx context.Context, ev store.VisitEvent) {
	if err := s.visitLog.InsertVisit(ctx, ev); err != nil {
		metrics.Failures.WithLabelValues(metrics.FailureVisitLog).Inc()
		log.Error().Err(err).Str("page", ev.Page).Msg("insert visit")
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
