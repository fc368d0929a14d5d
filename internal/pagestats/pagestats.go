// Package pagestats estimates unique visitors per page with HyperLogLog.
//
// Estimates are local to one process and approximate (~1% error). They are
// exported as metrics only and never replace the counters in the store.
package pagestats

import (
	"sort"
	"sync"

	"github.com/axiomhq/hyperloglog"
)

// OtherPage collects pages beyond the tracker's page limit.
const OtherPage = "other"

// Tracker keeps one sketch per page, up to a fixed number of pages.
type Tracker struct {
	mu       sync.Mutex
	sketches map[string]*hyperloglog.Sketch
	maxPages int
}

// New creates a tracker for at most maxPages distinct pages; later pages are
// folded into OtherPage.
func New(maxPages int) *Tracker {
	if maxPages <= 0 {
		maxPages = 100
	}
	return &Tracker{
		sketches: make(map[string]*hyperloglog.Sketch),
		maxPages: maxPages,
	}
}

// Add records hash as a visitor of page and returns the page label used.
func (t *Tracker) Add(page, hash string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	sk, ok := t.sketches[page]
	if !ok {
		if len(t.sketches) >= t.maxPages {
			page = OtherPage
			sk = t.sketches[page]
		}
		if sk == nil {
			sk = hyperloglog.New()
			t.sketches[page] = sk
		}
	}
	sk.Insert([]byte(hash))
	return page
}

// Estimate returns the approximate unique visitors of page.
func (t *Tracker) Estimate(page string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	sk, ok := t.sketches[page]
	if !ok {
		return 0
	}
	return sk.Estimate()
}

// Pages returns the tracked page labels in sorted order.
func (t *Tracker) Pages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	pages := make([]string, 0, len(t.sketches))
	for p := range t.sketches {
		pages = append(pages, p)
	}
	sort.Strings(pages)
	return pages
}
