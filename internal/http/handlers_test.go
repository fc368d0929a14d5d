package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roniherschmann/go-visitors/internal/config"
	"github.com/roniherschmann/go-visitors/internal/core"
	"github.com/roniherschmann/go-visitors/internal/store"
)

type countResp struct {
	TotalUniqueVisitors int64  `json:"total_unique_visitors"`
	TotalPageViews      int64  `json:"total_page_views"`
	LastUpdated         string `json:"last_updated"`
	IsNewVisitor        *bool  `json:"is_new_visitor"`
}

func setupRouter(t *testing.T, cfg config.Config) (http.Handler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	svc := core.NewService(mem, core.Options{FallbackPage: "home"})
	return NewRouter(cfg, svc), mem
}

func do(t *testing.T, h http.Handler, method, path, body, ip, ua string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = ip + ":5555"
	req.Header.Set("User-Agent", ua)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeCount(t *testing.T, rec *httptest.ResponseRecorder) countResp {
	t.Helper()
	var resp countResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestTrackAndCount_Scenario(t *testing.T) {
	h, _ := setupRouter(t, config.Config{})

	rec := do(t, h, http.MethodGet, "/visitor-count", "", "1.2.3.4", "A")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	resp := decodeCount(t, rec)
	assert.Equal(t, int64(0), resp.TotalUniqueVisitors)
	assert.Equal(t, int64(0), resp.TotalPageViews)
	assert.Nil(t, resp.IsNewVisitor)

	steps := []struct {
		ip, ua       string
		unique, view int64
		isNew        bool
	}{
		{"1.2.3.4", "A", 1, 1, true},
		{"1.2.3.4", "A", 1, 2, false},
		{"5.6.7.8", "A", 2, 3, true},
	}
	for _, s := range steps {
		rec := do(t, h, http.MethodPost, "/track-visit", `{"page":"/","timestamp":"2024-01-01T00:00:00Z"}`, s.ip, s.ua)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeCount(t, rec)
		assert.Equal(t, s.unique, resp.TotalUniqueVisitors)
		assert.Equal(t, s.view, resp.TotalPageViews)
		require.NotNil(t, resp.IsNewVisitor)
		assert.Equal(t, s.isNew, *resp.IsNewVisitor)
		assert.NotEmpty(t, resp.LastUpdated)
	}

	resp = decodeCount(t, do(t, h, http.MethodGet, "/", "", "9.9.9.9", "B"))
	assert.Equal(t, int64(2), resp.TotalUniqueVisitors)
	assert.Equal(t, int64(3), resp.TotalPageViews)
}

func TestTrack_RootAlias(t *testing.T) {
	h, mem := setupRouter(t, config.Config{})

	rec := do(t, h, http.MethodPost, "/", "", "1.2.3.4", "A")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, mem.LedgerSize())
}

func TestCount_ReadIdempotent(t *testing.T) {
	h, _ := setupRouter(t, config.Config{})
	do(t, h, http.MethodPost, "/track-visit", "", "1.2.3.4", "A")

	first := decodeCount(t, do(t, h, http.MethodGet, "/visitor-count", "", "1.2.3.4", "A"))
	for i := 0; i < 5; i++ {
		next := decodeCount(t, do(t, h, http.MethodGet, "/visitor-count", "", "1.2.3.4", "A"))
		assert.Equal(t, first, next)
	}
}

func TestTrack_ConcurrentSameVisitor(t *testing.T) {
	h, _ := setupRouter(t, config.Config{})

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := do(t, h, http.MethodPost, "/track-visit", `{"page":"/"}`, "7.7.7.7", "same")
			assert.Equal(t, http.StatusOK, rec.Code)
		}()
	}
	wg.Wait()

	resp := decodeCount(t, do(t, h, http.MethodGet, "/visitor-count", "", "1.1.1.1", "x"))
	assert.Equal(t, int64(1), resp.TotalUniqueVisitors)
	assert.Equal(t, int64(n), resp.TotalPageViews)
}

func TestTrack_MalformedBodyStillCounts(t *testing.T) {
	h, mem := setupRouter(t, config.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, body := range []string{"{not json", `{"page": 42}`, ""} {
		rec := do(t, h, http.MethodPost, "/track-visit", body, "1.2.3.4", "A")
		assert.Equal(t, http.StatusOK, rec.Code, "body %q", body)
	}

	snap, err := mem.ReadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.TotalPageViews)
	assert.Equal(t, int64(1), snap.TotalUniqueVisitors)
}

func TestTrack_ForwardedForIdentifiesVisitor(t *testing.T) {
	h, mem := setupRouter(t, config.Config{})

	for _, proxy := range []string{"10.0.0.1", "10.0.0.2"} {
		req := httptest.NewRequest(http.MethodPost, "/track-visit", nil)
		req.RemoteAddr = proxy + ":80"
		req.Header.Set("X-Forwarded-For", "203.0.113.9, "+proxy)
		req.Header.Set("User-Agent", "A")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 1, mem.LedgerSize())
}

func TestCORS(t *testing.T) {
	h, mem := setupRouter(t, config.Config{})

	for _, path := range []string{"/track-visit", "/visitor-count", "/anything"} {
		rec := do(t, h, http.MethodOptions, path, "", "1.2.3.4", "A")
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Body.String())
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "authorization, x-client-info, apikey, content-type", rec.Header().Get("Access-Control-Allow-Headers"))
		assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	}
	// Preflight never records a visit.
	assert.Equal(t, 0, mem.LedgerSize())

	rec := do(t, h, http.MethodGet, "/visitor-count", "", "1.2.3.4", "A")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestInvalidEndpoint(t *testing.T) {
	h, mem := setupRouter(t, config.Config{})

	tests := []struct{ method, path string }{
		{http.MethodGet, "/nope"},
		{http.MethodPost, "/visitor-count"},
		{http.MethodGet, "/track-visit"},
		{http.MethodDelete, "/"},
		{http.MethodPut, "/track-visit"},
	}
	for _, tt := range tests {
		rec := do(t, h, tt.method, tt.path, "", "1.2.3.4", "A")
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tt.method, tt.path)
		assert.JSONEq(t, `{"error":"Invalid endpoint. Use GET /visitor-count or POST /track-visit"}`, rec.Body.String())
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	}
	assert.Equal(t, 0, mem.LedgerSize())
}

func TestTrack_StoreFailure(t *testing.T) {
	h, mem := setupRouter(t, config.Config{})
	mem.SetFault(func(op string) error {
		if op == "apply" {
			return store.ErrFaultInjected
		}
		return nil
	})

	rec := do(t, h, http.MethodPost, "/track-visit", "", "1.2.3.4", "A")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, store.ErrFaultInjected.Error())
	assert.Equal(t, "Failed to process visitor tracking request", resp.Details)

	mem.SetFault(nil)
	count := decodeCount(t, do(t, h, http.MethodGet, "/visitor-count", "", "1.2.3.4", "A"))
	assert.Equal(t, int64(0), count.TotalPageViews)
	assert.Equal(t, 0, mem.LedgerSize())
}

func TestTrack_RateLimit(t *testing.T) {
	h, mem := setupRouter(t, config.Config{TrackRateRPS: 0.001, TrackRateBurst: 2})

	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodPost, "/track-visit", "", "1.2.3.4", "A")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/track-visit", "", "1.2.3.4", "A")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())

	// Other clients and reads are unaffected.
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/track-visit", "", "5.6.7.8", "A").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/visitor-count", "", "1.2.3.4", "A").Code)

	snap, err := mem.ReadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.TotalPageViews)
}

func TestHealthAndReady(t *testing.T) {
	h, _ := setupRouter(t, config.Config{})

	rec := do(t, h, http.MethodGet, "/healthz", "", "1.2.3.4", "A")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/readyz", "", "1.2.3.4", "A")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())
}

func TestHealth_ShuttingDown(t *testing.T) {
	svc := core.NewService(store.NewMemory(), core.Options{})
	h := NewRouter(config.Config{}, svc)
	svc.SetShuttingDown()

	rec := do(t, h, http.MethodGet, "/healthz", "", "1.2.3.4", "A")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"shutting down"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/readyz", "", "1.2.3.4", "A")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTrack_MultiBytePageOverLimit(t *testing.T) {
	h, mem := setupRouter(t, config.Config{})

	body, err := json.Marshal(map[string]string{"page": "/" + strings.Repeat("€", 1000)})
	require.NoError(t, err)
	rec := do(t, h, http.MethodPost, "/track-visit", string(body), "1.2.3.4", "A")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decodeCount(t, rec).TotalPageViews)
	assert.Equal(t, 1, mem.LedgerSize())
}

type brokenStore struct {
	*store.Memory
}

func (brokenStore) ReadSnapshot(context.Context) (store.Snapshot, error) {
	return store.Snapshot{TotalUniqueVisitors: 2, TotalPageViews: 1}, nil
}

func TestReady_AfterInvariantViolation(t *testing.T) {
	svc := core.NewService(brokenStore{store.NewMemory()}, core.Options{})
	h := NewRouter(config.Config{}, svc)

	rec := do(t, h, http.MethodGet, "/visitor-count", "", "1.2.3.4", "A")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = do(t, h, http.MethodGet, "/readyz", "", "1.2.3.4", "A")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := setupRouter(t, config.Config{})
	do(t, h, http.MethodPost, "/track-visit", `{"page":"/blog"}`, "1.2.3.4", "A")

	rec := do(t, h, http.MethodGet, "/metrics", "", "1.2.3.4", "A")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "visitor_track_requests_total")
}
