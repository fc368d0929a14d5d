package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/roniherschmann/go-visitors/internal/config"
	"github.com/roniherschmann/go-visitors/internal/core"
	"github.com/roniherschmann/go-visitors/internal/fingerprint"
	"github.com/roniherschmann/go-visitors/internal/metrics"
)

const (
	invalidEndpointMsg = "Invalid endpoint. Use GET /visitor-count or POST /track-visit"
	failureDetails     = "Failed to process visitor tracking request"
	maxBodyBytes       = 64 << 10
)

type Router struct {
	cfg     config.Config
	svc     *core.Service
	limiter *rateLimiter
}

func NewRouter(cfg config.Config, svc *core.Service) http.Handler {
	r := chi.NewRouter()
	// Logging middleware
	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", dur).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	api := &Router{
		cfg:     cfg,
		svc:     svc,
		limiter: newRateLimiter(cfg.TrackRateRPS, cfg.TrackRateBurst),
	}

	r.MethodFunc(http.MethodGet, "/healthz", api.handleHealth)
	r.MethodFunc(http.MethodGet, "/readyz", api.handleReady)

	// Metrics
	r.MethodFunc(http.MethodGet, "/metrics", metrics.Handler)

	// Public endpoints
	r.Group(func(r chi.Router) {
		r.MethodFunc(http.MethodGet, "/", api.handleCount)
		r.MethodFunc(http.MethodGet, "/visitor-count", api.handleCount)
		r.MethodFunc(http.MethodPost, "/", api.handleTrack)
		r.MethodFunc(http.MethodPost, "/track-visit", api.handleTrack)
	})

	r.NotFound(handleInvalidEndpoint)
	r.MethodNotAllowed(handleInvalidEndpoint)

	return r
}

type trackReq struct {
	Page      string `json:"page"`
	Timestamp string `json:"timestamp"`
}

type errorResp struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (rt *Router) handleCount(w http.ResponseWriter, r *http.Request) {
	snap, err := rt.svc.Stats(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, snap, http.StatusOK)
}

func (rt *Router) handleTrack(w http.ResponseWriter, r *http.Request) {
	src := fingerprint.FromRequest(r)
	if !rt.limiter.Allow(fingerprint.ClientAddress(src)) {
		metrics.Failures.WithLabelValues(metrics.FailureRateLimited).Inc()
		writeJSON(w, errorResp{Error: "rate limit exceeded"}, http.StatusTooManyRequests)
		return
	}

	req := decodeTrackReq(r)
	v, err := rt.svc.Track(r.Context(), core.TrackInput{
		Source:          src,
		Page:            req.Page,
		ClientTimestamp: req.Timestamp,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, v, http.StatusOK)
}

// decodeTrackReq never fails; a missing or malformed body yields an empty
// request and the service falls back to its default page.
func decodeTrackReq(r *http.Request) trackReq {
	var req trackReq
	if r.Body == nil {
		return req
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && err != io.EOF {
		hlog.FromRequest(r).Debug().Err(err).Msg("ignoring malformed track body")
		return trackReq{}
	}
	return req
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := rt.svc.Live(); err != nil {
		writeJSON(w, errorResp{Error: err.Error()}, http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (rt *Router) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := rt.svc.Ready(r.Context()); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("not ready")
		writeJSON(w, errorResp{Error: err.Error()}, http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func handleInvalidEndpoint(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, errorResp{Error: invalidEndpointMsg}, http.StatusNotFound)
}

func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	hlog.FromRequest(r).Error().Err(err).Msg("visitor tracking failed")
	writeJSON(w, errorResp{Error: err.Error(), Details: failureDetails}, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
