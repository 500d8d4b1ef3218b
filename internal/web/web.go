// Package web serves the extraction API over HTTP/JSON.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"nerd/internal/config"
	"nerd/internal/ics"
	appLog "nerd/internal/log"
	"nerd/internal/metrics"
	"nerd/internal/model"
	"nerd/internal/monitor"
	"nerd/internal/ratelimit"
	"nerd/internal/service"
)

// maxBodyBytes caps request bodies; batch requests are the largest.
const maxBodyBytes = 4 << 20

// Limiter admits or rejects one request from a caller.
type Limiter interface {
	Admit(ctx context.Context, caller string) ratelimit.Decision
}

// HealthSource reports the last backing store check.
type HealthSource interface {
	Status() monitor.Status
}

// Options wires optional collaborators into the server. Nil members are
// skipped.
type Options struct {
	BasicAuth config.BasicAuthConfig
	Limiter   Limiter
	Health    HealthSource
	Metrics   *metrics.Metrics
}

// Server exposes the extraction API over HTTP/JSON.
type Server struct {
	svc  *service.Service
	opts Options
	mux  *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(svc *service.Service, opts Options) *Server {
	s := &Server{
		svc:  svc,
		opts: opts,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the routed handler with the middleware chain applied:
// basic auth, then rate limiting.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.opts.Limiter != nil {
		h = s.rateLimitMiddleware(h)
	}
	if s.opts.BasicAuth.Enabled() {
		h = s.basicAuthMiddleware(h)
	}
	return h
}

// Serve listens on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", addr, "basic_auth", s.opts.BasicAuth.Enabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	s.mux.HandleFunc("POST /api/v1/ner/extract", s.handleExtract)
	s.mux.HandleFunc("POST /api/v1/ner/batch", s.handleBatch)
	s.mux.HandleFunc("POST /api/v1/ner/ics", s.handleICS)
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.opts.BasicAuth.Username
	password := s.opts.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="nerd", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, u)))
	})
}

// rateLimitMiddleware applies the per-caller limit to /api/ routes.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		caller := callerIdentity(r)
		d := s.opts.Limiter.Admit(r.Context(), caller)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		if !d.Allowed {
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("X-RateLimit-Remaining", "0")
			appLog.Info("rate limited", "caller", caller, "path", r.URL.Path, "retry_after", retry)
			s.opts.Metrics.ObserveRequest(methodName(r.URL.Path), "rate_limited", 0)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		next.ServeHTTP(w, r)
	})
}

// userKey carries the username verified by basicAuthMiddleware.
type userKey struct{}

// callerIdentity names the caller for rate limiting: the verified basic-auth
// user, else the remote IP. Client-supplied headers are never trusted here.
func callerIdentity(r *http.Request) string {
	if u, ok := r.Context().Value(userKey{}).(string); ok && u != "" {
		return "user:" + u
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func methodName(path string) string {
	return path[strings.LastIndexByte(path, '/')+1:]
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type healthResponse struct {
	Status    string `json:"status"`
	Store     string `json:"store"`
	CheckedAt string `json:"checked_at,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Store: monitor.StoreUnknown}
	if s.opts.Health != nil {
		st := s.opts.Health.Status()
		resp.Store = st.Store
		if !st.CheckedAt.IsZero() {
			resp.CheckedAt = st.CheckedAt.Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type extractRequest struct {
	Text string `json:"text"`
}

type extractResponse struct {
	Entities       []model.EntityDTO `json:"entities"`
	ProcessingTime float64           `json:"processing_time"`
	Cached         bool              `json:"cached"`
}

type batchRequest struct {
	Texts     []string `json:"texts"`
	BatchSize int      `json:"batch_size,omitempty"`
}

type batchResponse struct {
	Results             []extractResponse `json:"results"`
	TotalProcessingTime float64           `json:"total_processing_time"`
}

func toResponse(res service.Result) extractResponse {
	return extractResponse{
		Entities:       model.ToDTOs(res.Entities),
		ProcessingTime: res.ProcessingTime.Seconds(),
		Cached:         res.Cached,
	}
}

// handleExtract serves POST /api/v1/ner/extract {"text": "..."}.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req extractRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, "extract", start, err)
		return
	}

	res, err := s.svc.Extract(r.Context(), req.Text)
	if err != nil {
		s.fail(w, "extract", start, err)
		return
	}
	s.opts.Metrics.ObserveRequest("extract", "ok", time.Since(start))
	writeJSON(w, http.StatusOK, toResponse(res))
}

// handleBatch serves POST /api/v1/ner/batch {"texts": [...], "batch_size": n}.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, "batch", start, err)
		return
	}

	res, err := s.svc.BatchExtract(r.Context(), req.Texts, req.BatchSize)
	if err != nil {
		s.fail(w, "batch", start, err)
		return
	}

	out := batchResponse{
		Results:             make([]extractResponse, 0, len(res.Results)),
		TotalProcessingTime: res.TotalProcessingTime.Seconds(),
	}
	for _, one := range res.Results {
		out.Results = append(out.Results, toResponse(one))
	}
	s.opts.Metrics.ObserveBatch(len(req.Texts))
	s.opts.Metrics.ObserveRequest("batch", "ok", time.Since(start))
	writeJSON(w, http.StatusOK, out)
}

// handleICS serves POST /api/v1/ner/ics {"text": "..."} as text/calendar.
func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req extractRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, "ics", start, err)
		return
	}

	res, err := s.svc.Extract(r.Context(), req.Text)
	if err != nil {
		s.fail(w, "ics", start, err)
		return
	}
	body, n := ics.Export(res.Entities, ics.ExportOptions{})

	s.opts.Metrics.ObserveRequest("ics", "ok", time.Since(start))
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("X-Event-Count", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

var errBadBody = errors.New("malformed JSON body")

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Mark(errors.Wrap(err, "decode body"), errBadBody)
	}
	return nil
}

// fail maps an error to its HTTP status and records the outcome.
func (s *Server) fail(w http.ResponseWriter, method string, start time.Time, err error) {
	switch {
	case errors.Is(err, errBadBody):
		s.opts.Metrics.ObserveRequest(method, "invalid_argument", time.Since(start))
		writeError(w, http.StatusBadRequest, errBadBody.Error())
	case errors.Is(err, service.ErrInvalidArgument):
		s.opts.Metrics.ObserveRequest(method, "invalid_argument", time.Since(start))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.opts.Metrics.ObserveRequest(method, "canceled", time.Since(start))
		writeError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		appLog.Error("request failed", err, "method", method)
		s.opts.Metrics.ObserveRequest(method, "error", time.Since(start))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
