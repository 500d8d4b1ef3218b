package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nerd/internal/config"
	"nerd/internal/labeler"
	"nerd/internal/locale"
	"nerd/internal/metrics"
	"nerd/internal/model"
	"nerd/internal/monitor"
	"nerd/internal/pipeline"
	"nerd/internal/ratelimit"
	"nerd/internal/service"
)

var ict = time.FixedZone("ICT", 7*3600)

func newService() *service.Service {
	lab := labeler.NewStatic().
		Add("Hà Nội", "LOC", 0.9).
		Add("ngày mai", "DATE", 0.95).
		Add("15h mỗi tuần vào thứ sáu", "TIME", 0.9)
	p := pipeline.New(pipeline.Options{Locale: locale.Vietnamese, Location: ict})
	return service.New(lab, p, service.Options{Locale: locale.Vietnamese})
}

type fakeLimiter struct {
	mu      sync.Mutex
	callers []string
	allow   bool
}

func (f *fakeLimiter) Admit(_ context.Context, caller string) ratelimit.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callers = append(f.callers, caller)
	if f.allow {
		return ratelimit.Decision{Allowed: true, Limit: 15, Remaining: 14}
	}
	return ratelimit.Decision{Allowed: false, Limit: 15, RetryAfter: 1500 * time.Millisecond}
}

type fixedHealth monitor.Status

func (f fixedHealth) Status() monitor.Status { return monitor.Status(f) }

func do(t *testing.T, h http.Handler, method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestExtract(t *testing.T) {
	h := NewServer(newService(), Options{}).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/ner/extract", `{"text":"Gặp ở Hà Nội ngày mai"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	var resp extractResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entities, 2)

	loc := resp.Entities[0]
	assert.Equal(t, "Hà Nội", loc.Text)
	assert.Equal(t, "LOC", loc.Type)
	assert.Equal(t, 2, loc.StartPos)
	assert.Equal(t, 3, loc.EndPos)
	assert.Empty(t, loc.NormalizedTime)
	assert.Nil(t, loc.Timestamp)

	date := resp.Entities[1]
	assert.NotEmpty(t, date.NormalizedTime)
	require.NotNil(t, date.Timestamp)
	parsed, err := time.Parse(time.RFC3339, date.NormalizedTime)
	require.NoError(t, err)
	assert.Equal(t, parsed.Unix(), *date.Timestamp)
	assert.True(t, strings.HasSuffix(date.NormalizedTime, "+07:00"))
	assert.GreaterOrEqual(t, resp.ProcessingTime, 0.0)
}

func TestExtractRecurrenceShape(t *testing.T) {
	h := NewServer(newService(), Options{}).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/ner/extract", `{"text":"15h mỗi tuần vào thứ sáu"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string][]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	require.Len(t, raw["entities"], 1)
	recur, ok := raw["entities"][0]["recurrence"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	assert.Equal(t, "weekly", recur["type"])
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=FR", recur["rrule"])
	assert.Len(t, recur["next_occurrences"], 5)
}

func TestBadRequests(t *testing.T) {
	h := NewServer(newService(), Options{}).Handler()

	tests := []struct {
		path string
		body string
	}{
		{"/api/v1/ner/extract", `{"text":""}`},
		{"/api/v1/ner/extract", `{"text":`},
		{"/api/v1/ner/batch", `{"texts":[]}`},
		{"/api/v1/ner/batch", `{"texts":["ok","  "]}`},
		{"/api/v1/ner/ics", `{}`},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodPost, tt.path, tt.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%s %s", tt.path, tt.body)
		assert.Contains(t, rec.Body.String(), `"error"`)
	}

	rec := do(t, h, http.MethodGet, "/api/v1/ner/extract", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBatch(t *testing.T) {
	h := NewServer(newService(), Options{}).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/ner/batch", `{"texts":["Hà Nội","không có gì","ngày mai"],"batch_size":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "LOC", resp.Results[0].Entities[0].Type)
	assert.NotNil(t, resp.Results[1].Entities)
	assert.Empty(t, resp.Results[1].Entities)
	assert.Equal(t, "DATE", resp.Results[2].Entities[0].Type)
}

func TestICS(t *testing.T) {
	h := NewServer(newService(), Options{}).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/ner/ics", `{"text":"15h mỗi tuần vào thứ sáu ở Hà Nội"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/calendar; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("X-Event-Count"))
	assert.Contains(t, rec.Body.String(), "RRULE:FREQ=WEEKLY;BYDAY=FR")
}

func TestHealth(t *testing.T) {
	checked := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewServer(newService(), Options{
		Health:    fixedHealth{Store: monitor.StoreDown, CheckedAt: checked},
		BasicAuth: config.BasicAuthConfig{Username: "admin", Password: "pw"},
	}).Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code, "health needs no auth")

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, healthResponse{Status: "ok", Store: monitor.StoreDown, CheckedAt: "2024-01-01T00:00:00Z"}, resp)

	rec = do(t, NewServer(newService(), Options{}).Handler(), http.MethodGet, "/health", "")
	assert.Contains(t, rec.Body.String(), `"store":"unknown"`)
}

func TestBasicAuth(t *testing.T) {
	h := NewServer(newService(), Options{BasicAuth: config.BasicAuthConfig{Username: "admin", Password: "pw"}}).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/ner/extract", `{"text":"Hà Nội"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = do(t, h, http.MethodPost, "/api/v1/ner/extract", `{"text":"Hà Nội"}`, func(r *http.Request) { r.SetBasicAuth("admin", "nope") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/ner/extract", `{"text":"Hà Nội"}`, func(r *http.Request) { r.SetBasicAuth("admin", "pw") })
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	lim := &fakeLimiter{allow: false}
	h := NewServer(newService(), Options{Limiter: lim}).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/ner/extract", `{"text":"Hà Nội"}`, func(r *http.Request) {
		r.Header.Set("X-API-Key", "k1")
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "15", rec.Header().Get("X-RateLimit-Limit"))

	// Health is never limited.
	rec = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	lim.allow = true
	rec = do(t, h, http.MethodPost, "/api/v1/ner/extract", `{"text":"Hà Nội"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "14", rec.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, []string{"ip:192.0.2.1", "ip:192.0.2.1"}, lim.callers)
}

func TestCallerIdentity(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/ner/extract", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "ip:10.0.0.7", callerIdentity(r))

	r.Header.Set("X-API-Key", "abc")
	r.SetBasicAuth("alice", "pw")
	assert.Equal(t, "ip:10.0.0.7", callerIdentity(r), "unverified credentials are ignored")

	r = r.WithContext(context.WithValue(r.Context(), userKey{}, "alice"))
	assert.Equal(t, "user:alice", callerIdentity(r))
}

func newRedisLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return ratelimit.New(client, ratelimit.Options{RequestsPerWindow: 10, BurstFactor: 1.5, Window: time.Minute})
}

func TestRotatingHeadersShareOneWindow(t *testing.T) {
	h := NewServer(newService(), Options{Limiter: newRedisLimiter(t)}).Handler()

	admitted := 0
	for i := 0; i < 40; i++ {
		rec := do(t, h, http.MethodPost, "/api/v1/ner/extract", `{"text":"Hà Nội"}`, func(r *http.Request) {
			r.Header.Set("X-API-Key", "key-"+strconv.Itoa(i))
			r.SetBasicAuth("user-"+strconv.Itoa(i), "x")
		})
		if rec.Code == http.StatusOK {
			admitted++
		}
	}
	assert.Equal(t, 15, admitted)
}

func TestVerifiedUsersHaveOwnWindows(t *testing.T) {
	h := NewServer(newService(), Options{
		Limiter:   newRedisLimiter(t),
		BasicAuth: config.BasicAuthConfig{Username: "admin", Password: "pw"},
	}).Handler()

	admitted := 0
	for i := 0; i < 20; i++ {
		rec := do(t, h, http.MethodPost, "/api/v1/ner/extract", `{"text":"Hà Nội"}`, func(r *http.Request) {
			r.SetBasicAuth("admin", "pw")
			r.RemoteAddr = "10.0.0." + strconv.Itoa(i) + ":1234"
		})
		if rec.Code == http.StatusOK {
			admitted++
		}
	}
	assert.Equal(t, 15, admitted, "the verified user is limited across addresses")
}

func TestRedisRateLimitEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	lim := ratelimit.New(client, ratelimit.Options{RequestsPerWindow: 10, BurstFactor: 1.5, Window: time.Minute, Metrics: m})
	h := NewServer(newService(), Options{Limiter: lim, Metrics: m}).Handler()

	for i := 1; i <= 15; i++ {
		rec := do(t, h, http.MethodPost, "/api/v1/ner/extract", `{"text":"Hà Nội"}`)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
	rec := do(t, h, http.MethodPost, "/api/v1/ner/extract", `{"text":"Hà Nội"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ner_rate_limited_total 1")
	assert.Contains(t, rec.Body.String(), `ner_requests_total{method="extract",status="ok"} 15`)
}

func TestServeDrainsInFlightRequests(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	var once sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	lab := labeler.Func(func(context.Context, string) ([]model.Token, error) {
		once.Do(func() { close(entered) })
		<-release
		return []model.Token{{Text: "Huế", Label: "B-LOC", Confidence: 0.9}}, nil
	})
	svc := service.New(lab, pipeline.New(pipeline.Options{Location: ict}), service.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- NewServer(svc, Options{}).Serve(ctx, addr) }()

	var resp *http.Response
	reqDone := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i < 100; i++ {
			resp, err = http.Post("http://"+addr+"/api/v1/ner/extract", "application/json", strings.NewReader(`{"text":"Huế"}`))
			if err == nil {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		reqDone <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the labeler")
	}
	cancel()

	select {
	case <-done:
		t.Fatal("Serve returned while a request was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-reqDone)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the request finished")
	}
}
