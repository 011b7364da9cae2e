/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

package gate

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/snapfeed/gatekit/internal/admission"
	"github.com/snapfeed/gatekit/testutil"
)

func mustNewGate(t *testing.T, cfg *Config, opts Opts) *Gate {
	t.Helper()
	g, err := New(cfg, opts)
	require.NoError(t, err)
	return g
}

func getJSON(t *testing.T, handler http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, target, nil))
	return resp
}

func TestGateQueuesAndRejectsOverLimit(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Concurrency.Limit = 1
	cfg.Concurrency.QueueLimit = 1
	cfg.Concurrency.ResponseRetryAfter = TimeDuration(time.Second * 2)

	mc := NewMetricsCollector("")
	g := mustNewGate(t, cfg, Opts{MetricsCollector: mc})
	g.Start()
	defer g.Stop()

	entered := make(chan struct{}, 10)
	release := make(chan struct{})
	handler := g.Middleware()(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		rw.WriteHeader(http.StatusOK)
	}))

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		getJSON(t, handler, "/photos")
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("first request was not served within 1s")
	}

	queuedResp := httptest.NewRecorder()
	queuedDone := make(chan struct{})
	go func() {
		defer close(queuedDone)
		handler.ServeHTTP(queuedResp, httptest.NewRequest(http.MethodGet, "/photos", nil))
	}()
	require.Eventually(t, func() bool {
		statuses := g.Status()
		return len(statuses) == 1 && statuses[0].QueueLen == 1
	}, time.Second, time.Millisecond*5)

	// The slot is busy and the queue is full, the third request is rejected.
	overflowResp := getJSON(t, handler, "/photos")
	testutil.RequireErrorInRecorder(t, overflowResp, http.StatusTooManyRequests, "queueFull")
	require.Equal(t, "2", overflowResp.Header().Get("Retry-After"))
	require.Equal(t, float64(1), promtestutil.ToFloat64(
		mc.Rejects.WithLabelValues(RejectReasonQueueFull, metricsValNo)))

	close(release)
	<-firstDone
	select {
	case <-queuedDone:
	case <-time.After(time.Second):
		t.Fatal("queued request was not served after the slot was freed")
	}
	require.Equal(t, http.StatusOK, queuedResp.Code)
	testutil.RequireSamplesCountInHistogram(t, mc.QueueWaitTime, 1)
}

func TestGateRateLimitFallsThroughToQueue(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.RateLimit.Rate = RateValue{Count: 1, Duration: time.Minute}
	cfg.RateLimit.QueueOnExceeded = true

	var served atomic.Int32
	g := mustNewGate(t, cfg, Opts{})
	handler := g.Middleware()(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		served.Inc()
		rw.WriteHeader(http.StatusOK)
	}))

	// Both GET requests are served: the second one breaches the rate limit
	// but falls through to the admission controller, which has free slots.
	require.Equal(t, http.StatusOK, getJSON(t, handler, "/photos").Code)
	require.Equal(t, http.StatusOK, getJSON(t, handler, "/photos").Code)
	require.EqualValues(t, 2, served.Load())

	// A breached POST fails fast.
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/photos", nil))
	testutil.RequireErrorInRecorder(t, resp, http.StatusTooManyRequests, "tooManyRequests")
	require.EqualValues(t, 2, served.Load())
}

func TestGateRateLimitRejects(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.RateLimit.Rate = RateValue{Count: 1, Duration: time.Minute}
	cfg.RateLimit.ResponseRetryAfter = RetryAfterValue{Duration: time.Second * 30}

	g := mustNewGate(t, cfg, Opts{})
	handler := g.Middleware()(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}))

	require.Equal(t, http.StatusOK, getJSON(t, handler, "/photos").Code)
	resp := getJSON(t, handler, "/photos")
	testutil.RequireErrorInRecorder(t, resp, http.StatusTooManyRequests, "tooManyRequests")
	require.Equal(t, "30", resp.Header().Get("Retry-After"))
}

func TestGateRoutes(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.RateLimit.Rate = RateValue{Count: 1, Duration: time.Minute}
	cfg.Routes = []string{"/api/v1/photos*"}
	cfg.ExcludedRoutes = []string{"/api/v1/photos/upload-status"}

	g := mustNewGate(t, cfg, Opts{})
	handler := g.Middleware()(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}))

	// Exhaust the rate limit on a protected route.
	require.Equal(t, http.StatusOK, getJSON(t, handler, "/api/v1/photos").Code)
	require.Equal(t, http.StatusTooManyRequests, getJSON(t, handler, "/api/v1/photos").Code)

	// Unmatched and excluded routes bypass the gate.
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, getJSON(t, handler, "/api/v1/albums").Code)
		require.Equal(t, http.StatusOK, getJSON(t, handler, "/api/v1/photos/upload-status").Code)
	}
}

func TestGateDryRun(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.RateLimit.Rate = RateValue{Count: 1, Duration: time.Minute}
	cfg.DryRun = true

	mc := NewMetricsCollector("")
	g := mustNewGate(t, cfg, Opts{MetricsCollector: mc})
	handler := g.Middleware()(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}))

	// Breaches are only counted, nothing is rejected or queued.
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, getJSON(t, handler, "/photos").Code)
	}
	require.Equal(t, float64(4), promtestutil.ToFloat64(
		mc.Rejects.WithLabelValues(RejectReasonRateLimit, metricsValYes)))
	require.Empty(t, g.Status())
}

func TestGatePerClientIsolation(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.RateLimit.Rate = RateValue{Count: 1, Duration: time.Minute}

	g := mustNewGate(t, cfg, Opts{
		GetKey: func(r *http.Request) (string, bool, error) {
			return r.Header.Get("X-Client-ID"), false, nil
		},
	})
	handler := g.Middleware()(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}))

	doReq := func(clientID string) int {
		req := httptest.NewRequest(http.MethodPost, "/photos", nil)
		req.Header.Set("X-Client-ID", clientID)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		return resp.Code
	}

	require.Equal(t, http.StatusOK, doReq("alice"))
	require.Equal(t, http.StatusTooManyRequests, doReq("alice"))
	require.Equal(t, http.StatusOK, doReq("bob"))
}

func TestGateResponseCache(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ResponseCache.Enabled = true

	var served atomic.Int32
	g := mustNewGate(t, cfg, Opts{})
	handler := g.Middleware()(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		served.Inc()
		_, _ = rw.Write([]byte(`{"photos":[]}`))
	}))

	for i := 0; i < 3; i++ {
		resp := getJSON(t, handler, "/photos?album=1")
		require.Equal(t, http.StatusOK, resp.Code)
		require.Equal(t, `{"photos":[]}`, resp.Body.String())
	}
	require.EqualValues(t, 1, served.Load())
}

func TestGateStatusHandler(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Concurrency.Limit = 1
	cfg.Concurrency.QueueLimit = 1

	g := mustNewGate(t, cfg, Opts{})
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	handler := g.Middleware()(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		getJSON(t, handler, "/photos")
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("request was not served within 1s")
	}

	resp := getJSON(t, g.StatusHandler(), "/gate-status")
	require.Equal(t, http.StatusOK, resp.Code)
	var statuses []admission.ClientStatus
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	require.Equal(t, 1, statuses[0].ActiveCount)
	require.Equal(t, 0, statuses[0].QueueLen)

	close(release)
	<-done
}

func TestGateStartStop(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Concurrency.Limit = 1
	cfg.Concurrency.QueueLimit = 1
	cfg.Concurrency.QueueTimeout = TimeDuration(time.Millisecond * 50)
	cfg.Concurrency.DrainInterval = TimeDuration(time.Millisecond * 20)

	g := mustNewGate(t, cfg, Opts{})
	g.Start()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	handler := g.Middleware()(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		getJSON(t, handler, "/photos")
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("request was not served within 1s")
	}

	// The maintenance loop must time the queued request out on its own.
	queuedResp := httptest.NewRecorder()
	handler.ServeHTTP(queuedResp, httptest.NewRequest(http.MethodGet, "/photos", nil))
	testutil.RequireErrorInRecorder(t, queuedResp, http.StatusTooManyRequests, "queueTimeout")

	close(release)
	<-done
	g.Stop()
	g.Stop() // Stop is idempotent.
}
