/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/snapfeed/gatekit/testutil"
)

func TestRateLimit(t *testing.T) {
	t.Run("requests over the limit are rejected", func(t *testing.T) {
		var served atomic.Int32
		handler := MustRateLimit(Rate{Count: 2, Duration: time.Minute})(http.HandlerFunc(
			func(rw http.ResponseWriter, r *http.Request) {
				served.Inc()
				rw.WriteHeader(http.StatusOK)
			}))

		for i := 0; i < 2; i++ {
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/photos", nil))
			require.Equal(t, http.StatusOK, resp.Code)
		}

		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/photos", nil))
		testutil.RequireErrorInRecorder(t, resp, http.StatusTooManyRequests, RateLimitErrCode)
		require.NotEmpty(t, resp.Header().Get("Retry-After"))
		require.EqualValues(t, 2, served.Load())
	})

	t.Run("custom response status code and retry after", func(t *testing.T) {
		handler := MustRateLimitWithOpts(Rate{Count: 1, Duration: time.Minute}, RateLimitOpts{
			ResponseStatusCode: http.StatusServiceUnavailable,
			GetRetryAfter: func(r *http.Request, estimatedTime time.Duration) time.Duration {
				return time.Second * 30
			},
		})(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusOK)
		}))

		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/photos", nil))
		require.Equal(t, http.StatusOK, resp.Code)

		resp = httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/photos", nil))
		testutil.RequireErrorInRecorder(t, resp, http.StatusServiceUnavailable, RateLimitErrCode)
		require.Equal(t, "30", resp.Header().Get("Retry-After"))
	})

	t.Run("keys from custom GetKey are limited independently", func(t *testing.T) {
		handler := MustRateLimitWithOpts(Rate{Count: 1, Duration: time.Minute}, RateLimitOpts{
			GetKey: func(r *http.Request) (string, bool, error) {
				return r.Header.Get("X-Client-ID"), false, nil
			},
		})(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusOK)
		}))

		doReq := func(clientID string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodGet, "/photos", nil)
			req.Header.Set("X-Client-ID", clientID)
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, req)
			return resp
		}

		require.Equal(t, http.StatusOK, doReq("alice").Code)
		require.Equal(t, http.StatusTooManyRequests, doReq("alice").Code)
		require.Equal(t, http.StatusOK, doReq("bob").Code)
	})

	t.Run("bypass", func(t *testing.T) {
		handler := MustRateLimitWithOpts(Rate{Count: 1, Duration: time.Minute}, RateLimitOpts{
			GetKey: func(r *http.Request) (string, bool, error) { return "", true, nil },
		})(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusOK)
		}))

		for i := 0; i < 10; i++ {
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/photos", nil))
			require.Equal(t, http.StatusOK, resp.Code)
		}
	})

	t.Run("GetKey error", func(t *testing.T) {
		handler := MustRateLimitWithOpts(Rate{Count: 1, Duration: time.Minute}, RateLimitOpts{
			GetKey: func(r *http.Request) (string, bool, error) { return "", false, errors.New("malformed token") },
		})(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			t.Fatal("downstream handler should not be called")
		}))

		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/photos", nil))
		testutil.RequireErrorInRecorder(t, resp, http.StatusInternalServerError, "internalError")
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		_, err := RateLimitWithOpts(Rate{Count: 1, Duration: time.Minute}, RateLimitOpts{Alg: RateLimitAlg(42)})
		require.Error(t, err)
	})
}

func TestQueueOnRateLimitExceeded(t *testing.T) {
	var served atomic.Int32
	next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		served.Inc()
		rw.WriteHeader(http.StatusOK)
	})
	handler := MustRateLimitWithOpts(Rate{Count: 1, Duration: time.Minute}, RateLimitOpts{
		OnReject: QueueOnRateLimitExceeded(nil),
	})(next)

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/photos", nil))
	require.Equal(t, http.StatusOK, resp.Code)

	// A breached GET is forwarded downstream instead of being rejected.
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/photos", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	require.EqualValues(t, 2, served.Load())

	// A breached POST fails fast.
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/photos", nil))
	testutil.RequireErrorInRecorder(t, resp, http.StatusTooManyRequests, RateLimitErrCode)
	require.EqualValues(t, 2, served.Load())
}
