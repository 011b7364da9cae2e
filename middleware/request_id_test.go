/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	t.Run("new id is generated", func(t *testing.T) {
		var ctxRequestID string
		handler := RequestID()(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			ctxRequestID = GetRequestIDFromContext(r.Context())
		}))

		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/photos", nil))
		require.NotEmpty(t, ctxRequestID)
		require.Equal(t, ctxRequestID, resp.Header().Get("X-Request-ID"))
	})

	t.Run("id from the request header is reused", func(t *testing.T) {
		var ctxRequestID string
		handler := RequestID()(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			ctxRequestID = GetRequestIDFromContext(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/photos", nil)
		req.Header.Set("X-Request-ID", "external-id")
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		require.Equal(t, "external-id", ctxRequestID)
		require.Equal(t, "external-id", resp.Header().Get("X-Request-ID"))
	})

	t.Run("custom generator", func(t *testing.T) {
		handler := RequestIDWithOpts(RequestIDOpts{
			GenerateID: func() string { return "fixed-id" },
		})(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {}))

		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/photos", nil))
		require.Equal(t, "fixed-id", resp.Header().Get("X-Request-ID"))
	})
}

func TestGetRequestIDFromContext(t *testing.T) {
	require.Empty(t, GetRequestIDFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}
