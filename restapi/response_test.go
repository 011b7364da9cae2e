/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

package restapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snapfeed/gatekit/log"
)

func TestRespondJSON(t *testing.T) {
	t.Run("marshaling without html escaping", func(t *testing.T) {
		resp := httptest.NewRecorder()
		RespondJSON(resp, map[string]string{"url": "https://example.com/photos?a=1&b=2"}, log.NewDisabledLogger())
		require.Equal(t, http.StatusOK, resp.Code)
		require.Equal(t, ContentTypeAppJSON, resp.Header().Get("Content-Type"))
		require.JSONEq(t, `{"url":"https://example.com/photos?a=1&b=2"}`, resp.Body.String())
	})

	t.Run("nil data writes only the status code", func(t *testing.T) {
		resp := httptest.NewRecorder()
		RespondCodeAndJSON(resp, http.StatusNoContent, nil, log.NewDisabledLogger())
		require.Equal(t, http.StatusNoContent, resp.Code)
		require.Empty(t, resp.Body.String())
	})

	t.Run("already set content type is kept", func(t *testing.T) {
		resp := httptest.NewRecorder()
		resp.Header().Set("Content-Type", "application/problem+json")
		RespondCodeAndJSON(resp, http.StatusOK, map[string]string{}, log.NewDisabledLogger())
		require.Equal(t, "application/problem+json", resp.Header().Get("Content-Type"))
	})
}

func TestRespondError(t *testing.T) {
	resp := httptest.NewRecorder()
	RespondError(resp, http.StatusTooManyRequests,
		NewError(ErrCodeTooManyRequests, ErrMessageTooManyRequests), log.NewDisabledLogger())
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.Equal(t, ContentTypeAppJSON, resp.Header().Get("Content-Type"))
	require.JSONEq(t, `{"code":"tooManyRequests","message":"Too many requests."}`, resp.Body.String())
}

func TestRespondInternalError(t *testing.T) {
	resp := httptest.NewRecorder()
	RespondInternalError(resp, log.NewDisabledLogger())
	require.Equal(t, http.StatusInternalServerError, resp.Code)
	require.JSONEq(t, `{"code":"internalError","message":"Internal error."}`, resp.Body.String())
}
