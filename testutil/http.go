/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

// Package testutil provides helpers for testing HTTP handlers and middlewares.
package testutil

import (
	"encoding/json"
	"net/http/httptest"

	"github.com/stretchr/testify/require"
)

const contentTypeAppJSON = "application/json"

type errorRespData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type tHelper interface {
	Helper()
}

// RequireErrorInRecorder asserts that the passed httptest.ResponseRecorder contains
// an error with the wanted HTTP status code and error code in the JSON body.
func RequireErrorInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrCode string) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, wantHTTPCode, resp.Code)
	require.Contains(t, resp.Header().Get("Content-Type"), contentTypeAppJSON)
	var respData errorRespData
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &respData))
	require.Equal(t, wantErrCode, respData.Code)
	require.NotEmpty(t, respData.Message)
}
