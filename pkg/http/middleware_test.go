/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/espwatch/espwatch/pkg/logger"
	"github.com/espwatch/espwatch/pkg/models"
)

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestCommonMiddlewareDefaultsToWildcard(t *testing.T) {
	var called bool

	handler := CommonMiddleware(okHandler(&called), models.CORSConfig{}, logger.NewTestLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))

	assert.True(t, called)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Device-Cert")
}

func TestCommonMiddlewareMatchesOrigin(t *testing.T) {
	var called bool

	cors := models.CORSConfig{
		AllowedOrigins:   []string{"https://console.example.com"},
		AllowCredentials: true,
	}
	handler := CommonMiddleware(okHandler(&called), cors, logger.NewTestLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Origin", "https://Console.Example.com")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://Console.Example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCommonMiddlewareRejectsUnknownOrigin(t *testing.T) {
	var called bool

	cors := models.CORSConfig{AllowedOrigins: []string{"https://console.example.com"}}
	handler := CommonMiddleware(okHandler(&called), cors, logger.NewTestLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Origin", "https://evil.example.net")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Request still served; the browser enforces the missing header.
	assert.True(t, called)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCommonMiddlewarePreflightShortCircuits(t *testing.T) {
	var called bool

	handler := CommonMiddleware(okHandler(&called), models.CORSConfig{}, logger.NewTestLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/events/ingest", nil))

	assert.False(t, called, "preflight never reaches the handler")
	assert.Equal(t, http.StatusOK, rec.Code)
}
