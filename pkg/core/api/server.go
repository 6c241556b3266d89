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

// Package api provides the HTTP API server for ESPWatch.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/espwatch/espwatch/pkg/core"
	espHttp "github.com/espwatch/espwatch/pkg/http"
	"github.com/espwatch/espwatch/pkg/logger"
	"github.com/espwatch/espwatch/pkg/models"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultIdleTimeout  = 60 * time.Second

	deviceCertHeader = "X-Device-Cert"
)

// APIServer exposes the ingestion and viewer HTTP surface.
type APIServer struct {
	router     *mux.Router
	core       *core.Server
	fanout     *Fanout
	corsConfig models.CORSConfig
	logger     logger.Logger
	httpServer *http.Server
}

// NewAPIServer assembles the server and its routes.
func NewAPIServer(corsConfig models.CORSConfig, options ...func(*APIServer)) *APIServer {
	s := &APIServer{
		router:     mux.NewRouter(),
		corsConfig: corsConfig,
	}

	for _, o := range options {
		o(s)
	}

	if s.logger == nil {
		s.logger = logger.NewTestLogger()
	}

	s.setupRoutes()

	return s
}

// WithCore attaches the ingestion service.
func WithCore(c *core.Server) func(*APIServer) {
	return func(server *APIServer) {
		server.core = c
	}
}

// WithFanout attaches the realtime hub.
func WithFanout(f *Fanout) func(*APIServer) {
	return func(server *APIServer) {
		server.fanout = f
	}
}

// WithLogger attaches the server logger.
func WithLogger(log logger.Logger) func(*APIServer) {
	return func(server *APIServer) {
		server.logger = log
	}
}

// Router exposes the handler tree, for tests and embedding.
func (s *APIServer) Router() *mux.Router {
	return s.router
}

func (s *APIServer) setupRoutes() {
	s.router.Use(func(next http.Handler) http.Handler {
		return espHttp.CommonMiddleware(next, s.corsConfig, s.logger)
	})

	s.router.HandleFunc("/events/ingest", s.handleIngest).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions/register", s.handleRegister).Methods(http.MethodPost)

	apiRouter := s.router.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	apiRouter.HandleFunc("/sessions/{id}/events", s.handleSessionEvents).Methods(http.MethodGet)
	apiRouter.HandleFunc("/sessions/{id}/rules", s.handleSessionRules).Methods(http.MethodGet)
	apiRouter.HandleFunc("/sessions/{id}/apps", s.handleSessionApps).Methods(http.MethodGet)
	apiRouter.HandleFunc("/config", s.handleAgentConfig).Methods(http.MethodGet)
	apiRouter.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	apiRouter.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
}

// Start runs the HTTP server until Stop or listener failure.
func (s *APIServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	s.logger.Info().Str("addr", addr).Msg("API server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *APIServer) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	return s.httpServer.Shutdown(ctx)
}

// handleIngest accepts an event batch: preferred gzip NDJSON, or the legacy
// JSON body capped at 1 MB.
func (s *APIServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	var (
		req *models.IngestRequest
		err error
	)

	deviceCert := r.Header.Get(deviceCertHeader)

	if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
		// The tenant id lives in the stream header, so authorization runs
		// from the header callback: one decompressed line in, before any
		// event is decoded or buffered.
		req, err = core.DecodeCompressedBatch(r.Body,
			func(tenantID string) int64 {
				return s.core.MaxDecompressedBytes(r.Context(), tenantID)
			},
			func(header *models.BatchHeader) error {
				return s.core.AuthorizeDevice(r.Context(), header.TenantID, deviceCert)
			})
	} else {
		req, err = core.DecodeLegacyBatch(http.MaxBytesReader(w, r.Body, core.LegacyMaxBodyBytes))
		if err == nil {
			err = s.core.AuthorizeDevice(r.Context(), req.TenantID, deviceCert)
		}
	}

	if err != nil {
		if isAuthError(err) {
			s.writeAuthError(w, err)
		} else {
			s.writeBatchError(w, err)
		}

		return
	}

	resp, err := s.core.ProcessBatch(r.Context(), req)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("Batch processing failed")
		writeError(w, "Failed to process batch", http.StatusInternalServerError)

		return
	}

	s.encodeJSONResponse(w, resp)
}

func (s *APIServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegistrationRequest

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, core.LegacyMaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, "Malformed registration request", http.StatusBadRequest)
		return
	}

	if authErr := s.core.AuthorizeDevice(r.Context(), req.TenantID, r.Header.Get(deviceCertHeader)); authErr != nil {
		s.writeAuthError(w, authErr)
		return
	}

	resp, err := s.core.RegisterSession(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrMissingIDs):
			writeError(w, "Session and tenant ids are required", http.StatusBadRequest)
		case errors.Is(err, core.ErrHardwareNotAllowed):
			writeError(w, "Device hardware is not allowed for this tenant", http.StatusForbidden)
		default:
			s.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("Registration failed")
			writeError(w, "Failed to register session", http.StatusInternalServerError)
		}

		return
	}

	s.encodeJSONResponse(w, resp)
}

func (s *APIServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		writeError(w, "tenantId query parameter is required", http.StatusBadRequest)
		return
	}

	sessions, err := s.core.ListSessions(r.Context(), tenantID)
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to list sessions")
		writeError(w, "Failed to list sessions", http.StatusInternalServerError)

		return
	}

	if sessions == nil {
		sessions = []models.SessionSummary{}
	}

	s.encodeJSONResponse(w, sessions)
}

func (s *APIServer) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, sessionID, ok := s.sessionScope(w, r)
	if !ok {
		return
	}

	events, err := s.core.GetSessionEvents(r.Context(), tenantID, sessionID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to load session events")
		writeError(w, "Failed to load session events", http.StatusInternalServerError)

		return
	}

	if events == nil {
		events = []models.EnrollmentEvent{}
	}

	s.encodeJSONResponse(w, events)
}

func (s *APIServer) handleSessionRules(w http.ResponseWriter, r *http.Request) {
	tenantID, sessionID, ok := s.sessionScope(w, r)
	if !ok {
		return
	}

	results, err := s.core.ListRuleResults(r.Context(), tenantID, sessionID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to load rule results")
		writeError(w, "Failed to load rule results", http.StatusInternalServerError)

		return
	}

	if results == nil {
		results = []models.RuleResult{}
	}

	s.encodeJSONResponse(w, results)
}

func (s *APIServer) handleSessionApps(w http.ResponseWriter, r *http.Request) {
	tenantID, sessionID, ok := s.sessionScope(w, r)
	if !ok {
		return
	}

	summaries, err := s.core.ListAppInstallSummaries(r.Context(), tenantID, sessionID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to load app summaries")
		writeError(w, "Failed to load app summaries", http.StatusInternalServerError)

		return
	}

	if summaries == nil {
		summaries = []models.AppInstallSummary{}
	}

	s.encodeJSONResponse(w, summaries)
}

func (s *APIServer) handleAgentConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		writeError(w, "tenantId query parameter is required", http.StatusBadRequest)
		return
	}

	s.encodeJSONResponse(w, s.core.AgentConfig(r.Context(), tenantID))
}

func (s *APIServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.encodeJSONResponse(w, s.core.Stats())
}

// handleWebSocket upgrades a viewer connection and serves its subscription
// pumps. The viewer's tenant comes from the authenticated request scope;
// everything it can join is keyed under that tenant.
func (s *APIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.fanout == nil {
		writeError(w, "Realtime streaming is not enabled", http.StatusNotImplemented)
		return
	}

	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		writeError(w, "tenantId query parameter is required", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return allowedWebSocketOrigin(s.corsConfig, r.Header.Get("Origin"))
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade to WebSocket")
		return
	}

	s.logger.Debug().
		Str("remote_addr", r.RemoteAddr).
		Str("tenant_id", tenantID).
		Msg("WebSocket connection established")

	client := &wsClient{
		conn:     conn,
		tenantID: tenantID,
		send:     make(chan []byte, clientSendDepth),
	}

	s.fanout.serve(client)
}

func allowedWebSocketOrigin(cors models.CORSConfig, origin string) bool {
	if origin == "" || len(cors.AllowedOrigins) == 0 {
		return true
	}

	for _, allowed := range cors.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}

	return false
}

func (s *APIServer) sessionScope(w http.ResponseWriter, r *http.Request) (tenantID, sessionID string, ok bool) {
	tenantID = r.URL.Query().Get("tenantId")
	sessionID = mux.Vars(r)["id"]

	if tenantID == "" || sessionID == "" {
		writeError(w, "tenantId query parameter and session id are required", http.StatusBadRequest)
		return "", "", false
	}

	return tenantID, sessionID, true
}

// writeBatchError maps a decode failure onto the transport-error taxonomy:
// the whole batch is rejected, nothing persisted.
func (s *APIServer) writeBatchError(w http.ResponseWriter, err error) {
	s.core.RecordBatchRejected()

	switch {
	case errors.Is(err, core.ErrBatchTooLarge):
		writeError(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, core.ErrEmptyBatch), errors.Is(err, core.ErrMissingIDs):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		writeError(w, "Malformed batch payload", http.StatusBadRequest)
	}
}

func isAuthError(err error) bool {
	return errors.Is(err, core.ErrUnauthorized) ||
		errors.Is(err, core.ErrRateLimited) ||
		errors.Is(err, core.ErrCircuitOpen)
}

// writeAuthError maps authorization failures. A tripped circuit breaker
// carries retry=false so the device stops resubmitting.
func (s *APIServer) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrCircuitOpen):
		noRetry := false
		writeErrorResponse(w, models.ErrorResponse{
			Message: "Too many authorization failures, stop retrying",
			Status:  http.StatusForbidden,
			Retry:   &noRetry,
		})
	case errors.Is(err, core.ErrRateLimited):
		writeError(w, "Rate limit exceeded", http.StatusTooManyRequests)
	default:
		writeError(w, "Device certificate required", http.StatusUnauthorized)
	}
}

func (s *APIServer) encodeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeErrorResponse(w, models.ErrorResponse{Message: message, Status: statusCode})
}

func writeErrorResponse(w http.ResponseWriter, resp models.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)

	_ = json.NewEncoder(w).Encode(resp)
}
