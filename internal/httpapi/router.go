// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package httpapi is the master's HTTP surface: build submission and
// lifecycle, slave registration and state reporting, and the build
// event stream, all dispatched through the scheduler's ClusterMaster.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/clusterrunner/clusterrunner/internal/scheduler"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
	"github.com/clusterrunner/clusterrunner/pkg/metrics"
	"github.com/clusterrunner/clusterrunner/pkg/streaming"
)

// Server wires the ClusterMaster to gorilla/mux routes and serves the
// build event stream over both SSE and WebSocket.
type Server struct {
	master    *scheduler.ClusterMaster
	validator *bodyValidator
	sse       *streaming.SSEServer
	ws        *streaming.WebSocketServer
	logger    logging.Logger
	metrics   metrics.Collector
	router    *mux.Router
}

// NewServer builds the router. source feeds the /events endpoints; the
// caller is expected to implement it against the master's build
// registry (see scheduler.ClusterMaster.WatchBuild).
func NewServer(master *scheduler.ClusterMaster, source streaming.BuildEventSource, logger logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	v, err := newBodyValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		master:    master,
		validator: v,
		sse:       streaming.NewSSEServer(source),
		ws:        streaming.NewWebSocketServer(source),
		logger:    logger,
		metrics:   metrics.NewInMemoryCollector(),
	}
	s.setupRouter()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRouter() {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.validationMiddleware)

	r.HandleFunc("/v1/builds", s.handleQueueBuild).Methods(http.MethodPost)
	r.HandleFunc("/v1/builds/{id}", s.handleGetBuild).Methods(http.MethodGet)
	r.HandleFunc("/v1/builds/{id}", s.handleUpdateBuild).Methods(http.MethodPut)
	r.HandleFunc("/v1/builds/{id}/events", s.handleBuildEvents).Methods(http.MethodGet)

	r.HandleFunc("/v1/slaves", s.handleConnectSlave).Methods(http.MethodPost)
	r.HandleFunc("/v1/slaves/{id}/state", s.handleUpdateSlaveState).Methods(http.MethodPost)
	r.HandleFunc("/v1/slaves/{id}/results/{build_id}/{subjob_id}", s.handleSlaveResult).Methods(http.MethodPost)

	r.HandleFunc("/v1/metrics", s.handleMetrics).Methods(http.MethodGet)

	s.router = r
}

// metricsMiddleware records every request/response pair through
// pkg/metrics, independent of the per-handler business logic.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.RecordRequest(r.Method, r.URL.Path)
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordResponse(r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.GetStats())
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// validationMiddleware rejects bodies that do not conform to the
// embedded OpenAPI document before a handler ever decodes them.
func (s *Server) validationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.validator.Validate(r); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
