// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package slaveapi is the worker's HTTP surface: setup, subjob
// execution, teardown, kill, and state reporting, all dispatched
// through an internal/slaveexec.Executor.
package slaveapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/clusterrunner/clusterrunner/internal/artifact"
	"github.com/clusterrunner/clusterrunner/internal/slaveexec"
	"github.com/clusterrunner/clusterrunner/internal/transport"
	clustererrors "github.com/clusterrunner/clusterrunner/pkg/errors"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
)

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// WithClusterToken requires every request to carry a matching
// X-ClusterRunner-Cluster-Token header, rejecting mismatches with 400.
// An empty token (the default) disables the check.
func WithClusterToken(token string) ServerOption {
	return func(s *Server) { s.clusterToken = token }
}

// ArtifactStoreFactory opens (or creates) the artifact store for a
// build's results, rooted under the slave's own artifact directory.
type ArtifactStoreFactory func(buildID string) (*artifact.Store, error)

// Server wires one Executor to gorilla/mux routes matching
// internal/transport's wire DTOs.
type Server struct {
	executor     *slaveexec.Executor
	newStore     ArtifactStoreFactory
	logger       logging.Logger
	router       *mux.Router
	clusterToken string
}

// NewServer builds the router around executor. newStore resolves the
// artifact directory for a build's subjob executions.
func NewServer(executor *slaveexec.Executor, newStore ArtifactStoreFactory, logger logging.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	s := &Server{executor: executor, newStore: newStore, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRouter() {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.authMiddleware)

	r.HandleFunc("/v1/executor/setup", s.handleSetup).Methods(http.MethodPost)
	r.HandleFunc("/v1/executor/subjob", s.handleSubjob).Methods(http.MethodPost)
	r.HandleFunc("/v1/executor/teardown", s.handleTeardown).Methods(http.MethodPost)
	r.HandleFunc("/v1/executor/kill", s.handleKill).Methods(http.MethodPost)
	r.HandleFunc("/v1/executor/state", s.handleState).Methods(http.MethodGet)

	s.router = r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("slave http request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// authMiddleware rejects requests that don't carry the configured
// cluster token, keeping a slave from acting on behalf of an unrelated
// master sharing the network. A no-op when no token is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.clusterToken != "" && r.Header.Get("X-ClusterRunner-Cluster-Token") != s.clusterToken {
			writeError(w, clustererrors.New(clustererrors.ErrorCodeBadRequest, "missing or invalid cluster token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req transport.SetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "invalid setup request body", err))
		return
	}
	if err := s.executor.StartSetup(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.executor.State())})
}

func (s *Server) handleSubjob(w http.ResponseWriter, r *http.Request) {
	var req transport.SubjobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "invalid subjob request body", err))
		return
	}

	store, err := s.newStore(req.BuildID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.executor.StartSubjobExecution(r.Context(), req, store); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.executor.State())})
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	var req transport.TeardownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "invalid teardown request body", err))
		return
	}
	if err := s.executor.TeardownBuild(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.executor.State())})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req transport.KillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "invalid kill request body", err))
		return
	}
	s.executor.KillRunningJob(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.executor.State())})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.executor.State())})
}
