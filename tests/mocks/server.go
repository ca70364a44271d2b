// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package mocks provides a mock slave HTTP server for exercising
// internal/transport.HTTPSlaveTransport's retry and error-classification
// behavior over real HTTP, without a live clusterrunner-slave process.
package mocks

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// MockSlave is an httptest-backed stand-in for a slave's executor HTTP
// surface. It records every request it receives and can be configured to
// delay or fail specific endpoints, so master-side transport tests can
// exercise retry and timeout behavior deterministically.
type MockSlave struct {
	server *httptest.Server
	router *mux.Router
	config *SlaveConfig

	mu       sync.Mutex
	requests []RecordedRequest
}

// SlaveConfig controls a MockSlave's injected latency and failures.
type SlaveConfig struct {
	// ResponseDelay is applied before every response.
	ResponseDelay time.Duration

	// ErrorResponses maps "METHOD /path" to a canned error response.
	// Endpoints not present here succeed.
	ErrorResponses map[string]ErrorResponse
}

// ErrorResponse is a canned failure a MockSlave returns for a configured
// endpoint.
type ErrorResponse struct {
	StatusCode int
	Body       interface{}
}

// RecordedRequest captures one request a MockSlave received, for
// assertions on call counts and bodies.
type RecordedRequest struct {
	Method string
	Path   string
	Body   map[string]interface{}
}

// DefaultSlaveConfig returns a MockSlave configuration with no injected
// delay or failures.
func DefaultSlaveConfig() *SlaveConfig {
	return &SlaveConfig{ErrorResponses: make(map[string]ErrorResponse)}
}

// NewMockSlave starts a MockSlave listening on a test-local address.
// Callers must call Close when done.
func NewMockSlave(config *SlaveConfig) *MockSlave {
	if config == nil {
		config = DefaultSlaveConfig()
	}
	if config.ErrorResponses == nil {
		config.ErrorResponses = make(map[string]ErrorResponse)
	}

	m := &MockSlave{config: config}
	m.setupRoutes()
	m.server = httptest.NewServer(m.router)
	return m
}

// URL returns the base URL a SlaveTransport should be pointed at.
func (m *MockSlave) URL() string {
	return m.server.URL
}

// Close shuts down the underlying httptest.Server.
func (m *MockSlave) Close() {
	m.server.Close()
}

// Requests returns a snapshot of every request recorded so far.
func (m *MockSlave) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// SetError configures endpoint ("METHOD /path") to fail with resp until
// cleared.
func (m *MockSlave) SetError(endpoint string, resp ErrorResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.ErrorResponses[endpoint] = resp
}

// ClearErrors removes every configured failure.
func (m *MockSlave) ClearErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.ErrorResponses = make(map[string]ErrorResponse)
}

func (m *MockSlave) setupRoutes() {
	r := mux.NewRouter()
	r.Use(m.loggingMiddleware)
	r.Use(m.delayMiddleware)
	r.Use(m.recordMiddleware)
	r.Use(m.errorMiddleware)

	r.HandleFunc("/v1/executor/setup", m.handleOK).Methods(http.MethodPost)
	r.HandleFunc("/v1/executor/subjob", m.handleOK).Methods(http.MethodPost)
	r.HandleFunc("/v1/executor/teardown", m.handleOK).Methods(http.MethodPost)
	r.HandleFunc("/v1/executor/kill", m.handleOK).Methods(http.MethodPost)
	r.HandleFunc("/v1/executor/state", m.handleOK).Methods(http.MethodGet)

	m.router = r
}

func (m *MockSlave) handleOK(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"state": "IDLE"})
}

func (m *MockSlave) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("mock slave: %s %s", sanitizeForLog(r.Method), sanitizeForLog(r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

func (m *MockSlave) delayMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.config.ResponseDelay > 0 {
			time.Sleep(m.config.ResponseDelay)
		}
		next.ServeHTTP(w, r)
	})
}

func (m *MockSlave) recordMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		m.mu.Lock()
		m.requests = append(m.requests, RecordedRequest{Method: r.Method, Path: r.URL.Path, Body: body})
		m.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (m *MockSlave) errorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.Method + " " + r.URL.Path

		m.mu.Lock()
		errResp, hasError := m.config.ErrorResponses[endpoint]
		m.mu.Unlock()

		if hasError {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(errResp.StatusCode)
			_ = json.NewEncoder(w).Encode(errResp.Body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sanitizeForLog strips control characters from a value before it
// reaches a log line.
func sanitizeForLog(value string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return ' '
		}
		return r
	}, value)
}
