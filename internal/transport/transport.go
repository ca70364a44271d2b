// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the narrow interface a Slave handle calls
// through to reach its remote worker, the wire DTOs both the master and
// the slave HTTP surfaces share, and an HTTP implementation backed by the
// teacher's retry/pool/middleware stack.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/clusterrunner/clusterrunner/pkg/auth"
	clusterctx "github.com/clusterrunner/clusterrunner/pkg/context"
	clustererrors "github.com/clusterrunner/clusterrunner/pkg/errors"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
	"github.com/clusterrunner/clusterrunner/pkg/middleware"
	"github.com/clusterrunner/clusterrunner/pkg/pool"
	"github.com/clusterrunner/clusterrunner/pkg/retry"
)

// SlaveTransport is the interface a Slave (master-side handle) calls
// through to reach its remote worker. Production code backs it with an
// HTTP client; tests substitute an in-memory stub.
type SlaveTransport interface {
	StartSetup(ctx context.Context, req SetupRequest) error
	StartSubjobExecution(ctx context.Context, req SubjobRequest) error
	TeardownBuild(ctx context.Context, buildID string) error
	KillRunningJob(ctx context.Context, buildID string) error
}

// SetupRequest is the wire body for POST /v1/executor/setup. The slave
// holds on to TeardownCommands for the rest of the build: the later
// teardown call carries only the build id, not the commands again.
type SetupRequest struct {
	BuildID          string   `json:"build_id"`
	SetupCommands    []string `json:"setup_commands"`
	TeardownCommands []string `json:"teardown_commands"`
	ProjectDir       string   `json:"project_dir"`
	MasterURL        string   `json:"master_url"`
}

// SubjobRequest is the wire body for POST /v1/executor/subjob.
type SubjobRequest struct {
	BuildID  string              `json:"build_id"`
	SubjobID int                 `json:"subjob_id"`
	Commands []string            `json:"commands"`
	Atoms    []SubjobRequestAtom `json:"atoms"`
}

// SubjobRequestAtom is one atom's environment binding carried in a
// SubjobRequest.
type SubjobRequestAtom struct {
	AtomIndex int               `json:"atom_index"`
	Env       map[string]string `json:"env"`
}

// TeardownRequest is the wire body for POST /v1/executor/teardown.
type TeardownRequest struct {
	BuildID string `json:"build_id"`
}

// KillRequest is the wire body for POST /v1/executor/kill.
type KillRequest struct {
	BuildID string `json:"build_id"`
}

// HTTPSlaveTransport is the production SlaveTransport, one per Slave,
// talking to the slave's executor HTTP surface.
type HTTPSlaveTransport struct {
	baseURL string
	pool    *pool.HTTPClientPool
	policy  retry.Policy
	logger  logging.Logger
	auth    auth.Provider
}

// Option configures an HTTPSlaveTransport at construction time.
type Option func(*HTTPSlaveTransport)

// WithAuth attaches an auth.Provider whose Authenticate is applied to
// every outbound request, e.g. a shared cluster token distinguishing
// this master's slaves from another cluster's sharing the network.
func WithAuth(provider auth.Provider) Option {
	return func(t *HTTPSlaveTransport) { t.auth = provider }
}

// WithRetryPolicy overrides the default exponential backoff policy,
// e.g. one built from pkg/config's operator-tunable retry settings.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(t *HTTPSlaveTransport) { t.policy = policy }
}

// NewHTTPSlaveTransport creates a transport that calls baseURL (the
// slave's externally-reachable address) through pool, retrying transient
// failures with policy.
func NewHTTPSlaveTransport(baseURL string, clientPool *pool.HTTPClientPool, logger logging.Logger, opts ...Option) *HTTPSlaveTransport {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	t := &HTTPSlaveTransport{
		baseURL: baseURL,
		pool:    clientPool,
		policy:  retry.NewHTTPExponentialBackoff().WithMaxRetries(3),
		logger:  logger,
		auth:    auth.NewNoAuth(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTPSlaveTransport) StartSetup(ctx context.Context, req SetupRequest) error {
	return t.post(ctx, "/v1/executor/setup", req)
}

func (t *HTTPSlaveTransport) StartSubjobExecution(ctx context.Context, req SubjobRequest) error {
	return t.post(ctx, "/v1/executor/subjob", req)
}

func (t *HTTPSlaveTransport) TeardownBuild(ctx context.Context, buildID string) error {
	return t.post(ctx, "/v1/executor/teardown", TeardownRequest{BuildID: buildID})
}

func (t *HTTPSlaveTransport) KillRunningJob(ctx context.Context, buildID string) error {
	return t.post(ctx, "/v1/executor/kill", KillRequest{BuildID: buildID})
}

// post issues an HTTP POST with body marshaled as JSON, retrying per
// t.policy and classifying the final error through pkg/errors.
func (t *HTTPSlaveTransport) post(ctx context.Context, path string, body interface{}) error {
	ctx, cancel := clusterctx.EnsureTimeout(ctx, clusterctx.DefaultTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "failed to encode request", err)
	}

	client := t.pool.GetClient(t.baseURL)
	chain := middleware.Chain(
		middleware.WithTimeout(30*time.Second),
		middleware.WithLogging(t.logger),
	)
	client = &http.Client{Transport: chain(client.Transport)}

	url := t.baseURL + path

	var lastErr error
	for attempt := 0; ; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "failed to build request", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if err := t.auth.Authenticate(ctx, httpReq); err != nil {
			return clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "failed to authenticate request", err)
		}

		resp, err := client.Do(httpReq)
		if !t.policy.ShouldRetry(ctx, resp, err, attempt) {
			if err != nil {
				return clustererrors.WrapTransportError(err, "slave call to %s failed", path)
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return clustererrors.RemoteExecutionError(
					fmt.Errorf("slave responded %d", resp.StatusCode),
					"slave call to %s failed", path)
			}
			return nil
		}

		if resp != nil {
			resp.Body.Close()
		}
		lastErr = err
		if lastErr == nil {
			lastErr = fmt.Errorf("slave responded %d", resp.StatusCode)
		}
		t.logger.Debug("retrying slave call", "path", path, "attempt", attempt, "error", lastErr)

		select {
		case <-ctx.Done():
			return clustererrors.TransientIOError(ctx.Err(), "slave call to %s canceled", path)
		case <-time.After(t.policy.WaitTime(attempt)):
		}
	}
}
