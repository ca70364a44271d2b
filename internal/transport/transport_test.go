// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package transport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterrunner/clusterrunner/internal/transport"
	"github.com/clusterrunner/clusterrunner/pkg/errors"
	"github.com/clusterrunner/clusterrunner/pkg/pool"
	"github.com/clusterrunner/clusterrunner/tests/mocks"
)

func TestHTTPSlaveTransport_StartSetup_Succeeds(t *testing.T) {
	slave := mocks.NewMockSlave(nil)
	defer slave.Close()

	clientPool := pool.NewHTTPClientPool(nil, nil)
	tr := transport.NewHTTPSlaveTransport(slave.URL(), clientPool, nil)

	err := tr.StartSetup(context.Background(), transport.SetupRequest{
		BuildID:       "build-1",
		SetupCommands: []string{"true"},
	})
	require.NoError(t, err)

	reqs := slave.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/v1/executor/setup", reqs[0].Path)
	assert.Equal(t, "build-1", reqs[0].Body["build_id"])
}

func TestHTTPSlaveTransport_NonRetryableStatus_FailsImmediately(t *testing.T) {
	slave := mocks.NewMockSlave(nil)
	defer slave.Close()
	slave.SetError("POST /v1/executor/teardown", mocks.ErrorResponse{
		StatusCode: 400,
		Body:       map[string]string{"code": "BAD_REQUEST"},
	})

	clientPool := pool.NewHTTPClientPool(nil, nil)
	tr := transport.NewHTTPSlaveTransport(slave.URL(), clientPool, nil)

	err := tr.TeardownBuild(context.Background(), "build-1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorCodeRemoteExecution, errors.Code(err))
	assert.Len(t, slave.Requests(), 1)
}

func TestHTTPSlaveTransport_RetryableStatus_RetriesThenFails(t *testing.T) {
	slave := mocks.NewMockSlave(nil)
	defer slave.Close()
	slave.SetError("POST /v1/executor/kill", mocks.ErrorResponse{
		StatusCode: 503,
		Body:       map[string]string{"code": "UNAVAILABLE"},
	})

	clientPool := pool.NewHTTPClientPool(nil, nil)
	tr := transport.NewHTTPSlaveTransport(slave.URL(), clientPool, nil)

	err := tr.KillRunningJob(context.Background(), "build-1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorCodeRemoteExecution, errors.Code(err))
	assert.Greater(t, len(slave.Requests()), 1)
}
