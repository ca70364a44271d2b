// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterrunner/clusterrunner/internal/atomizer"
	"github.com/clusterrunner/clusterrunner/internal/build"
	"github.com/clusterrunner/clusterrunner/internal/jobconfig"
	"github.com/clusterrunner/clusterrunner/internal/projecttype"
	"github.com/clusterrunner/clusterrunner/internal/slave"
	"github.com/clusterrunner/clusterrunner/internal/transport"
	clustererrors "github.com/clusterrunner/clusterrunner/pkg/errors"
)

type noopProjectType struct{ cfg *jobconfig.JobConfig }

func (p *noopProjectType) FetchProject(ctx context.Context) error { return nil }
func (p *noopProjectType) ExecuteCommandInProject(ctx context.Context, command, cwd string) (string, int, error) {
	return "", 0, nil
}
func (p *noopProjectType) JobConfig(jobName string) (*jobconfig.JobConfig, error) { return p.cfg, nil }
func (p *noopProjectType) TimingFilePath(jobName string) string                   { return "" }
func (p *noopProjectType) SlaveParamOverrides() map[string]string                 { return nil }
func (p *noopProjectType) ProjectDir() string                                     { return "" }

type noopTransport struct{}

func (noopTransport) StartSetup(ctx context.Context, req transport.SetupRequest) error { return nil }
func (noopTransport) StartSubjobExecution(ctx context.Context, req transport.SubjobRequest) error {
	return nil
}
func (noopTransport) TeardownBuild(ctx context.Context, buildID string) error  { return nil }
func (noopTransport) KillRunningJob(ctx context.Context, buildID string) error { return nil }

func newTestMaster(t *testing.T) *ClusterMaster {
	t.Helper()
	cfg := Config{
		ArtifactRoot: t.TempDir(),
		ResolveProject: func(req build.Request) (projecttype.ProjectType, error) {
			return &noopProjectType{cfg: jobconfig.New("default", nil, []string{"true"}, nil,
				[]atomizer.Spec{{VariableName: "TOKEN", GeneratorCommand: "echo only-value"}}, 0, 0)}, nil
		},
		NewTransport: func(url string) transport.SlaveTransport { return noopTransport{} },
	}
	return New(cfg)
}

// S7/invariant 6 — get_slave argument validation.
func TestClusterMaster_GetSlave_ArgumentValidation(t *testing.T) {
	m := newTestMaster(t)
	id := m.ConnectNewSlave("http://slave1", 1)

	_, err := m.GetSlave(nil, nil)
	assert.Equal(t, clustererrors.ErrorCodeBadRequest, clustererrors.Code(err))

	urlArg := "http://slave1"
	_, err = m.GetSlave(&id, &urlArg)
	assert.Equal(t, clustererrors.ErrorCodeBadRequest, clustererrors.Code(err))

	unknownID := 9999
	_, err = m.GetSlave(&unknownID, nil)
	assert.Equal(t, clustererrors.ErrorCodeItemNotFound, clustererrors.Code(err))

	s, err := m.GetSlave(&id, nil)
	require.NoError(t, err)
	assert.Equal(t, id, s.ID())

	s, err = m.GetSlave(nil, &urlArg)
	require.NoError(t, err)
	assert.Equal(t, id, s.ID())
}

// S6 — unknown slave state on update.
func TestClusterMaster_HandleSlaveStateUpdate_UnknownState(t *testing.T) {
	m := newTestMaster(t)
	m.ConnectNewSlave("http://slave1", 1)
	id := 1
	s, err := m.GetSlave(&id, nil)
	require.NoError(t, err)

	err = m.HandleSlaveStateUpdate(s, "NONEXISTENT_STATE")
	assert.Equal(t, clustererrors.ErrorCodeBadRequest, clustererrors.Code(err))
}

// S5 — disconnection marks a slave dead, permanently.
func TestClusterMaster_HandleSlaveStateUpdate_DisconnectMarksDead(t *testing.T) {
	m := newTestMaster(t)
	m.ConnectNewSlave("http://slave1", 1)
	id := 1
	s, err := m.GetSlave(&id, nil)
	require.NoError(t, err)

	require.NoError(t, m.HandleSlaveStateUpdate(s, slave.ExecutorDisconnected))
	assert.False(t, s.IsAlive())
}

// S9 — queue_build returns immediately; preparation and scheduling happen
// asynchronously, observed here by polling the build's state until it
// reaches BUILDING rather than blocking on Prepare directly.
func TestClusterMaster_QueueBuild_AsyncPreparation(t *testing.T) {
	m := newTestMaster(t)

	id, err := m.QueueBuild(build.Request{"type": "directory", "job_name": "default"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	deadline := time.Now().Add(2 * time.Second)
	var b *build.Build
	for time.Now().Before(deadline) {
		b, err = m.GetBuild(id)
		require.NoError(t, err)
		if b.State() == build.StateBuilding {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, build.StateBuilding, b.State())
	assert.True(t, b.NeedsMoreSlaves())
}

// S4 — a build finishes only once every allocated slave reports idle.
func TestClusterMaster_Finish_OnlyAfterAllSlavesIdle(t *testing.T) {
	m := newTestMaster(t)

	idA := m.ConnectNewSlave("http://slaveA", 1)
	idC := m.ConnectNewSlave("http://slaveC", 1)
	m.ConnectNewSlave("http://slaveB", 1) // unrelated, never allocated

	b := build.New("build-1", build.Request{"type": "directory", "job_name": "default"})
	cfg := jobconfig.New("default", nil, []string{"true"}, nil,
		[]atomizer.Spec{{VariableName: "TOKEN", GeneratorCommand: "true"}}, 0, 0)
	require.NoError(t, b.Prepare(context.Background(), &noopProjectType{cfg: cfg}, stubGenRunner{}, t.TempDir()))
	require.NoError(t, b.StartBuilding())
	m.mu.Lock()
	m.buildsByID[b.ID()] = b
	m.mu.Unlock()

	sA, err := m.GetSlave(&idA, nil)
	require.NoError(t, err)
	sC, err := m.GetSlave(&idC, nil)
	require.NoError(t, err)

	require.NoError(t, b.AllocateSlave(context.Background(), sA))
	require.NoError(t, b.AllocateSlave(context.Background(), sC))
	sA.SetCurrentBuildID(b.ID())
	sC.SetCurrentBuildID(b.ID())

	dispatched, err := b.ExecuteNextSubjobOnSlave(context.Background(), sA)
	require.NoError(t, err)
	require.True(t, dispatched)
	_, err = b.MarkSubjobComplete(0)
	require.NoError(t, err)
	require.Equal(t, build.StateMarkedForCompletion, b.State())

	require.NoError(t, m.HandleSlaveStateUpdate(sA, slave.ExecutorIdle))
	assert.NotEqual(t, build.StateFinished, b.State(), "slave C is still allocated")

	require.NoError(t, m.HandleSlaveStateUpdate(sC, slave.ExecutorIdle))
	assert.Equal(t, build.StateFinished, b.State())
}

// stubGenRunner returns a single atom value regardless of the generator
// command, for tests that only need one subjob to exist.
type stubGenRunner struct{}

func (stubGenRunner) Run(ctx context.Context, command, workspaceDir string) (string, error) {
	return "only-value\n", nil
}
