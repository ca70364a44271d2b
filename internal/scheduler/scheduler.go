// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package scheduler implements the ClusterMaster: the registries of
// slaves and builds, the prepared-build queue, and the single dispatch
// loop that binds idle slaves to schedulable builds.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"github.com/clusterrunner/clusterrunner/internal/build"
	"github.com/clusterrunner/clusterrunner/internal/projecttype"
	"github.com/clusterrunner/clusterrunner/internal/slave"
	"github.com/clusterrunner/clusterrunner/internal/transport"
	clustererrors "github.com/clusterrunner/clusterrunner/pkg/errors"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
	"github.com/clusterrunner/clusterrunner/pkg/streaming"
)

// urlCaser case-folds slave URLs before indexing, so http://Host:1234 and
// http://host:1234 resolve to the same registry entry.
var urlCaser = cases.Fold()

func normalizeSlaveURL(url string) string {
	return urlCaser.String(url)
}

// ProjectTypeResolver materializes a ProjectType capability for a build
// request; the concrete resolution (directory vs git, which remote, ...)
// lives outside the scheduler.
type ProjectTypeResolver func(req build.Request) (projecttype.ProjectType, error)

// TransportFactory creates the remote-execution handle for a newly
// connected slave.
type TransportFactory func(url string) transport.SlaveTransport

// Config bundles the scheduler's collaborators.
type Config struct {
	ArtifactRoot    string
	ResolveProject  ProjectTypeResolver
	NewTransport    TransportFactory
	Logger          logging.Logger
}

// ClusterMaster owns the slave and build registries and the single
// dispatch loop that binds them.
type ClusterMaster struct {
	cfg Config

	mu               sync.Mutex
	cond             *sync.Cond
	slavesByID       map[int]*slave.Slave
	slavesByURL      map[string]*slave.Slave
	buildsByID       map[string]*build.Build
	preparedQueue    []*build.Build
	nextSlaveID      int
	nextBuildID      int
	stopped          bool
}

// New creates a ClusterMaster; call Run in a goroutine to start its
// dispatch loop and Stop to shut it down.
func New(cfg Config) *ClusterMaster {
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	m := &ClusterMaster{
		cfg:         cfg,
		slavesByID:  make(map[int]*slave.Slave),
		slavesByURL: make(map[string]*slave.Slave),
		buildsByID:  make(map[string]*build.Build),
		nextSlaveID: 1,
		nextBuildID: 1,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// QueueBuild assigns a build id, creates the Build, registers it, and
// schedules asynchronous preparation. It returns the id immediately;
// preparation failures move the Build to ERRORED without surfacing here.
func (m *ClusterMaster) QueueBuild(req build.Request) (string, error) {
	if err := build.ValidateRequest(req); err != nil {
		return "", err
	}

	m.mu.Lock()
	id := fmt.Sprintf("build-%d", m.nextBuildID)
	m.nextBuildID++
	b := build.New(id, req)
	m.buildsByID[id] = b
	m.mu.Unlock()

	go m.prepareAndEnqueue(b, req)

	return id, nil
}

func (m *ClusterMaster) prepareAndEnqueue(b *build.Build, req build.Request) {
	pt, err := m.cfg.ResolveProject(req)
	if err != nil {
		m.cfg.Logger.Error("failed to resolve project type", "build_id", b.ID(), "error", err)
		return
	}

	ctx := context.Background()
	if err := b.Prepare(ctx, pt, nil, m.cfg.ArtifactRoot); err != nil {
		m.cfg.Logger.Error("failed to prepare build", "build_id", b.ID(), "error", err)
		return
	}
	if err := b.StartBuilding(); err != nil {
		m.cfg.Logger.Error("failed to start building", "build_id", b.ID(), "error", err)
		return
	}

	m.mu.Lock()
	m.preparedQueue = append(m.preparedQueue, b)
	m.mu.Unlock()
	m.cond.Signal()
}

// ConnectNewSlave registers a new slave and wakes the dispatch loop.
func (m *ClusterMaster) ConnectNewSlave(url string, numExecutors int) int {
	m.mu.Lock()
	id := m.nextSlaveID
	m.nextSlaveID++
	s := slave.New(id, url, numExecutors, m.cfg.NewTransport(url))
	m.slavesByID[id] = s
	m.slavesByURL[normalizeSlaveURL(url)] = s
	m.mu.Unlock()

	m.cond.Signal()
	return id
}

// GetSlave looks up a slave by exactly one of id or url.
func (m *ClusterMaster) GetSlave(id *int, url *string) (*slave.Slave, error) {
	if (id == nil) == (url == nil) {
		return nil, clustererrors.BadRequest("get_slave requires exactly one of slave_id or slave_url")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id != nil {
		s, ok := m.slavesByID[*id]
		if !ok {
			return nil, clustererrors.ItemNotFound("unknown slave id %d", *id)
		}
		return s, nil
	}
	s, ok := m.slavesByURL[normalizeSlaveURL(*url)]
	if !ok {
		return nil, clustererrors.ItemNotFound("unknown slave url %q", *url)
	}
	return s, nil
}

// GetBuild looks up a build by id.
func (m *ClusterMaster) GetBuild(id string) (*build.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buildsByID[id]
	if !ok {
		return nil, clustererrors.ItemNotFound("unknown build id %q", id)
	}
	return b, nil
}

// WatchBuild implements streaming.BuildEventSource by polling a build's
// snapshot and emitting one event per observed change, closing the
// channel once the build reaches a terminal state or ctx is canceled.
// The master has no internal pub/sub of its own; this is deliberately
// the simplest thing that satisfies the interface the teacher's
// dashboards already speak over SSE/WebSocket.
func (m *ClusterMaster) WatchBuild(ctx context.Context, buildID string) (<-chan streaming.BuildEvent, error) {
	b, err := m.GetBuild(buildID)
	if err != nil {
		return nil, err
	}

	events := make(chan streaming.BuildEvent, 8)
	go func() {
		defer close(events)
		var last build.State
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

		for {
			snapshot := b.Snapshot()
			if snapshot.State != last {
				last = snapshot.State
				select {
				case events <- streaming.BuildEvent{
					Type:      "state_change",
					BuildID:   buildID,
					Data:      snapshot,
					Timestamp: time.Now(),
				}:
				case <-ctx.Done():
					return
				}
			}
			if snapshot.State.Terminal() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return events, nil
}

// HandleRequestToUpdateBuild applies an externally-requested state
// change to a build; currently only cancellation is supported.
func (m *ClusterMaster) HandleRequestToUpdateBuild(buildID string, params map[string]string) error {
	b, err := m.GetBuild(buildID)
	if err != nil {
		return err
	}
	if params["status"] != "canceled" {
		return clustererrors.BadRequest("unsupported build update %v", params)
	}
	b.Cancel()
	m.cond.Signal()
	return nil
}

// HandleSlaveStateUpdate reacts to a worker-reported executor state
// transition.
func (m *ClusterMaster) HandleSlaveStateUpdate(s *slave.Slave, newState slave.ExecutorState) error {
	switch newState {
	case slave.ExecutorIdle:
		return m.handleSlaveIdle(s)
	case slave.ExecutorSetupCompleted:
		s.SetState(slave.ExecutorSetupCompleted)
		buildID := s.CurrentBuildID()
		b, err := m.GetBuild(buildID)
		if err != nil {
			return err
		}
		err = b.BeginSubjobExecutionsOnSlave(context.Background(), s)
		m.cond.Signal()
		return err
	case slave.ExecutorDisconnected:
		m.handleSlaveGone(s)
		return nil
	case slave.ExecutorShutdown:
		m.handleSlaveGone(s)
		return nil
	default:
		return clustererrors.BadRequest("unknown slave state %q", newState)
	}
}

func (m *ClusterMaster) handleSlaveIdle(s *slave.Slave) error {
	buildID := s.CurrentBuildID()
	s.SetCurrentBuildID("")
	s.SetState(slave.ExecutorIdle)

	if buildID == "" {
		m.cond.Signal()
		return nil
	}

	b, err := m.GetBuild(buildID)
	if err != nil {
		return err
	}
	b.ReleaseSlave(s.ID())

	if b.State() == build.StateMarkedForCompletion && b.AllocatedSlaveCount() == 0 {
		if err := b.Finish(); err != nil {
			return err
		}
	}
	m.cond.Signal()
	return nil
}

func (m *ClusterMaster) handleSlaveGone(s *slave.Slave) {
	s.MarkDead()
	buildID := s.CurrentBuildID()
	if buildID == "" {
		return
	}
	b, err := m.GetBuild(buildID)
	if err != nil {
		return
	}
	b.DisconnectSlave(s.ID())

	if b.State() == build.StateMarkedForCompletion && b.AllocatedSlaveCount() == 0 {
		b.Finish()
	}
	m.cond.Signal()
}

// HandleResultReportedFromSlave ingests one subjob's reported payload.
// A no-op if the owning build has been canceled.
func (m *ClusterMaster) HandleResultReportedFromSlave(s *slave.Slave, buildID string, subjobID int, payload []byte) error {
	b, err := m.GetBuild(buildID)
	if err != nil {
		return err
	}
	if b.IsCanceled() {
		return nil
	}

	if err := b.HandleSubjobPayload(subjobID, bytes.NewReader(payload)); err != nil {
		return err
	}
	if _, err := b.MarkSubjobComplete(subjobID); err != nil {
		return err
	}

	dispatched, err := b.ExecuteNextSubjobOnSlave(context.Background(), s)
	if err != nil {
		return err
	}
	if !dispatched {
		if _, err := b.FinishSlaveIfDone(context.Background(), s); err != nil {
			m.cond.Signal()
			return err
		}
	}

	if b.State() == build.StateMarkedForCompletion && b.AllocatedSlaveCount() == 0 {
		if err := b.Finish(); err != nil {
			return err
		}
	}
	m.cond.Signal()
	return nil
}

// Run drives the dispatch loop until Stop is called: repeatedly finds
// the oldest schedulable build that needs slaves, finds an idle slave,
// and allocates one to the other, parking on cond when either is empty.
func (m *ClusterMaster) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		m.Stop()
	}()

	for {
		m.mu.Lock()
		for {
			if m.stopped {
				m.mu.Unlock()
				return
			}
			b := m.nextSchedulableBuildLocked()
			s := m.nextIdleSlaveLocked()
			if b != nil && s != nil {
				m.mu.Unlock()
				if err := b.AllocateSlave(ctx, s); err != nil {
					m.cfg.Logger.Error("failed to allocate slave", "build_id", b.ID(), "slave_id", s.ID(), "error", err)
				}
				break
			}
			m.cond.Wait()
		}
	}
}

// Stop ends the dispatch loop; a subsequent Run call has no effect.
func (m *ClusterMaster) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

// nextSchedulableBuildLocked returns the oldest build in the prepared
// queue that still wants a slave; the queue itself is FIFO by insertion.
func (m *ClusterMaster) nextSchedulableBuildLocked() *build.Build {
	for _, b := range m.preparedQueue {
		if b.NeedsMoreSlaves() {
			return b
		}
	}
	return nil
}

func (m *ClusterMaster) nextIdleSlaveLocked() *slave.Slave {
	for _, s := range m.slavesByID {
		if s.IsAlive() && s.CurrentBuildID() == "" {
			return s
		}
	}
	return nil
}
