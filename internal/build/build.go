// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package build implements the Build aggregate: the state machine that
// takes a build request from QUEUED through atomization, slave
// allocation, subjob dispatch, result intake, and final archival.
package build

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/clusterrunner/clusterrunner/internal/artifact"
	"github.com/clusterrunner/clusterrunner/internal/atomizer"
	"github.com/clusterrunner/clusterrunner/internal/jobconfig"
	"github.com/clusterrunner/clusterrunner/internal/projecttype"
	"github.com/clusterrunner/clusterrunner/internal/slave"
	"github.com/clusterrunner/clusterrunner/internal/subjob"
	"github.com/clusterrunner/clusterrunner/internal/transport"
	clustererrors "github.com/clusterrunner/clusterrunner/pkg/errors"
)

// RetryOnce is the chosen default for the disconnected-slave re-enqueue
// policy: a subjob in flight to a slave that disconnects is returned to
// the pending queue at most once. A second disconnect while it is
// in-flight marks its atoms permanently failed instead of looping
// forever against a population of bad slaves.
const RetryOnce = 1

type atomLocation struct {
	subjobID  int
	atomIndex int
}

// Build is the aggregate root owning one build's lifecycle, its subjobs,
// and its artifact directory.
type Build struct {
	id      string
	request Request

	mu            sync.Mutex
	state         State
	jobConfig     *jobconfig.JobConfig
	store         *artifact.Store
	subjobs       []*subjob.Subjob
	subjobsByID   map[int]*subjob.Subjob
	atomLocations map[int]atomLocation

	pending    []*subjob.Subjob
	inFlight   map[int]int // subjobID -> slaveID
	retryCount map[int]int // subjobID -> times re-enqueued

	subjobsRemaining int

	allocatedSlaves      map[int]*slave.Slave
	setupCompletedSlaves map[int]bool
	inFlightBySlave      map[int]int

	canceled        bool
	failedAtomIDs   map[int]bool
	preparedAt      time.Time
	completedAt     time.Time
	lastErr         error
}

// New creates a Build in QUEUED state for the given id and request.
// The per-build artifact directory is created later, by Prepare, under
// the artifact root passed to it.
func New(id string, request Request) *Build {
	return &Build{
		id:                   id,
		request:              request,
		state:                StateQueued,
		subjobsByID:          make(map[int]*subjob.Subjob),
		atomLocations:        make(map[int]atomLocation),
		inFlight:             make(map[int]int),
		retryCount:           make(map[int]int),
		allocatedSlaves:      make(map[int]*slave.Slave),
		setupCompletedSlaves: make(map[int]bool),
		inFlightBySlave:      make(map[int]int),
		failedAtomIDs:        make(map[int]bool),
	}
}

func (b *Build) ID() string { return b.id }

func (b *Build) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Build) IsCanceled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canceled
}

func (b *Build) AllocatedSlaveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.allocatedSlaves)
}

func (b *Build) ArtifactDir() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.store == nil {
		return ""
	}
	return b.store.Dir()
}

// Prepare fetches the project, resolves its JobConfig, atomizes, and
// builds the subjob list. Preconditions: state == QUEUED.
func (b *Build) Prepare(ctx context.Context, pt projecttype.ProjectType, runner atomizer.Runner, artifactRoot string) error {
	b.mu.Lock()
	if b.state != StateQueued {
		b.mu.Unlock()
		return clustererrors.New(clustererrors.ErrorCodePreconditionFailed, "build is not QUEUED")
	}
	b.state = StatePreparing
	b.mu.Unlock()

	store, err := artifact.NewStore(filepath.Join(artifactRoot, b.id))
	if err != nil {
		return b.failPrepare(err)
	}

	if err := pt.FetchProject(ctx); err != nil {
		return b.failPrepare(err)
	}

	cfg, err := pt.JobConfig(b.request.JobName())
	if err != nil {
		return b.failPrepare(err)
	}

	atoms, err := atomizer.Atomize(ctx, runner, cfg.Atomizer, pt.ProjectDir())
	if err != nil {
		return b.failPrepare(err)
	}

	subjobs := subjob.FromAtoms(b.id, atoms, cfg.Commands)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobConfig = cfg
	b.store = store
	b.subjobs = subjobs
	b.subjobsRemaining = len(subjobs)
	b.pending = append([]*subjob.Subjob(nil), subjobs...)
	for _, sj := range subjobs {
		b.subjobsByID[sj.SubjobID] = sj
		for atomIndex, atom := range sj.Atoms {
			b.atomLocations[atom.ID] = atomLocation{subjobID: sj.SubjobID, atomIndex: atomIndex}
		}
	}
	b.preparedAt = time.Now()
	b.state = StatePrepared
	return nil
}

func (b *Build) failPrepare(cause error) error {
	b.mu.Lock()
	b.state = StateErrored
	b.lastErr = cause
	b.mu.Unlock()
	return clustererrors.WithCause(clustererrors.ErrorCodeRemoteExecution, "failed to prepare build", cause)
}

// StartBuilding transitions a PREPARED build to BUILDING, the point at
// which the scheduler begins offering it slaves.
func (b *Build) StartBuilding() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StatePrepared {
		return clustererrors.New(clustererrors.ErrorCodePreconditionFailed, "build is not PREPARED")
	}
	b.state = StateBuilding
	return nil
}

// NeedsMoreSlaves reports whether the scheduler should try to allocate
// another slave to this build.
func (b *Build) NeedsMoreSlaves() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateBuilding || b.canceled {
		return false
	}
	cap := b.jobConfig.MaxExecutors
	if b.subjobsRemaining < cap {
		cap = b.subjobsRemaining
	}
	return len(b.allocatedSlaves) < cap
}

// AllocateSlave binds slave to this build and kicks off its per-slave
// setup. Idempotent: allocating an already-allocated slave is a no-op.
func (b *Build) AllocateSlave(ctx context.Context, s *slave.Slave) error {
	b.mu.Lock()
	if _, already := b.allocatedSlaves[s.ID()]; already {
		b.mu.Unlock()
		return nil
	}
	if !s.IsAlive() || s.CurrentBuildID() != "" {
		b.mu.Unlock()
		return clustererrors.New(clustererrors.ErrorCodePreconditionFailed, "slave is not allocatable")
	}
	b.allocatedSlaves[s.ID()] = s
	setupCommands := append([]string(nil), b.jobConfig.SetupCommands...)
	teardownCommands := append([]string(nil), b.jobConfig.TeardownCommands...)
	projectDir := ""
	if b.store != nil {
		projectDir = b.store.Dir()
	}
	b.mu.Unlock()

	s.SetCurrentBuildID(b.id)

	err := s.Transport().StartSetup(ctx, transport.SetupRequest{
		BuildID:          b.id,
		SetupCommands:    setupCommands,
		TeardownCommands: teardownCommands,
		ProjectDir:       projectDir,
	})
	if err != nil {
		wrapped := clustererrors.WrapTransportError(err, "failed to start setup on slave %d", s.ID())
		if clustererrors.Code(wrapped) == clustererrors.ErrorCodeRemoteExecution {
			b.Error(wrapped)
		}
		return wrapped
	}
	return nil
}

// BeginSubjobExecutionsOnSlave is called once a slave reports
// SETUP_COMPLETED: it records the slave as ready and fills its executor
// slots with pending subjobs.
func (b *Build) BeginSubjobExecutionsOnSlave(ctx context.Context, s *slave.Slave) error {
	b.mu.Lock()
	if _, allocated := b.allocatedSlaves[s.ID()]; !allocated {
		b.mu.Unlock()
		return clustererrors.New(clustererrors.ErrorCodePreconditionFailed, "slave is not allocated to this build")
	}
	b.setupCompletedSlaves[s.ID()] = true
	maxPerSlave := b.jobConfig.MaxExecutorsPerSlave
	b.mu.Unlock()

	for {
		b.mu.Lock()
		slots := maxPerSlave - b.inFlightBySlave[s.ID()]
		b.mu.Unlock()
		if slots <= 0 {
			return nil
		}
		dispatched, err := b.ExecuteNextSubjobOnSlave(ctx, s)
		if err != nil {
			return err
		}
		if !dispatched {
			_, err := b.FinishSlaveIfDone(ctx, s)
			return err
		}
	}
}

// FinishSlaveIfDone tears down and releases slave once it has no
// in-flight atoms and no pending subjob will ever be dispatched to it
// (the queue is empty, or the build is canceled). Returns false without
// side effects if the slave still has work coming.
func (b *Build) FinishSlaveIfDone(ctx context.Context, s *slave.Slave) (bool, error) {
	b.mu.Lock()
	if _, allocated := b.allocatedSlaves[s.ID()]; !allocated {
		b.mu.Unlock()
		return false, nil
	}
	if b.inFlightBySlave[s.ID()] > 0 {
		b.mu.Unlock()
		return false, nil
	}
	if len(b.pending) > 0 && !b.canceled {
		b.mu.Unlock()
		return false, nil
	}
	b.mu.Unlock()

	if err := s.Transport().TeardownBuild(ctx, b.id); err != nil {
		wrapped := clustererrors.WrapTransportError(err, "failed to tear down build on slave %d", s.ID())
		if clustererrors.Code(wrapped) == clustererrors.ErrorCodeRemoteExecution {
			b.Error(wrapped)
		}
		return false, wrapped
	}

	b.ReleaseSlave(s.ID())
	s.SetCurrentBuildID("")
	s.SetState(slave.ExecutorIdle)
	return true, nil
}

// ExecuteNextSubjobOnSlave dequeues one pending subjob and dispatches it
// to slave. Returns false if there was nothing to dispatch.
func (b *Build) ExecuteNextSubjobOnSlave(ctx context.Context, s *slave.Slave) (bool, error) {
	b.mu.Lock()
	if b.canceled || len(b.pending) == 0 {
		b.mu.Unlock()
		return false, nil
	}
	sj := b.pending[0]
	b.pending = b.pending[1:]
	sj.InFlight = true
	sj.SlaveID = s.ID()
	b.inFlight[sj.SubjobID] = s.ID()
	b.inFlightBySlave[s.ID()]++
	b.mu.Unlock()

	req := transport.SubjobRequest{
		BuildID:  b.id,
		SubjobID: sj.SubjobID,
		Commands: sj.Commands,
	}
	for _, atom := range sj.Atoms {
		req.Atoms = append(req.Atoms, transport.SubjobRequestAtom{AtomIndex: atomIndexOf(sj, atom.ID), Env: atom.Env})
	}

	if err := s.Transport().StartSubjobExecution(ctx, req); err != nil {
		b.mu.Lock()
		delete(b.inFlight, sj.SubjobID)
		b.inFlightBySlave[s.ID()]--
		sj.InFlight = false
		b.pending = append([]*subjob.Subjob{sj}, b.pending...)
		b.mu.Unlock()
		return false, clustererrors.WrapTransportError(err, "failed to dispatch subjob %d to slave %d", sj.SubjobID, s.ID())
	}
	return true, nil
}

func atomIndexOf(sj *subjob.Subjob, atomID int) int {
	for i, atom := range sj.Atoms {
		if atom.ID == atomID {
			return i
		}
	}
	return 0
}

// HandleSubjobPayload unpacks a slave-reported tar payload for subjobID
// into the artifact directory and records any non-zero atom exit codes
// in failed_atom_ids.
func (b *Build) HandleSubjobPayload(subjobID int, payload io.Reader) error {
	b.mu.Lock()
	if b.canceled {
		b.mu.Unlock()
		return nil
	}
	sj, ok := b.subjobsByID[subjobID]
	store := b.store
	b.mu.Unlock()
	if !ok {
		return clustererrors.ItemNotFound("unknown subjob %d", subjobID)
	}

	if err := extractTar(store.Dir(), payload); err != nil {
		b.mu.Lock()
		b.state = StateErrored
		b.lastErr = err
		b.mu.Unlock()
		return clustererrors.WithCause(clustererrors.ErrorCodeRemoteExecution, "failed to unpack subjob payload", err)
	}

	for atomIndex, atom := range sj.Atoms {
		code, err := store.OpenAtomDir(subjobID, atomIndex).ReadExitCode()
		if err != nil {
			continue
		}
		if code != 0 {
			b.mu.Lock()
			b.failedAtomIDs[atom.ID] = true
			b.mu.Unlock()
		}
	}
	return nil
}

// extractTar writes every entry of a tar stream under root, rejecting
// any entry that would escape it.
func extractTar(root string, r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(root, hdr.Name)
		if !isWithinRoot(root, target) {
			return fmt.Errorf("tar entry %q escapes artifact root", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			_, copyErr := io.Copy(f, tr)
			closeErr := f.Close()
			if copyErr != nil {
				return copyErr
			}
			if closeErr != nil {
				return closeErr
			}
		}
	}
}

func isWithinRoot(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (len(rel) > 0 && rel[0] != '.' && rel != "..")
}

// MarkSubjobComplete accepts a completion report for subjobID. Returns
// true if this was the report that zeroed subjobs_remaining.
func (b *Build) MarkSubjobComplete(subjobID int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slaveID, ok := b.inFlight[subjobID]
	if !ok {
		return false, clustererrors.New(clustererrors.ErrorCodePreconditionFailed, "subjob is not in flight")
	}
	delete(b.inFlight, subjobID)
	b.inFlightBySlave[slaveID]--
	b.subjobsRemaining--

	if b.subjobsRemaining == 0 && b.state == StateBuilding {
		b.state = StateMarkedForCompletion
		b.completedAt = time.Now()
		return true, nil
	}
	return false, nil
}

// Cancel latches is_canceled. Already-dispatched subjobs continue to
// drain; their results are accepted but discarded.
func (b *Build) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canceled = true
}

// DisconnectSlave detaches slaveID from this build and re-enqueues any
// subjob it had in flight, honoring RetryOnce: a subjob disconnected a
// second time is marked permanently failed instead of requeued again.
func (b *Build) DisconnectSlave(slaveID int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.allocatedSlaves, slaveID)
	delete(b.setupCompletedSlaves, slaveID)
	delete(b.inFlightBySlave, slaveID)

	for subjobID, sid := range b.inFlight {
		if sid != slaveID {
			continue
		}
		delete(b.inFlight, subjobID)
		sj := b.subjobsByID[subjobID]

		if b.retryCount[subjobID] >= RetryOnce {
			for _, atom := range sj.Atoms {
				b.failedAtomIDs[atom.ID] = true
			}
			b.subjobsRemaining--
			continue
		}
		b.retryCount[subjobID]++
		sj.InFlight = false
		sj.SlaveID = 0
		b.pending = append(b.pending, sj)
	}

	if b.subjobsRemaining == 0 && b.state == StateBuilding {
		b.state = StateMarkedForCompletion
		b.completedAt = time.Now()
	}
}

// ReleaseSlave detaches slaveID from this build without touching
// in-flight subjobs (the slave reported IDLE cleanly).
func (b *Build) ReleaseSlave(slaveID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.allocatedSlaves, slaveID)
	delete(b.setupCompletedSlaves, slaveID)
}

// Error transitions the build to ERRORED and releases every slave
// currently allocated to it back to idle. Setup and teardown failures
// are not recoverable per-slave: a build that cannot run reliably on
// one slave does not limp forward on the others either. A no-op once
// the build is already in a terminal state.
func (b *Build) Error(cause error) {
	b.mu.Lock()
	if b.state.Terminal() {
		b.mu.Unlock()
		return
	}
	b.state = StateErrored
	b.lastErr = cause

	slaves := make([]*slave.Slave, 0, len(b.allocatedSlaves))
	for _, s := range b.allocatedSlaves {
		slaves = append(slaves, s)
	}
	b.allocatedSlaves = make(map[int]*slave.Slave)
	b.setupCompletedSlaves = make(map[int]bool)
	b.mu.Unlock()

	for _, s := range slaves {
		s.SetCurrentBuildID("")
		s.SetState(slave.ExecutorIdle)
	}
}

// Finish produces the final archive and failures manifest and moves the
// build to its terminal state. Precondition: subjobs_remaining == 0 or
// canceled.
func (b *Build) Finish() error {
	b.mu.Lock()
	if b.subjobsRemaining != 0 && !b.canceled {
		b.mu.Unlock()
		return clustererrors.New(clustererrors.ErrorCodePreconditionFailed, "build still has outstanding subjobs")
	}
	store := b.store
	canceled := b.canceled
	names := b.sortedFailureNamesLocked()
	b.mu.Unlock()

	if len(names) > 0 {
		if err := store.WriteFailuresManifest(names); err != nil {
			return err
		}
	}
	if _, err := store.Archive(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if canceled {
		b.state = StateCanceled
	} else {
		b.state = StateFinished
	}
	return nil
}

func (b *Build) sortedFailureNamesLocked() []string {
	type loc struct {
		atomLocation
		atomID int
	}
	var locs []loc
	for atomID := range b.failedAtomIDs {
		locs = append(locs, loc{atomLocation: b.atomLocations[atomID], atomID: atomID})
	}
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].subjobID != locs[j].subjobID {
			return locs[i].subjobID < locs[j].subjobID
		}
		return locs[i].atomIndex < locs[j].atomIndex
	})
	names := make([]string, len(locs))
	for i, l := range locs {
		names[i] = artifact.AtomDirName(l.subjobID, l.atomIndex)
	}
	return names
}

// Snapshot is a read-only, JSON-friendly view of a Build's current
// state.
type Snapshot struct {
	BuildID          string `json:"build_id"`
	State            State  `json:"state"`
	SubjobsRemaining int    `json:"subjobs_remaining"`
	TotalSubjobs     int    `json:"total_subjobs"`
	ExpectedToFail   bool   `json:"expected_to_fail"`
	FailedAtomIDs    []int  `json:"failed_atom_ids"`
}

func (b *Build) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := make([]int, 0, len(b.failedAtomIDs))
	for id := range b.failedAtomIDs {
		failed = append(failed, id)
	}
	sort.Ints(failed)

	return Snapshot{
		BuildID:          b.id,
		State:            b.state,
		SubjobsRemaining: b.subjobsRemaining,
		TotalSubjobs:     len(b.subjobs),
		ExpectedToFail:   len(failed) > 0,
		FailedAtomIDs:    failed,
	}
}
