// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package slave is the master-side handle for one remote worker.
package slave

import (
	"sync"

	"github.com/clusterrunner/clusterrunner/internal/transport"
)

// ExecutorState mirrors the worker-side executor state machine as
// observed by the master.
type ExecutorState string

const (
	ExecutorIdle           ExecutorState = "IDLE"
	ExecutorSetupCompleted ExecutorState = "SETUP_COMPLETED"
	ExecutorDisconnected   ExecutorState = "DISCONNECTED"
	ExecutorShutdown       ExecutorState = "SHUTDOWN"
)

// Slave is the process-local view of one remote worker.
type Slave struct {
	mu sync.RWMutex

	id            int
	url           string
	numExecutors  int
	currentBuild  string
	alive         bool
	executorState ExecutorState

	transport transport.SlaveTransport
}

// New creates a Slave handle. num_executors must be at least 1.
func New(id int, url string, numExecutors int, t transport.SlaveTransport) *Slave {
	if numExecutors < 1 {
		numExecutors = 1
	}
	return &Slave{
		id:            id,
		url:           url,
		numExecutors:  numExecutors,
		alive:         true,
		executorState: ExecutorIdle,
		transport:     t,
	}
}

func (s *Slave) ID() int      { return s.id }
func (s *Slave) URL() string  { return s.url }
func (s *Slave) NumExecutors() int { return s.numExecutors }

// CurrentBuildID returns the build this slave is currently allocated to,
// or "" if it is unallocated.
func (s *Slave) CurrentBuildID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentBuild
}

// SetCurrentBuildID sets (or clears, with "") the build this slave is
// allocated to.
func (s *Slave) SetCurrentBuildID(buildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentBuild = buildID
}

// IsAlive reports whether this slave is still considered live. Once it
// flips false it never flips back; a reconnection is a new Slave.
func (s *Slave) IsAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alive
}

// MarkDead latches alive to false. Idempotent.
func (s *Slave) MarkDead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = false
	s.executorState = ExecutorDisconnected
}

// State returns the last-observed executor state.
func (s *Slave) State() ExecutorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.executorState
}

// SetState records a new observed executor state.
func (s *Slave) SetState(state ExecutorState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executorState = state
}

// SetupIsComplete reports whether this slave has finished per-build setup.
func (s *Slave) SetupIsComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.executorState == ExecutorSetupCompleted
}

// Transport returns the narrow remote-execution interface for this slave.
func (s *Slave) Transport() transport.SlaveTransport {
	return s.transport
}
