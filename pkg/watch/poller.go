// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package watch provides a polling-based alternative to pkg/streaming for
// clients that cannot hold an SSE or WebSocket connection open, such as the
// clusterrunner-master build watch CLI command.
package watch

import (
	"context"
	"sync"
	"time"
)

// DefaultPollInterval is the default polling interval for watch operations.
const DefaultPollInterval = 2 * time.Second

// terminalStates mirrors the Build state machine's terminal set; once a
// build reaches one of these the poller stops after emitting the event.
var terminalStates = map[string]bool{
	"FINISHED": true,
	"CANCELED": true,
	"ERRORED":  true,
}

// BuildSnapshot is the subset of build state a getFunc needs to report for
// the poller to detect a transition.
type BuildSnapshot struct {
	ID    string
	State string
}

// BuildEvent reports a single observed state transition of a build.
type BuildEvent struct {
	EventType     string
	BuildID       string
	PreviousState string
	NewState      string
	EventTime     time.Time
	Err           error
}

// BuildPoller watches a single build's state by polling a getFunc, typically
// backed by GET /v1/builds/{id} against the master.
type BuildPoller struct {
	getFunc      func(ctx context.Context, buildID string) (*BuildSnapshot, error)
	pollInterval time.Duration
	bufferSize   int
	mu           sync.Mutex
	lastState    string
}

// NewBuildPoller creates a new build poller around getFunc.
func NewBuildPoller(getFunc func(ctx context.Context, buildID string) (*BuildSnapshot, error)) *BuildPoller {
	return &BuildPoller{
		getFunc:      getFunc,
		pollInterval: DefaultPollInterval,
		bufferSize:   16,
	}
}

// WithPollInterval sets a custom poll interval.
func (p *BuildPoller) WithPollInterval(interval time.Duration) *BuildPoller {
	p.pollInterval = interval
	return p
}

// WithBufferSize sets a custom buffer size for the event channel.
func (p *BuildPoller) WithBufferSize(size int) *BuildPoller {
	p.bufferSize = size
	return p
}

// Watch starts polling buildID for state transitions. The returned channel
// is closed once the build reaches a terminal state, the getFunc returns an
// error, or ctx is canceled.
func (p *BuildPoller) Watch(ctx context.Context, buildID string) (<-chan BuildEvent, error) {
	eventChan := make(chan BuildEvent, p.bufferSize)
	go p.pollLoop(ctx, buildID, eventChan)
	return eventChan, nil
}

func (p *BuildPoller) pollLoop(ctx context.Context, buildID string, eventChan chan<- BuildEvent) {
	defer close(eventChan)

	if done := p.performPoll(ctx, buildID, eventChan); done {
		return
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := p.performPoll(ctx, buildID, eventChan); done {
				return
			}
		}
	}
}

// performPoll executes a single poll and reports whether the poller should
// stop (terminal state reached or the getFunc failed).
func (p *BuildPoller) performPoll(ctx context.Context, buildID string, eventChan chan<- BuildEvent) bool {
	snapshot, err := p.getFunc(ctx, buildID)
	if err != nil {
		eventChan <- BuildEvent{
			EventType: "error",
			BuildID:   buildID,
			EventTime: time.Now(),
			Err:       err,
		}
		return true
	}

	p.mu.Lock()
	previous := p.lastState
	changed := previous != snapshot.State
	if changed {
		p.lastState = snapshot.State
	}
	p.mu.Unlock()

	if !changed {
		return false
	}

	eventType := "build_state_change"
	if previous == "" {
		eventType = "build_observed"
	}

	eventChan <- BuildEvent{
		EventType:     eventType,
		BuildID:       buildID,
		PreviousState: previous,
		NewState:      snapshot.State,
		EventTime:     time.Now(),
	}

	return terminalStates[snapshot.State]
}
