// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package jobconfig holds the immutable description of one job that a
// project type capability produces and the core consumes read-only.
package jobconfig

import "github.com/clusterrunner/clusterrunner/internal/atomizer"

// JobConfig is immutable once constructed; the core never reparses the
// raw document that produced it.
type JobConfig struct {
	Name                 string
	SetupCommands        []string
	Commands             []string
	TeardownCommands     []string
	Atomizer             []atomizer.Spec
	MaxExecutors         int
	MaxExecutorsPerSlave int
}

// New constructs a JobConfig, applying the documented defaults for
// MaxExecutors/MaxExecutorsPerSlave when the caller leaves them at zero.
func New(name string, setup, commands, teardown []string, specs []atomizer.Spec, maxExecutors, maxExecutorsPerSlave int) *JobConfig {
	if maxExecutors <= 0 {
		maxExecutors = DefaultMaxExecutors
	}
	if maxExecutorsPerSlave <= 0 {
		maxExecutorsPerSlave = DefaultMaxExecutorsPerSlave
	}
	return &JobConfig{
		Name:                 name,
		SetupCommands:        setup,
		Commands:             commands,
		TeardownCommands:     teardown,
		Atomizer:             specs,
		MaxExecutors:         maxExecutors,
		MaxExecutorsPerSlave: maxExecutorsPerSlave,
	}
}

// Default caps applied when a job document omits them.
const (
	DefaultMaxExecutors         = 10
	DefaultMaxExecutorsPerSlave = 1
)

// ProducesWork reports whether atomization for this job yields any atoms
// at all; the contract requires the atomizer list be non-empty iff the
// job produces work.
func (c *JobConfig) ProducesWork() bool {
	return len(c.Atomizer) > 0
}
