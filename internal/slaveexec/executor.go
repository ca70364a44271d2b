// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package slaveexec implements the worker-side executor state machine:
// idle -> running setup -> setup completed -> executing -> running
// teardown -> idle, with a one-shot disconnected transition from any
// non-idle state.
package slaveexec

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clusterrunner/clusterrunner/internal/artifact"
	"github.com/clusterrunner/clusterrunner/internal/transport"
	clustererrors "github.com/clusterrunner/clusterrunner/pkg/errors"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
)

// State is the executor's position in its state machine.
type State string

const (
	StateIdle             State = "IDLE"
	StateRunningSetup     State = "RUNNING_SETUP"
	StateSetupCompleted   State = "SETUP_COMPLETED"
	StateExecuting        State = "EXECUTING"
	StateRunningTeardown  State = "RUNNING_TEARDOWN"
	StateDisconnected     State = "DISCONNECTED"
)

// CommandRunner executes a shell command in a working directory,
// returning its combined output and exit code.
type CommandRunner interface {
	Run(ctx context.Context, command, workingDir string) (output string, exitCode int, err error)
}

// ShellCommandRunner runs commands through /bin/sh -c.
type ShellCommandRunner struct{}

func (ShellCommandRunner) Run(ctx context.Context, command, workingDir string) (string, int, error) {
	return runShell(ctx, command, workingDir)
}

// ResultReporter posts a completed subjob's artifact tarball back to the
// master.
type ResultReporter interface {
	ReportResult(ctx context.Context, buildID string, subjobID int, payload []byte) error
}

// Executor is the worker-side state machine for one build at a time.
type Executor struct {
	logger logging.Logger
	runner CommandRunner

	mu               sync.Mutex
	state            State
	buildID          string
	projectDir       string
	instanceID       string
	teardownCommands []string
}

// New creates an Executor in the idle state.
func New(runner CommandRunner, logger logging.Logger) *Executor {
	if runner == nil {
		runner = ShellCommandRunner{}
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Executor{
		runner: runner,
		logger: logger,
		state:  StateIdle,
	}
}

func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// StartSetup runs a build's setup commands. Legal only from IDLE.
func (e *Executor) StartSetup(ctx context.Context, req transport.SetupRequest) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return clustererrors.New(clustererrors.ErrorCodeBadRequest, "start_setup is illegal in state "+string(e.state))
	}
	e.state = StateRunningSetup
	e.buildID = req.BuildID
	e.projectDir = req.ProjectDir
	e.teardownCommands = req.TeardownCommands
	e.instanceID = uuid.NewString()
	e.mu.Unlock()

	e.logger.Info("running setup", "build_id", req.BuildID, "instance_id", e.instanceID)

	for _, cmd := range req.SetupCommands {
		if _, exitCode, err := e.runner.Run(ctx, exportProjectDir(req.ProjectDir)+cmd, req.ProjectDir); err != nil || exitCode != 0 {
			e.mu.Lock()
			e.state = StateIdle
			e.mu.Unlock()
			return clustererrors.RemoteExecutionError(err, "setup command failed: %s", cmd)
		}
	}

	e.mu.Lock()
	e.state = StateSetupCompleted
	e.mu.Unlock()
	return nil
}

// StartSubjobExecution runs one subjob's atoms. Legal only from
// SETUP_COMPLETED or EXECUTING (a slave may run several subjobs back to
// back before teardown).
func (e *Executor) StartSubjobExecution(ctx context.Context, req transport.SubjobRequest, store *artifact.Store) error {
	e.mu.Lock()
	if e.state != StateSetupCompleted && e.state != StateExecuting {
		e.mu.Unlock()
		return clustererrors.New(clustererrors.ErrorCodeBadRequest, "start_subjob is illegal in state "+string(e.state))
	}
	e.state = StateExecuting
	projectDir := e.projectDir
	e.mu.Unlock()

	script := strings.Join(req.Commands, "\n")

	for _, atom := range req.Atoms {
		atomDir, err := store.NewAtomDir(req.SubjobID, atom.AtomIndex)
		if err != nil {
			return err
		}

		var exports strings.Builder
		exports.WriteString(exportProjectDir(projectDir))
		exports.WriteString("export ARTIFACT_DIR=")
		exports.WriteString(shellQuote(atomDir.Path()))
		exports.WriteString("; ")
		for k, v := range atom.Env {
			exports.WriteString("export ")
			exports.WriteString(k)
			exports.WriteString("=")
			exports.WriteString(shellQuote(v))
			exports.WriteString("; ")
		}

		start := time.Now()
		output, exitCode, runErr := e.runner.Run(ctx, exports.String()+script, projectDir)
		elapsed := time.Since(start)
		if runErr != nil {
			return clustererrors.RemoteExecutionError(runErr, "atom %d of subjob %d failed to run", atom.AtomIndex, req.SubjobID)
		}

		if err := atomDir.WriteCommand(script); err != nil {
			return err
		}
		if err := atomDir.WriteConsoleOutput(output); err != nil {
			return err
		}
		if err := atomDir.WriteExitCode(exitCode); err != nil {
			return err
		}
		if err := atomDir.WriteTime(elapsed); err != nil {
			return err
		}
		if err := writeAtomEnvFile(atomDir, atom.Env); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.state = StateSetupCompleted
	e.mu.Unlock()
	return nil
}

// TeardownBuild runs the build's teardown commands, recorded earlier
// from StartSetup's request. Legal from SETUP_COMPLETED (no subjob
// currently executing).
func (e *Executor) TeardownBuild(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateSetupCompleted {
		e.mu.Unlock()
		return clustererrors.New(clustererrors.ErrorCodeBadRequest, "teardown_build is illegal in state "+string(e.state))
	}
	e.state = StateRunningTeardown
	projectDir := e.projectDir
	teardownCommands := e.teardownCommands
	e.mu.Unlock()

	for _, cmd := range teardownCommands {
		if _, exitCode, err := e.runner.Run(ctx, exportProjectDir(projectDir)+cmd, projectDir); err != nil || exitCode != 0 {
			e.mu.Lock()
			e.state = StateIdle
			e.buildID = ""
			e.mu.Unlock()
			return clustererrors.RemoteExecutionError(err, "teardown command failed: %s", cmd)
		}
	}

	e.mu.Lock()
	e.state = StateIdle
	e.buildID = ""
	e.mu.Unlock()
	return nil
}

// KillRunningJob aborts the build currently bound to this executor,
// returning it to idle regardless of its prior state.
func (e *Executor) KillRunningJob(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateIdle
	e.buildID = ""
}

// Disconnect produces the one-shot DISCONNECTED transition from any
// non-idle state. A no-op from IDLE.
func (e *Executor) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateIdle {
		return
	}
	e.state = StateDisconnected
}

// writeAtomEnvFile records the atom's env bindings alongside its other
// artifacts, through the same arbitrary-file-writer path a user's own
// command could use to drop extra output under $ARTIFACT_DIR.
func writeAtomEnvFile(atomDir *artifact.AtomDir, env map[string]string) error {
	f, err := atomDir.UserFile("clusterrunner_atom_env")
	if err != nil {
		return err
	}
	defer f.Close()

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(f, "%s=%s\n", k, env[k]); err != nil {
			return err
		}
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// exportProjectDir prefixes a command with an export of PROJECT_DIR, the
// same binding executeCommandInProject gives the master-side project
// type so commands behave identically whether they run locally or on a
// slave.
func exportProjectDir(dir string) string {
	return "export PROJECT_DIR=" + shellQuote(dir) + "; "
}
