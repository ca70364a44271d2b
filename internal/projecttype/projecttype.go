// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package projecttype implements the project type capability a Build
// consumes to materialize a workspace, read its JobConfig, and run
// commands in it. DirectoryProjectType and GitProjectType are the two
// concrete implementations; both satisfy the ProjectType interface.
package projecttype

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/clusterrunner/clusterrunner/internal/jobconfig"
)

// ProjectType is the external collaborator a Build calls into to
// materialize a working tree, read its job configuration, and run
// commands against it.
type ProjectType interface {
	// FetchProject materializes (or refreshes) the project workspace.
	FetchProject(ctx context.Context) error

	// ExecuteCommandInProject runs command in the project workspace (or
	// in cwd, if non-empty), returning combined output and exit code.
	ExecuteCommandInProject(ctx context.Context, command string, cwd string) (output string, exitCode int, err error)

	// JobConfig reads the named job's configuration from the workspace.
	JobConfig(jobName string) (*jobconfig.JobConfig, error)

	// TimingFilePath returns the path of the historical timing data file
	// for the named job, used by atom-grouping policies this spec does
	// not implement.
	TimingFilePath(jobName string) string

	// SlaveParamOverrides returns parameters a slave should use instead
	// of this project type's own (e.g. a master-cached repo URL/ref), so
	// the slave need not re-resolve a floating ref.
	SlaveParamOverrides() map[string]string

	// ProjectDir returns the workspace's root directory on disk.
	ProjectDir() string
}

// ExecuteCommandInProject runs command through a shell with PROJECT_DIR
// exported, optionally in cwd, and returns combined stdout+stderr plus
// exit code. Shared by both ProjectType implementations.
func executeCommandInProject(ctx context.Context, projectDir, command, cwd string) (string, int, error) {
	shellCommand := "export PROJECT_DIR=\"" + projectDir + "\"; " + command

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", shellCommand)
	if cwd != "" {
		cmd.Dir = cwd
	} else {
		cmd.Dir = projectDir
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			err = nil
		}
	}
	return output.String(), exitCode, err
}
