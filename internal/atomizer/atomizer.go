// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package atomizer expands an atomizer spec into the ordered list of atoms
// a JobConfig's commands run against.
package atomizer

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	clustererrors "github.com/clusterrunner/clusterrunner/pkg/errors"
)

// Atom is one environment binding produced by atomization, plus the
// dense id assigned in atomization order.
type Atom struct {
	ID  int
	Env map[string]string
}

// Spec is a single atomizer generator: its stdout lines become one atom
// value per non-empty line, bound to VariableName.
type Spec struct {
	VariableName     string
	GeneratorCommand string
}

// Runner executes a generator command in a workspace and returns its
// stdout. Production code runs this via os/exec; tests can substitute a
// fake.
type Runner interface {
	Run(ctx context.Context, command string, workspaceDir string) (stdout string, err error)
}

// ShellRunner runs generator commands through /bin/sh -c.
type ShellRunner struct{}

// Run executes command in workspaceDir via a shell and returns its stdout.
func (ShellRunner) Run(ctx context.Context, command string, workspaceDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = workspaceDir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return stdout.String(), nil
}

// Atomize runs every spec's generator command in workspaceDir and forms
// the ordered cross-product of their output lines, the first spec varying
// slowest. It fails with an ErrorCodeAtomizerFailed ClusterError if any
// generator exits non-zero.
func Atomize(ctx context.Context, runner Runner, specs []Spec, workspaceDir string) ([]Atom, error) {
	if runner == nil {
		runner = ShellRunner{}
	}

	valuesPerSpec := make([][]string, len(specs))
	for i, spec := range specs {
		stdout, err := runner.Run(ctx, spec.GeneratorCommand, workspaceDir)
		if err != nil {
			return nil, clustererrors.WithCause(clustererrors.ErrorCodeAtomizerFailed,
				"atomizer generator for "+spec.VariableName+" failed", err)
		}
		valuesPerSpec[i] = splitNonEmptyLines(stdout)
	}

	envs := crossProduct(specs, valuesPerSpec)
	atoms := make([]Atom, len(envs))
	for i, env := range envs {
		atoms[i] = Atom{ID: i, Env: env}
	}
	return atoms, nil
}

func splitNonEmptyLines(s string) []string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// crossProduct builds the ordered cross-product of per-spec values, with
// the first spec's index varying slowest.
func crossProduct(specs []Spec, values [][]string) []map[string]string {
	if len(specs) == 0 {
		return nil
	}

	envs := []map[string]string{{}}
	for i, spec := range specs {
		var next []map[string]string
		for _, env := range envs {
			for _, value := range values[i] {
				merged := make(map[string]string, len(env)+1)
				for k, v := range env {
					merged[k] = v
				}
				merged[spec.VariableName] = value
				next = append(next, merged)
			}
		}
		envs = next
	}
	return envs
}
