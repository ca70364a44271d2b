// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package projecttype

import (
	"context"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/clusterrunner/clusterrunner/internal/atomizer"
	"github.com/clusterrunner/clusterrunner/internal/jobconfig"
	clustererrors "github.com/clusterrunner/clusterrunner/pkg/errors"
)

// JobConfigFileName is the per-project job document DirectoryProjectType
// reads, relative to the project directory.
const JobConfigFileName = ".clusterrunner.yaml"

// DirectoryProjectType treats a project as already existing at a local
// path; FetchProject is a no-op.
type DirectoryProjectType struct {
	projectDir string
}

// NewDirectoryProjectType wraps an already-materialized project directory.
func NewDirectoryProjectType(projectDir string) *DirectoryProjectType {
	return &DirectoryProjectType{projectDir: projectDir}
}

// FetchProject is a no-op: the project directory already exists.
func (d *DirectoryProjectType) FetchProject(ctx context.Context) error {
	return nil
}

// ExecuteCommandInProject runs command in the project directory.
func (d *DirectoryProjectType) ExecuteCommandInProject(ctx context.Context, command, cwd string) (string, int, error) {
	return executeCommandInProject(ctx, d.projectDir, command, cwd)
}

// ProjectDir returns the workspace root.
func (d *DirectoryProjectType) ProjectDir() string {
	return d.projectDir
}

// TimingFilePath returns the historical timing data path for jobName.
func (d *DirectoryProjectType) TimingFilePath(jobName string) string {
	return filepath.Join(d.projectDir, ".clusterrunner", "timings", jobName+".timing.json")
}

// SlaveParamOverrides is empty for a local directory: slaves run against
// the same filesystem path as the master.
func (d *DirectoryProjectType) SlaveParamOverrides() map[string]string {
	return map[string]string{}
}

// jobDocument is the YAML shape of .clusterrunner.yaml: one entry per job
// name.
type jobDocument map[string]jobSpec

type jobSpec struct {
	SetupCommands        []string            `yaml:"setup"`
	Commands             []string            `yaml:"commands"`
	TeardownCommands     []string            `yaml:"teardown"`
	Atomizers            []map[string]string `yaml:"atomizers"`
	MaxExecutors         int                 `yaml:"max_executors"`
	MaxExecutorsPerSlave int                 `yaml:"max_executors_per_slave"`
}

// JobConfig loads jobName's configuration from .clusterrunner.yaml in the
// project directory.
func (d *DirectoryProjectType) JobConfig(jobName string) (*jobconfig.JobConfig, error) {
	return loadJobConfig(filepath.Join(d.projectDir, JobConfigFileName), jobName)
}

func loadJobConfig(path, jobName string) (*jobconfig.JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "failed to read job config", err)
	}

	var doc jobDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, clustererrors.WithCause(clustererrors.ErrorCodeBadRequest, "failed to parse job config", err)
	}

	spec, ok := doc[jobName]
	if !ok {
		return nil, clustererrors.ItemNotFound("job %q not found in %s", jobName, path)
	}

	specs := make([]atomizer.Spec, 0, len(spec.Atomizers))
	for _, entry := range spec.Atomizers {
		for variable, generator := range entry {
			specs = append(specs, atomizer.Spec{VariableName: variable, GeneratorCommand: generator})
		}
	}

	return jobconfig.New(jobName, spec.SetupCommands, spec.Commands, spec.TeardownCommands, specs, spec.MaxExecutors, spec.MaxExecutorsPerSlave), nil
}
