// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package build

import clustererrors "github.com/clusterrunner/clusterrunner/pkg/errors"

// Request is the immutable description of a requested build: project
// type, source location, job name, and any project-type-specific
// overrides (branch, ref, ...). Keys not recognized by the resolved
// project type are simply ignored by it.
type Request map[string]string

// ProjectType returns the "type" key (e.g. "git", "directory").
func (r Request) ProjectType() string { return r["type"] }

// JobName returns the "job_name" key.
func (r Request) JobName() string { return r["job_name"] }

// ValidateRequest checks that a Request carries the keys every project
// type needs regardless of which one it resolves to.
func ValidateRequest(r Request) error {
	if r.ProjectType() == "" {
		return clustererrors.BadRequest("build request missing required key %q", "type")
	}
	if r.JobName() == "" {
		return clustererrors.BadRequest("build request missing required key %q", "job_name")
	}
	return nil
}
