// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package projecttype

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/clusterrunner/clusterrunner/internal/jobconfig"
	clustererrors "github.com/clusterrunner/clusterrunner/pkg/errors"
)

var (
	knownHostsPromptPattern = regexp.MustCompile(`(?i)are you sure you want to continue connecting`)
	passwordPromptPattern   = regexp.MustCompile(`(?i)password:\s*$`)
)

// PromptKind identifies which interactive prompt a remote git command
// produced.
type PromptKind string

const (
	PromptKnownHosts PromptKind = "known_hosts_prompt"
	PromptPassword   PromptKind = "password_prompt"
	PromptEOF        PromptKind = "eof"
	PromptTimeout    PromptKind = "timeout"
)

// PromptHandler decides how to respond to a prompt observed on a remote
// git command's combined output. Returning "" sends nothing (used for
// eof/timeout); any other string is written to the command's stdin
// followed by a newline.
type PromptHandler func(kind PromptKind, line string) (response string, err error)

// GitProjectType is a ProjectType whose workspace is a git clone. Its
// strictHostKeyChecking field controls the default known-host prompt
// handling: when true, a known-host prompt fails the fetch instead of
// auto-accepting.
type GitProjectType struct {
	url                    string
	branch                 string
	ref                    string
	repoDir                string
	strictHostKeyChecking  bool
	promptHandler          PromptHandler
	readTimeout            time.Duration
}

// GitOption configures a GitProjectType at construction time.
type GitOption func(*GitProjectType)

// WithStrictHostKeyChecking fails known-host prompts instead of
// auto-accepting them.
func WithStrictHostKeyChecking(strict bool) GitOption {
	return func(g *GitProjectType) { g.strictHostKeyChecking = strict }
}

// WithPromptHandler overrides the default prompt handler (auto-accept
// known hosts unless strict, fail on password prompts).
func WithPromptHandler(h PromptHandler) GitOption {
	return func(g *GitProjectType) { g.promptHandler = h }
}

// WithReadTimeout bounds how long the remote command executor waits for
// further output before treating the command as hung.
func WithReadTimeout(d time.Duration) GitOption {
	return func(g *GitProjectType) { g.readTimeout = d }
}

// NewGitProjectType creates a project type that clones/fetches url into a
// per-remote cache directory under reposRoot.
func NewGitProjectType(url, branch, ref, reposRoot string, opts ...GitOption) *GitProjectType {
	g := &GitProjectType{
		url:         url,
		branch:      branch,
		ref:         ref,
		repoDir:     cacheDirFor(reposRoot, url),
		readTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.promptHandler == nil {
		g.promptHandler = g.defaultPromptHandler
	}
	return g
}

// cacheDirFor derives the on-disk cache directory for a remote URL by
// stripping the scheme and stripping ':' from host:port, e.g.
// ssh://host.example:1234/x -> <root>/host.example1234/x.
func cacheDirFor(root, url string) string {
	rest := url
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	rest = strings.ReplaceAll(rest, ":", "")
	return filepath.Join(root, rest)
}

func (g *GitProjectType) ProjectDir() string {
	return g.repoDir
}

func (g *GitProjectType) TimingFilePath(jobName string) string {
	return filepath.Join(filepath.Dir(g.repoDir), "timings", filepath.Base(g.repoDir), jobName+".timing.json")
}

func (g *GitProjectType) SlaveParamOverrides() map[string]string {
	overrides := map[string]string{"url": g.url}
	if g.ref != "" {
		overrides["branch"] = g.ref
	}
	return overrides
}

func (g *GitProjectType) ExecuteCommandInProject(ctx context.Context, command, cwd string) (string, int, error) {
	return executeCommandInProject(ctx, g.repoDir, command, cwd)
}

// FetchProject clones the remote if the cache directory doesn't exist, or
// fetches into it otherwise. An existing shallow clone is wiped and
// recreated, per the documented fetcher behavior.
func (g *GitProjectType) FetchProject(ctx context.Context) error {
	if info, err := os.Stat(g.repoDir); err == nil && info.IsDir() {
		if g.isShallowClone() {
			if err := os.RemoveAll(g.repoDir); err != nil {
				return clustererrors.WithCause(clustererrors.ErrorCodeRemoteExecution, "failed to remove shallow clone", err)
			}
		}
	}

	if _, err := os.Stat(g.repoDir); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(g.repoDir), 0o755); err != nil {
			return clustererrors.WithCause(clustererrors.ErrorCodeRemoteExecution, "failed to create repo cache directory", err)
		}
		if err := g.executeGitRemoteCommand(ctx, fmt.Sprintf("git clone %s %s", shellQuote(g.url), shellQuote(g.repoDir)), ""); err != nil {
			return err
		}
	} else {
		if err := g.executeGitRemoteCommand(ctx, "git fetch origin", g.repoDir); err != nil {
			return err
		}
	}

	checkoutTarget := g.ref
	if checkoutTarget == "" {
		checkoutTarget = g.branch
	}
	if checkoutTarget != "" {
		if err := g.executeGitRemoteCommand(ctx, "git checkout "+shellQuote(checkoutTarget), g.repoDir); err != nil {
			return err
		}
	}
	return nil
}

func (g *GitProjectType) isShallowClone() bool {
	_, err := os.Stat(filepath.Join(g.repoDir, ".git", "shallow"))
	return err == nil
}

// executeGitRemoteCommand runs a git command that may talk to a remote,
// driving any known-host / password prompt through the prompt handler
// state machine instead of interactive terminal scripting.
func (g *GitProjectType) executeGitRemoteCommand(ctx context.Context, command, cwd string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if cwd != "" {
		cmd.Dir = cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return clustererrors.WithCause(clustererrors.ErrorCodeRemoteExecution, "failed to open git command stdin", err)
	}
	outReader, outWriter := io.Pipe()
	cmd.Stdout = outWriter
	cmd.Stderr = outWriter

	if err := cmd.Start(); err != nil {
		return clustererrors.WithCause(clustererrors.ErrorCodeRemoteExecution, "failed to start git command", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
		outWriter.Close()
	}()

	scanErr := g.drivePrompts(outReader, stdin)
	stdin.Close()
	if scanErr != nil {
		cmd.Process.Kill()
	}

	waitErr := <-done
	if scanErr != nil {
		return scanErr
	}
	if waitErr != nil {
		return clustererrors.WithCause(clustererrors.ErrorCodeRemoteExecution, "git command failed: "+command, waitErr)
	}
	return nil
}

// drivePrompts scans r line by line, dispatching any matched prompt to
// g.promptHandler and writing its response to w. A read that produces no
// line within readTimeout dispatches a timeout prompt instead of blocking
// forever on a hung remote.
func (g *GitProjectType) drivePrompts(r io.Reader, w io.Writer) error {
	timeout := g.readTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil && err != io.ErrClosedPipe {
					_, handlerErr := g.promptHandler(PromptEOF, "")
					return handlerErr
				}
				return nil
			}

			var kind PromptKind
			switch {
			case knownHostsPromptPattern.MatchString(line):
				kind = PromptKnownHosts
			case passwordPromptPattern.MatchString(line):
				kind = PromptPassword
			default:
				continue
			}

			response, err := g.promptHandler(kind, line)
			if err != nil {
				return err
			}
			if response != "" {
				fmt.Fprintln(w, response)
			}
		case <-time.After(timeout):
			if _, err := g.promptHandler(PromptTimeout, ""); err != nil {
				return err
			}
			return clustererrors.New(clustererrors.ErrorCodeRemoteExecution, "git command timed out waiting for output")
		}
	}
}

// defaultPromptHandler auto-accepts known-host prompts unless strict
// checking is enabled, and refuses to answer password prompts
// non-interactively.
func (g *GitProjectType) defaultPromptHandler(kind PromptKind, line string) (string, error) {
	switch kind {
	case PromptKnownHosts:
		if g.strictHostKeyChecking {
			return "", clustererrors.New(clustererrors.ErrorCodeRemoteExecution, "failed known_hosts check")
		}
		return "yes", nil
	case PromptPassword:
		return "", clustererrors.New(clustererrors.ErrorCodeRemoteExecution, "password prompt requires an interactive supplier")
	case PromptEOF, PromptTimeout:
		return "", nil
	default:
		return "", nil
	}
}

// JobConfig reads a job document from a cloned repo, satisfying
// ProjectType.
func (g *GitProjectType) JobConfig(jobName string) (*jobconfig.JobConfig, error) {
	return loadJobConfig(filepath.Join(g.repoDir, JobConfigFileName), jobName)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
