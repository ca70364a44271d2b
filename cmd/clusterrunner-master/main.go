// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command clusterrunner-master runs the ClusterMaster HTTP service, or
// acts as a thin client against a running one for build submission and
// watching.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clusterrunner/clusterrunner/internal/build"
	"github.com/clusterrunner/clusterrunner/internal/httpapi"
	"github.com/clusterrunner/clusterrunner/internal/projecttype"
	"github.com/clusterrunner/clusterrunner/internal/scheduler"
	"github.com/clusterrunner/clusterrunner/internal/transport"
	"github.com/clusterrunner/clusterrunner/pkg/auth"
	"github.com/clusterrunner/clusterrunner/pkg/config"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
	"github.com/clusterrunner/clusterrunner/pkg/pool"
	"github.com/clusterrunner/clusterrunner/pkg/retry"
	"github.com/clusterrunner/clusterrunner/pkg/watch"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "build":
		err = runBuild(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  clusterrunner-master serve [--port 43000] [--repos-root DIR] [--log-format text|json]
  clusterrunner-master build submit [--master http://host:port] REQUEST.json
  clusterrunner-master build watch [--master http://host:port] BUILD_ID
`)
}

func runServe(args []string) error {
	cfg := config.NewDefault()
	cfg.Load()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("port", 43000, "port to listen on")
	artifactRoot := fs.String("artifact-root", cfg.BuildArtifactsDir, "root directory for per-build artifact stores")
	reposRoot := fs.String("repos-root", "/tmp/clusterrunner-master/repos", "root directory for cached git checkouts")
	logFormat := fs.String("log-format", "text", "log output format: text or json")
	clusterToken := fs.String("cluster-token", "", "shared secret slaves must present; empty disables the check")
	maxRetries := fs.Int("max-retries", cfg.MaxRetries, "retries for a transient slave transport failure")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.BuildArtifactsDir = *artifactRoot
	cfg.MaxRetries = *maxRetries
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var authProvider auth.Provider = auth.NewNoAuth()
	if *clusterToken != "" {
		authProvider = auth.NewTokenAuth(*clusterToken)
	}

	logger := logging.NewLogger(&logging.Config{
		Level:   slog.LevelInfo,
		Format:  logging.Format(*logFormat),
		Output:  os.Stdout,
		Version: "dev",
	})

	clientPool := pool.NewHTTPClientPool(pool.DefaultPoolConfig(), logger)
	retryPolicy := retry.NewHTTPExponentialBackoff().
		WithMaxRetries(cfg.MaxRetries).
		WithMinWaitTime(cfg.RetryWaitMin).
		WithMaxWaitTime(cfg.RetryWaitMax)

	master := scheduler.New(scheduler.Config{
		ArtifactRoot: *artifactRoot,
		Logger:       logger,
		ResolveProject: func(req build.Request) (projecttype.ProjectType, error) {
			switch req.ProjectType() {
			case "git":
				return projecttype.NewGitProjectType(req["url"], req["branch"], req["ref"], *reposRoot), nil
			default:
				return projecttype.NewDirectoryProjectType(req["project_dir"]), nil
			}
		},
		NewTransport: func(url string) transport.SlaveTransport {
			return transport.NewHTTPSlaveTransport(url, clientPool, logger,
				transport.WithAuth(authProvider),
				transport.WithRetryPolicy(retryPolicy))
		},
	})

	server, err := httpapi.NewServer(master, master, logger)
	if err != nil {
		return fmt.Errorf("building http server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go master.Run(ctx)
	defer master.Stop()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: server,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("master listening", "port", *port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func runBuild(args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("build: missing subcommand")
	}

	switch args[0] {
	case "submit":
		return runBuildSubmit(args[1:])
	case "watch":
		return runBuildWatch(args[1:])
	default:
		usage()
		return fmt.Errorf("build: unknown subcommand %q", args[0])
	}
}

func runBuildSubmit(args []string) error {
	fs := flag.NewFlagSet("build submit", flag.ExitOnError)
	masterURL := fs.String("master", config.NewDefault().BaseURL, "master base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("build submit: expected a request JSON file path")
	}

	payload, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("reading request file: %w", err)
	}

	resp, err := http.Post(*masterURL+"/v1/builds", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("submitting build: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("master rejected build (status %d): %s", resp.StatusCode, body)
	}

	var result struct {
		BuildID string `json:"build_id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decoding master response: %w", err)
	}

	fmt.Println(result.BuildID)
	return nil
}

func runBuildWatch(args []string) error {
	fs := flag.NewFlagSet("build watch", flag.ExitOnError)
	masterURL := fs.String("master", config.NewDefault().BaseURL, "master base URL")
	interval := fs.Duration("interval", 500*time.Millisecond, "poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("build watch: expected a build id")
	}
	buildID := fs.Arg(0)

	poller := watch.NewBuildPoller(func(ctx context.Context, id string) (*watch.BuildSnapshot, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, *masterURL+"/v1/builds/"+id, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("master returned status %d: %s", resp.StatusCode, body)
		}
		var snapshot build.Snapshot
		if err := json.Unmarshal(body, &snapshot); err != nil {
			return nil, fmt.Errorf("decoding build snapshot: %w", err)
		}
		return &watch.BuildSnapshot{ID: id, State: string(snapshot.State)}, nil
	}).WithPollInterval(*interval)

	events, err := poller.Watch(context.Background(), buildID)
	if err != nil {
		return err
	}

	var finalState string
	for event := range events {
		if event.Err != nil {
			return fmt.Errorf("watching build: %w", event.Err)
		}
		fmt.Printf("%s: %s\n", buildID, event.NewState)
		finalState = event.NewState
	}

	if finalState != string(build.StateFinished) {
		os.Exit(1)
	}
	return nil
}
