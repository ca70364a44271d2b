// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command clusterrunner-slave runs the worker HTTP surface: one
// slaveexec.Executor bound to a gorilla/mux router, optionally
// registering itself with a master on startup.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/clusterrunner/clusterrunner/internal/artifact"
	"github.com/clusterrunner/clusterrunner/internal/slaveapi"
	"github.com/clusterrunner/clusterrunner/internal/slaveexec"
	"github.com/clusterrunner/clusterrunner/pkg/config"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
)

func main() {
	cfg := config.NewDefault()
	cfg.Load()

	fs := flag.NewFlagSet("clusterrunner-slave", flag.ExitOnError)
	port := fs.Int("port", 43001, "port to listen on")
	numExecutors := fs.Int("num-executors", 1, "executors this slave advertises when registering with a master")
	artifactRoot := fs.String("artifact-root", cfg.BuildArtifactsDir, "root directory for per-build artifact stores")
	masterURL := fs.String("master", "", "master base URL to register with on startup; skipped if empty")
	selfURL := fs.String("self-url", "", "this slave's externally-reachable URL, required when --master is set")
	logFormat := fs.String("log-format", "text", "log output format: text or json")
	clusterToken := fs.String("cluster-token", "", "shared secret the master must present; empty disables the check")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.NewLogger(&logging.Config{
		Level:   slog.LevelInfo,
		Format:  logging.Format(*logFormat),
		Output:  os.Stdout,
		Version: "dev",
	})

	executor := slaveexec.New(slaveexec.ShellCommandRunner{}, logger)

	server := slaveapi.NewServer(executor, func(buildID string) (*artifact.Store, error) {
		return artifact.NewStore(filepath.Join(*artifactRoot, buildID))
	}, logger, slaveapi.WithClusterToken(*clusterToken))

	if *masterURL != "" {
		if *selfURL == "" {
			fmt.Fprintln(os.Stderr, "--self-url is required when --master is set")
			os.Exit(1)
		}
		if err := registerWithMaster(*masterURL, *selfURL, *numExecutors); err != nil {
			fmt.Fprintln(os.Stderr, "registering with master:", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: server,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("slave listening", "port", *port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

func registerWithMaster(masterURL, selfURL string, numExecutors int) error {
	payload, err := json.Marshal(map[string]interface{}{
		"slave_url":     selfURL,
		"num_executors": numExecutors,
	})
	if err != nil {
		return err
	}

	resp, err := http.Post(masterURL+"/v1/slaves", "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("master returned status %d", resp.StatusCode)
	}
	return nil
}
