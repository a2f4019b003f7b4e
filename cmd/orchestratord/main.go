// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/amelia-dev/orchestrator/internal/config"
	"github.com/amelia-dev/orchestrator/internal/daemon"
	"github.com/amelia-dev/orchestrator/internal/orchlog"
	"github.com/amelia-dev/orchestrator/pkg/secrets"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		mcp         = flag.Bool("mcp", false, "also serve the MCP tool adapter over stdio")
		showVersion = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("orchestratord %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	masker := secrets.NewMasker()
	masker.AddSecretsFromEnv(environMap())

	logCfg := orchlog.FromEnv()
	logCfg.Masker = masker
	logger := orchlog.New(logCfg)
	slog.SetDefault(logger)

	cfg, err := config.LoadDaemon("")
	if err != nil {
		logger.Error("failed to load config", orchlog.Error(err))
		os.Exit(1)
	}

	d, err := daemon.New(cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		MCP:       *mcp,
	})
	if err != nil {
		logger.Error("failed to construct daemon", orchlog.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.DrainTimeout+cfg.Shutdown.CancelGrace+10*time.Second)
		defer shutdownCancel()
		if err := d.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", orchlog.Error(err))
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon exited with error", orchlog.Error(err))
			os.Exit(1)
		}
	}
}

// environMap turns os.Environ()'s "KEY=VALUE" pairs into a map so the
// secret masker can scan variable names for its credential-shaped suffixes.
func environMap() map[string]string {
	env := os.Environ()
	out := make(map[string]string, len(env))
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}
