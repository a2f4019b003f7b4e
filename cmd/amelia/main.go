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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	orchestratorcmd "github.com/amelia-dev/orchestrator/internal/commands/orchestrator"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "amelia",
		Short: "amelia drives workflows against a running orchestratord",
		Long: `amelia is the client for orchestratord: it starts workflows,
resolves approval gates, and streams their events, all over
orchestratord's REST and WebSocket API.

Run 'amelia start' to kick off a workflow and 'amelia watch' to
follow one as it runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	orchestratorcmd.RegisterFlags(cmd)
	cmd.AddCommand(orchestratorcmd.NewCommands()...)

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
