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

// Package orchestrator implements the amelia CLI's workflow
// subcommands: start, approve, reject, cancel, status, list, watch,
// and token, all driven through internal/client against a running
// orchestratord.
package orchestrator

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/amelia-dev/orchestrator/internal/client"
)

// globalFlags are registered on the parent command and read by every
// subcommand via rootFlags.
type globalFlags struct {
	host  string
	token string
}

var flags globalFlags

// RegisterFlags adds the --host and --token persistent flags to cmd,
// shared by every orchestrator subcommand.
func RegisterFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&flags.host, "host", envOr(client.HostEnv, "http://localhost:8080"), "orchestratord base URL")
	cmd.PersistentFlags().StringVar(&flags.token, "token", os.Getenv(client.TokenEnv), "bearer token, if the daemon requires auth")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient() *client.Client {
	var opts []client.Option
	if flags.token != "" {
		opts = append(opts, client.WithToken(flags.token))
	}
	return client.New(flags.host, opts...)
}

// NewCommands returns every orchestrator subcommand, for the root
// command to mount directly (there is no "orchestrator" group prefix;
// these read naturally as top-level amelia verbs).
func NewCommands() []*cobra.Command {
	return []*cobra.Command{
		newStartCommand(),
		newApproveCommand(),
		newRejectCommand(),
		newCancelCommand(),
		newStatusCommand(),
		newListCommand(),
		newWatchCommand(),
		newTokenCommand(),
	}
}
