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

package orchestrator

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/amelia-dev/orchestrator/internal/authn"
)

func newTokenCommand() *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token --subject NAME",
		Short: "Mint a bearer token for a daemon running with auth enabled",
		Long: `Token signs a JWT against the same shared secret the daemon
validates incoming requests with (ORCHESTRATOR_AUTH_TOKEN in its
config). It talks only to the local signer, never to the daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("ORCHESTRATOR_AUTH_TOKEN")
			}
			if secret == "" {
				return fmt.Errorf("--secret or ORCHESTRATOR_AUTH_TOKEN must be set")
			}
			signed, err := authn.Issue(secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (defaults to ORCHESTRATOR_AUTH_TOKEN)")
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, e.g. the operator's name (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.MarkFlagRequired("subject")
	return cmd
}
