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

	"github.com/spf13/cobra"

	"github.com/amelia-dev/orchestrator/internal/client"
)

func newStartCommand() *cobra.Command {
	var req client.StartRequest

	cmd := &cobra.Command{
		Use:   "start --issue-id ID --worktree PATH",
		Short: "Start a new workflow against a worktree",
		Long: `Start submits a new workflow to orchestratord, which rejects the
request if the worktree is already busy or the daemon is at its
concurrency limit.`,
		Example: `  # Start a workflow, letting the Architect stage produce its own plan
  amelia start --issue-id PROJ-123 --worktree /work/proj

  # Start with a plan pulled from file, skipping the Architect stage
  amelia start --issue-id PROJ-123 --worktree /work/proj --plan-file plan.md`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.PlanFile != "" {
				data, err := os.ReadFile(req.PlanFile)
				if err != nil {
					return fmt.Errorf("read plan file: %w", err)
				}
				req.PlanContent = string(data)
				req.PlanFile = ""
			}
			wf, err := newClient().Start(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("started workflow %s (status=%s)\n", wf.ID, wf.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.IssueID, "issue-id", "", "tracker issue id driving this workflow (required)")
	cmd.Flags().StringVar(&req.WorktreePath, "worktree", "", "absolute path to a git worktree (required)")
	cmd.Flags().StringVar(&req.WorktreeName, "worktree-name", "", "friendly worktree label")
	cmd.Flags().StringVar(&req.Profile, "profile", "", "pipeline name to run (default: implementation)")
	cmd.Flags().StringVar(&req.Driver, "driver", "", "LLM driver override")
	cmd.Flags().StringVar(&req.PlanFile, "plan-file", "", "path to a plan that skips the Architect stage")
	cmd.Flags().StringVar(&req.CorrelationID, "correlation-id", "", "id echoed back on every resulting event")
	cmd.MarkFlagRequired("issue-id")
	cmd.MarkFlagRequired("worktree")

	return cmd
}
