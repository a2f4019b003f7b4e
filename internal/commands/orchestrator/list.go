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

	"github.com/spf13/cobra"

	"github.com/amelia-dev/orchestrator/internal/client"
	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
)

func newListCommand() *cobra.Command {
	var (
		status string
		limit  int
		active bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			var workflows []*orchestrator.Workflow
			if active {
				wfs, err := c.Active(cmd.Context())
				if err != nil {
					return err
				}
				workflows = wfs
			} else {
				resp, err := c.List(cmd.Context(), client.ListOptions{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				workflows = resp.Workflows
			}
			if len(workflows) == 0 {
				fmt.Println("no workflows")
				return nil
			}
			fmt.Printf("%-36s  %-12s  %-20s  %s\n", "ID", "STATUS", "STAGE", "WORKTREE")
			for _, wf := range workflows {
				fmt.Printf("%-36s  %-12s  %-20s  %s\n", wf.ID, wf.Status, wf.CurrentStage, wf.WorktreePath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by workflow status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of workflows to return")
	cmd.Flags().BoolVar(&active, "active", false, "show only non-terminal workflows")
	return cmd
}
