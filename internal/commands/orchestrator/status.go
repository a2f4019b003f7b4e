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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status WORKFLOW_ID",
		Short: "Show a workflow's current status, stage, and recent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := newClient().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(detail)
			}
			fmt.Printf("id:             %s\n", detail.ID)
			fmt.Printf("status:         %s\n", detail.Status)
			fmt.Printf("stage:          %s\n", detail.CurrentStage)
			fmt.Printf("worktree:       %s\n", detail.WorktreePath)
			if detail.FailureReason != "" {
				fmt.Printf("failure reason: %s\n", detail.FailureReason)
			}
			fmt.Printf("total cost:     $%.4f\n", detail.TotalCostUSD)
			fmt.Printf("recent events:  %d\n", len(detail.RecentEvents))
			for _, e := range detail.RecentEvents {
				fmt.Printf("  [%d] %-24s %s\n", e.Sequence, e.EventType, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full workflow detail as JSON")
	return cmd
}
