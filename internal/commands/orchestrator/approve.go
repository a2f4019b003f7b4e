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
)

func newApproveCommand() *cobra.Command {
	var correlationID string

	cmd := &cobra.Command{
		Use:   "approve WORKFLOW_ID",
		Short: "Approve the pending plan for a workflow blocked on its approval gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := newClient().Approve(cmd.Context(), args[0], correlationID)
			if err != nil {
				return err
			}
			fmt.Printf("workflow %s approved (status=%s)\n", wf.ID, wf.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "id echoed back on the resulting event")
	return cmd
}
