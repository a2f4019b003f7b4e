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

func newRejectCommand() *cobra.Command {
	var (
		feedback      string
		correlationID string
	)

	cmd := &cobra.Command{
		Use:   "reject WORKFLOW_ID --feedback TEXT",
		Short: "Reject the pending plan for a workflow, failing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := newClient().Reject(cmd.Context(), args[0], feedback, correlationID)
			if err != nil {
				return err
			}
			fmt.Printf("workflow %s rejected (status=%s)\n", wf.ID, wf.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "reviewer feedback recorded on the rejection event (required)")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "id echoed back on the resulting event")
	cmd.MarkFlagRequired("feedback")
	return cmd
}
