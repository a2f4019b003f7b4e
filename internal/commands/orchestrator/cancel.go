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

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel WORKFLOW_ID",
		Short: "Cancel a workflow's executor task and resolve any open approval gate",
		Long:  "Cancel is idempotent: cancelling an already-terminal workflow succeeds without effect.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := newClient().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("workflow %s cancelled (status=%s)\n", wf.ID, wf.Status)
			return nil
		},
	}
	return cmd
}
