// Copyright 2024 BlockFS Authors
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

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"blockfs/internal/project"
)

var safeRenameCmd = &cobra.Command{
	Use:   "safe-rename <project.bfp> <file>",
	Short: "Move an aliased file aside before overwriting it",
	Long: `If blocks of the project reference <file>, rename it to
<stem>-oldN<ext> and point the blocks at the new name, so that <file> can be
overwritten without damaging the project. Files no block references are
left alone.`,
	Args: cobra.ExactArgs(2),
	RunE: runSafeRename,
}

func init() {
	rootCmd.AddCommand(safeRenameCmd)
}

func runSafeRename(cmd *cobra.Command, args []string) error {
	return withProject(cmd.Context(), args[0], project.Options{}, func(p *project.Project) error {
		renamed, err := p.EnsureSafeFilename(cmd.Context(), args[1])
		if err != nil {
			return err
		}
		if renamed == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is not referenced by the project\n", args[1])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %s\n", args[1], renamed)
		return nil
	})
}
