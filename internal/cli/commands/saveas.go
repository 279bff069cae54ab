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
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"blockfs/internal/manifest"
	"blockfs/internal/project"
)

var saveAsCmd = &cobra.Command{
	Use:   "save-as <project.bfp> <new.bfp>",
	Short: "Save a copy of a project under a new name",
	Long: `Copy a project to a new manifest and data directory. The original
project is left untouched.

Examples:
  blockfs save-as song.bfp backup/song-v2.bfp`,
	Args: cobra.ExactArgs(2),
	RunE: runSaveAs,
}

func init() {
	rootCmd.AddCommand(saveAsCmd)
}

func runSaveAs(cmd *cobra.Command, args []string) error {
	target := args[1]
	if !strings.HasSuffix(target, manifest.Ext) {
		target += manifest.Ext
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	dir, name, err := project.SplitManifestPath(absTarget)
	if err != nil {
		return err
	}
	return withProject(cmd.Context(), args[0], project.Options{}, func(p *project.Project) error {
		if err := p.SaveAs(cmd.Context(), dir, name); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", p.Path())
		return nil
	})
}
