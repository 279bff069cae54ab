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

var initCmd = &cobra.Command{
	Use:   "init <project.bfp>",
	Short: "Create an empty project",
	Long: `Create an empty project: the manifest <name>.bfp and its data directory
<name>_data in the same directory.

Examples:
  blockfs init song.bfp
  blockfs init ~/music/live/set1.bfp`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := args[0]
	if !strings.HasSuffix(path, manifest.Ext) {
		path += manifest.Ext
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	dir, name, err := project.SplitManifestPath(absPath)
	if err != nil {
		return err
	}

	env, err := newEnv()
	if err != nil {
		return err
	}
	defer env.Close()
	p, err := project.New(env, *settings, project.Options{Metrics: metrics})
	if err != nil {
		return err
	}
	defer p.Close()
	if err := p.SaveAs(cmd.Context(), dir, name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Initialized empty project %s\n", p.Path())
	return nil
}
