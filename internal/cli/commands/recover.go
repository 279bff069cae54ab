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

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"blockfs/internal/common"
	"blockfs/internal/dirmanager"
	"blockfs/internal/project"
)

var recoverCmd = &cobra.Command{
	Use:   "recover <project.bfp>",
	Short: "Roll back an interrupted relocation",
	Long: `Undo a save-as that was interrupted after it started moving blocks into
<name>_data. Opening a project does this automatically; this command only
does the rollback, without opening the project.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	dir, name, err := project.SplitManifestPath(args[0])
	if err != nil {
		return err
	}
	root := filepath.Join(dir, common.DataDirName(name))
	n, err := dirmanager.RecoverRelocation(osfs.New("/"), root)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to recover")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored %d files\n", n)
	return nil
}
