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
	"io"

	"github.com/spf13/cobra"

	"blockfs/internal/blockfile"
	"blockfs/internal/cli/prompt"
	"blockfs/internal/dirmanager"
	"blockfs/internal/project"
)

var (
	fsckYes     bool
	fsckAnswers []string
	fsckDryRun  bool
)

var fsckCmd = &cobra.Command{
	Use:   "fsck <project.bfp>",
	Short: "Check a project's data directory and repair it",
	Long: `Compare the data directory with the blocks the manifest references and
repair what is wrong. Problems are handled category by category:

  orphans                files no block owns
  missing_alias_sources  aliased files that no longer exist
  missing_summaries      preview files that can be rebuilt
  missing_data           blocks whose audio is gone

Without flags every category is asked about interactively. --yes takes the
least destructive answer everywhere; --answer overrides single categories.

Examples:
  blockfs fsck song.bfp
  blockfs fsck song.bfp --dry-run
  blockfs fsck song.bfp --yes --answer orphans=delete --answer missing_data=silence`,
	Args: cobra.ExactArgs(1),
	RunE: runFSCK,
}

func init() {
	fsckCmd.Flags().BoolVarP(&fsckYes, "yes", "y", false, "do not prompt; use default answers")
	fsckCmd.Flags().StringArrayVar(&fsckAnswers, "answer", nil, "category=policy answer (repeatable)")
	fsckCmd.Flags().BoolVar(&fsckDryRun, "dry-run", false, "only report problems")
	rootCmd.AddCommand(fsckCmd)
}

func runFSCK(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	var chooser dirmanager.Chooser = prompt.Chooser{Out: w}
	if fsckYes || len(fsckAnswers) > 0 {
		fixed, err := prompt.ParseAnswers(fsckAnswers)
		if err != nil {
			return err
		}
		chooser = fixed
	}

	return withProject(cmd.Context(), args[0], project.Options{}, func(p *project.Project) error {
		if fsckDryRun {
			problems, err := p.Manager().Scan()
			if err != nil {
				return err
			}
			printProblems(w, problems)
			return nil
		}
		res, err := p.FSCK(cmd.Context(), chooser)
		if err != nil {
			return err
		}
		printResult(w, res)
		return nil
	})
}

func printProblems(w io.Writer, p *dirmanager.Problems) {
	if p.Empty() {
		fmt.Fprintln(w, "No problems found")
		return
	}
	fmt.Fprintf(w, "%d orphan files\n", len(p.Orphans))
	for _, o := range p.Orphans {
		fmt.Fprintf(w, "  %s\n", o)
	}
	for _, group := range []struct {
		label  string
		blocks []*blockfile.BlockFile
	}{
		{"missing alias sources", p.MissingAliasSources},
		{"missing summaries", p.MissingSummaries},
		{"missing data", p.MissingData},
	} {
		fmt.Fprintf(w, "%d blocks with %s\n", len(group.blocks), group.label)
		for _, b := range group.blocks {
			fmt.Fprintf(w, "  %s\n", b)
		}
	}
}

func printResult(w io.Writer, res dirmanager.Result) {
	if res.Found == 0 {
		fmt.Fprintln(w, "No problems found")
		return
	}
	fmt.Fprintf(w, "Found %d problems\n", res.Found)
	if res.DeletedOrphans > 0 {
		fmt.Fprintf(w, "  deleted %d orphan files\n", res.DeletedOrphans)
	}
	if res.IgnoredOrphans > 0 {
		fmt.Fprintf(w, "  left %d orphan files in place\n", res.IgnoredOrphans)
	}
	if res.Regenerated > 0 {
		fmt.Fprintf(w, "  regenerated %d summaries\n", res.Regenerated)
	}
	if res.Silenced > 0 {
		fmt.Fprintf(w, "  replaced %d blocks with silence\n", res.Silenced)
	}
	if res.SessionSilenced > 0 {
		fmt.Fprintf(w, "  %d blocks will be reported again next time\n", res.SessionSilenced)
	}
	if res.PrunedDirs > 0 {
		fmt.Fprintf(w, "  removed %d empty directories\n", res.PrunedDirs)
	}
	if res.Status.Has(dirmanager.StatusCloseRequested) {
		fmt.Fprintln(w, "Aborted; the manifest was not changed")
	}
}
