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
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"blockfs/internal/blockfile"
	"blockfs/internal/cli/output"
	"blockfs/internal/project"
)

var statCmd = &cobra.Command{
	Use:   "stat <project.bfp>",
	Short: "Show tracks and block usage of a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runStat,
}

func init() {
	rootCmd.AddCommand(statCmd)
}

func runStat(cmd *cobra.Command, args []string) error {
	return withProject(cmd.Context(), args[0], project.Options{}, func(p *project.Project) error {
		w := cmd.OutOrStdout()
		m := p.Manager()
		st := m.Stats()

		output.SimpleTable(w, [][2]string{
			{"Project", p.Path()},
			{"Data directory", m.Root()},
			{"Blocks", strconv.Itoa(st.Blocks)},
			{"Samples", humanize.Comma(st.TotalSamples)},
			{"Disk usage", humanize.IBytes(uint64(st.DiskBytes))},
			{"Aliased files", strconv.Itoa(st.AliasPaths)},
			{"Shards dynamited", strconv.Itoa(m.Balancer().Dynamited())},
		})
		fmt.Fprintln(w)

		kinds := output.NewTableData("Kind", "Blocks")
		for _, k := range []blockfile.Kind{blockfile.KindSimple, blockfile.KindAlias, blockfile.KindSilent, blockfile.KindLegacy} {
			kinds.AddRow(k.String(), strconv.Itoa(st.ByKind[k]))
		}
		output.PrintTable(w, kinds)
		fmt.Fprintln(w)

		tracks := output.NewTableData("Track", "Slots", "Samples", "Undo states")
		for _, t := range p.Tracks() {
			s := t.History.Current()
			tracks.AddRow(t.Name, strconv.Itoa(len(s.Blocks())), humanize.Comma(s.Len()), strconv.Itoa(t.History.Len()))
		}
		output.PrintTable(w, tracks)

		if paths := m.AliasPaths(); len(paths) > 0 {
			fmt.Fprintln(w)
			aliases := output.NewTableData("Aliased file")
			for _, path := range slices.Sorted(slices.Values(paths)) {
				aliases.AddRow(path)
			}
			output.PrintTable(w, aliases)
		}
		return nil
	})
}
