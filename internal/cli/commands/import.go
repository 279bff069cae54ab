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

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"blockfs/internal/project"
)

var (
	importTrack    string
	importAlias    bool
	importChannel  int
	importChannels int
)

var importCmd = &cobra.Command{
	Use:   "import <project.bfp> <file.raw>",
	Short: "Append raw float32 audio to a track",
	Long: `Append a file of little-endian float32 samples to a track and save.

By default the samples are copied into new blocks. With --alias the file is
referenced in place: blocks record only the file path, channel and offset,
and the file must stay where it is.

Examples:
  blockfs import song.bfp drums.raw --track drums
  blockfs import song.bfp stereo.raw --alias --channels 2 --channel 1`,
	Args: cobra.ExactArgs(2),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVarP(&importTrack, "track", "t", "", "track name (default: file name)")
	importCmd.Flags().BoolVar(&importAlias, "alias", false, "reference the file instead of copying it")
	importCmd.Flags().IntVar(&importChannel, "channel", 0, "channel to reference with --alias")
	importCmd.Flags().IntVar(&importChannels, "channels", 1, "interleaved channels in the file with --alias")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	src := args[1]
	track := importTrack
	if track == "" {
		track = strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	}

	opts := project.Options{}
	if importAlias {
		opts.Channels = importChannels
	}
	return withProject(cmd.Context(), args[0], opts, func(p *project.Project) error {
		var n int64
		var err error
		if importAlias {
			n, err = p.ImportAlias(src, importChannel, track)
		} else {
			n, err = p.Import(src, track)
		}
		if err != nil {
			return err
		}
		if err := p.Save(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %s samples into track %q\n", humanize.Comma(n), track)
		return nil
	})
}
