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
	"gopkg.in/yaml.v3"

	"blockfs/internal/config"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change global settings",
	Long: `Show the global settings (` + "`" + `settings.yaml` + "`" + ` in the config directory).

Keys:
  log_level                     trace, debug, info, warn, error, off
  temp_dir                      directory for unsaved projects
  skip_cleanup                  keep unsaved projects' blocks after exit
  max_block_samples             largest block written, in samples
  sample_format                 int16, int24, float32
  fsck.ignore                   comma separated gitignore patterns
  fsck.ignore_non_block_files   only report unknown .au/.auf/.abf files`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", config.SettingsPath())
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(settings)
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := settings.Set(args[0], args[1]); err != nil {
			return err
		}
		if err := config.SaveSettings(settings); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s set\n", args[0])
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)
}
