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
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"blockfs/internal/cli/output"
	"blockfs/internal/config"
	"blockfs/internal/dirmanager"
	"blockfs/internal/project"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var (
	verbose     bool
	showMetrics bool
	settings    *config.Settings
	registry    = prometheus.NewRegistry()
	metrics     = dirmanager.NewMetrics(registry)
)

var rootCmd = &cobra.Command{
	Use:   "blockfs",
	Short: "Block-file storage for audio projects",
	Long: `Block-file storage for audio projects.

Audio is kept as many small block files under <name>_data next to the
project manifest <name>.bfp. These commands create, inspect, relocate and
repair such projects.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if err := config.InitConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		s, err := config.LoadSettings()
		if err != nil {
			return err
		}
		settings = s
		level, _ := config.ParseLogLevel(s.LogLevel)
		if verbose {
			level = log.DebugLevel
		}
		log.SetLevel(level)
		log.SetOutput(cmd.ErrOrStderr())
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if !showMetrics {
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return printMetrics(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("blockfs version {{.Version}}\n")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log engine activity to stderr")
	rootCmd.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "print engine counters after the command")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// printMetrics writes the engine counters gathered during this run.
func printMetrics(w io.Writer) error {
	families, err := registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	data := output.NewTableData("Metric", "Labels", "Value")
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			value := m.GetCounter().GetValue()
			if g := m.GetGauge(); g != nil {
				value = g.GetValue()
			}
			data.AddRow(mf.GetName(), strings.Join(labels, ","), strconv.FormatFloat(value, 'f', -1, 64))
		}
	}
	output.PrintTable(w, data)
	return nil
}

// newEnv creates the process-wide environment from the loaded settings.
func newEnv() (*dirmanager.Env, error) {
	return dirmanager.NewEnv(osfs.New("/"), settings.TempRoot(), settings.SkipCleanup)
}

// withProject opens the project at path, runs fn and closes everything.
func withProject(ctx context.Context, path string, opts project.Options, fn func(*project.Project) error) (err error) {
	env, err := newEnv()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := env.Close(); err == nil {
			err = cerr
		}
	}()
	opts.Metrics = metrics
	p, err := project.Open(ctx, env, *settings, path, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(p)
}
