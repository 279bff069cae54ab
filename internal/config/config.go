// Package config loads the global BlockFS settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"blockfs/internal/artifacts"
	"blockfs/internal/blockfile"
)

// ConfigDir returns the configuration directory.
// Uses BLOCKFS_CONFIG_DIR if set, otherwise ~/.blockfs. Computed on every
// call so tests can isolate themselves with t.Setenv.
func ConfigDir() string {
	if dir := os.Getenv("BLOCKFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".blockfs")
}

// SettingsPath returns the global settings file path.
func SettingsPath() string {
	return filepath.Join(ConfigDir(), "settings.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	return os.MkdirAll(ConfigDir(), 0o700)
}

// InitConfigDir creates the config directory and writes the default
// settings file if there is none.
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	path := SettingsPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := renameio.WriteFile(path, artifacts.GlobalSettings, 0o600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// FSCKSettings tunes the consistency checker.
type FSCKSettings struct {
	Ignore              []string `yaml:"ignore"`
	IgnoreNonBlockFiles bool     `yaml:"ignore_non_block_files"`
}

// Settings are the global settings.
type Settings struct {
	LogLevel        string       `yaml:"log_level"` // trace, debug, info, warn, error, off
	TempDir         string       `yaml:"temp_dir"`
	SkipCleanup     bool         `yaml:"skip_cleanup"`
	MaxBlockSamples int64        `yaml:"max_block_samples"`
	SampleFormat    string       `yaml:"sample_format"`
	FSCK            FSCKSettings `yaml:"fsck"`
}

// Defaults returns the settings embedded in the binary.
func Defaults() Settings {
	var s Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &s); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return s
}

// LoadSettings reads the settings file over the embedded defaults. Keys
// missing from the file keep their default. A missing file yields the
// defaults.
func LoadSettings() (*Settings, error) {
	s := Defaults()
	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &s, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", SettingsPath(), err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", SettingsPath(), err)
	}
	return &s, nil
}

// SaveSettings writes s atomically.
func SaveSettings(s *Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	header := []byte("# BlockFS settings\n# See: blockfs settings --help\n\n")
	return renameio.WriteFile(SettingsPath(), append(header, data...), 0o600)
}

// Validate checks value ranges and enumerations.
func (s *Settings) Validate() error {
	if _, err := ParseLogLevel(s.LogLevel); err != nil {
		return err
	}
	if _, err := blockfile.ParseFormat(s.SampleFormat); err != nil {
		return err
	}
	if s.MaxBlockSamples <= 0 {
		return fmt.Errorf("max_block_samples must be positive, got %d", s.MaxBlockSamples)
	}
	return nil
}

// Format returns the parsed sample format.
func (s *Settings) Format() blockfile.SampleFormat {
	f, err := blockfile.ParseFormat(s.SampleFormat)
	if err != nil {
		return blockfile.FormatFloat32
	}
	return f
}

// TempRoot returns the directory for scratch roots.
func (s *Settings) TempRoot() string {
	if s.TempDir != "" {
		return s.TempDir
	}
	return filepath.Join(os.TempDir(), "blockfs")
}

// ParseLogLevel maps a settings log level to a logrus level. "off" and ""
// map to PanicLevel, which silences everything the engine logs.
func ParseLogLevel(level string) (log.Level, error) {
	switch strings.ToLower(level) {
	case "", "off", "none":
		return log.PanicLevel, nil
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	}
	return 0, fmt.Errorf("unknown log level %q", level)
}

// Set updates one setting from its YAML key, as used by `blockfs settings
// set`. List values are comma separated.
func (s *Settings) Set(key, value string) error {
	switch key {
	case "log_level":
		s.LogLevel = value
	case "temp_dir":
		s.TempDir = value
	case "sample_format":
		s.SampleFormat = value
	case "skip_cleanup":
		return s.setScalar(key, value, &s.SkipCleanup)
	case "max_block_samples":
		return s.setScalar(key, value, &s.MaxBlockSamples)
	case "fsck.ignore_non_block_files":
		return s.setScalar(key, value, &s.FSCK.IgnoreNonBlockFiles)
	case "fsck.ignore":
		s.FSCK.Ignore = nil
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				s.FSCK.Ignore = append(s.FSCK.Ignore, p)
			}
		}
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return s.Validate()
}

func (s *Settings) setScalar(key, value string, target any) error {
	if err := yaml.Unmarshal([]byte(value), target); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return s.Validate()
}
