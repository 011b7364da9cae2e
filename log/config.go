/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

package log

import (
	"fmt"

	"github.com/ssgreg/logf"
)

// Level defines possible values for log levels.
type Level string

// Log levels.
const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

// Format defines possible values for log formats.
type Format string

// Log formats.
const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Output defines possible values for log outputs.
type Output string

// Log outputs.
const (
	OutputStdout Output = "stdout"
	OutputStderr Output = "stderr"
	OutputFile   Output = "file"
)

// FileRotationConfig is a configuration for log file rotation.
type FileRotationConfig struct {
	MaxSizeMB  int  `mapstructure:"maxSizeMb" yaml:"maxSizeMb" json:"maxSizeMb"`
	MaxBackups int  `mapstructure:"maxBackups" yaml:"maxBackups" json:"maxBackups"`
	MaxAgeDays int  `mapstructure:"maxAgeDays" yaml:"maxAgeDays" json:"maxAgeDays"`
	Compress   bool `mapstructure:"compress" yaml:"compress" json:"compress"`
}

// FileOutputConfig is a configuration for file log output.
type FileOutputConfig struct {
	Path     string             `mapstructure:"path" yaml:"path" json:"path"`
	Rotation FileRotationConfig `mapstructure:"rotation" yaml:"rotation" json:"rotation"`
}

// Config represents a set of configuration parameters for logging.
type Config struct {
	Level   Level            `mapstructure:"level" yaml:"level" json:"level"`
	Format  Format           `mapstructure:"format" yaml:"format" json:"format"`
	Output  Output           `mapstructure:"output" yaml:"output" json:"output"`
	NoColor bool             `mapstructure:"noColor" yaml:"noColor" json:"noColor"`
	File    FileOutputConfig `mapstructure:"file" yaml:"file" json:"file"`
}

// NewDefaultConfig creates a new Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: OutputStdout,
		File: FileOutputConfig{
			Rotation: FileRotationConfig{MaxSizeMB: 250, MaxBackups: 10},
		},
	}
}

// Validate checks that all configuration parameters have valid values.
func (c *Config) Validate() error {
	switch c.Level {
	case LevelError, LevelWarn, LevelInfo, LevelDebug:
	default:
		return fmt.Errorf("unknown log level %q", c.Level)
	}
	switch c.Format {
	case FormatJSON, FormatText:
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
	switch c.Output {
	case OutputStdout, OutputStderr:
	case OutputFile:
		if c.File.Path == "" {
			return fmt.Errorf("file path should be specified for %q log output", OutputFile)
		}
	default:
		return fmt.Errorf("unknown log output %q", c.Output)
	}
	return nil
}

func (l Level) toLogfLevel() logf.Level {
	switch l {
	case LevelError:
		return logf.LevelError
	case LevelWarn:
		return logf.LevelWarn
	case LevelDebug:
		return logf.LevelDebug
	}
	return logf.LevelInfo
}
