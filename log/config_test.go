/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

package log

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Level = "verbose"
	require.ErrorContains(t, cfg.Validate(), "unknown log level")

	cfg = NewDefaultConfig()
	cfg.Format = "xml"
	require.ErrorContains(t, cfg.Validate(), "unknown log format")

	cfg = NewDefaultConfig()
	cfg.Output = "syslog"
	require.ErrorContains(t, cfg.Validate(), "unknown log output")

	cfg = NewDefaultConfig()
	cfg.Output = OutputFile
	require.ErrorContains(t, cfg.Validate(), "file path should be specified")
	cfg.File.Path = "/var/log/gatekit.log"
	require.NoError(t, cfg.Validate())
}
