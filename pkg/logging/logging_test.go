package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pario-ai/weave/pkg/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"trace":   zerolog.TraceLevel,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weave.log")
	l, closer, err := New(config.LogConfig{Level: "debug", File: path})
	require.NoError(t, err)

	cl := Component(l, "cache")
	cl.Debug().Str("key", "k1").Msg("stored")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.True(t, strings.Contains(line, `"component":"cache"`), line)
	assert.True(t, strings.Contains(line, `"message":"stored"`), line)
}

func TestNewEnvOverride(t *testing.T) {
	t.Setenv(EnvLevel, "error")
	l, closer, err := New(config.LogConfig{Level: "debug"})
	require.NoError(t, err)
	defer closer.Close()
	assert.Equal(t, zerolog.ErrorLevel, l.GetLevel())
}

func TestNewBadPath(t *testing.T) {
	_, _, err := New(config.LogConfig{File: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}
