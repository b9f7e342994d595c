package logx

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"loud":    zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestZeroAndNop(t *testing.T) {
	t.Parallel()
	var l Logger
	assert.True(t, l.IsZero())
	assert.False(t, Nop().IsZero())
	assert.NotPanics(t, func() {
		l.Info("dropped", String("k", "v"), Err(nil))
		Nop().With(Int("n", 1)).Error("dropped")
	})
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestFileSinkAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backupd.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	child := log.With(String("comp", "test"))
	child.Debug("hidden")
	child.Info("hello", Int("n", 2), Err(errors.New("boom")))

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	child.Debug("now visible")

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "hello", lines[0]["message"])
	assert.Equal(t, "test", lines[0]["comp"])
	assert.Equal(t, float64(2), lines[0]["n"])
	assert.Equal(t, "boom", lines[0]["err"])
	assert.Contains(t, lines[0]["caller"], "logx_test.go:")
	assert.Equal(t, "now visible", lines[1]["message"])

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
}
