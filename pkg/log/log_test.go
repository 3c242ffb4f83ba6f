package log

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerGroupAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("trigger", &buf).WithGroup("users").With("path", "users/a")

	l.Infof("hello %s", "world")
	l.Criticalf("broken")

	got := entries(t, &buf)
	require.Len(t, got, 2)

	assert.Equal(t, "info", got[0]["level"])
	assert.Equal(t, "hello world", got[0]["message"])
	assert.Equal(t, "trigger", got[0]["logger"])
	assert.Equal(t, "users", got[0]["group"])
	assert.Equal(t, "users/a", got[0]["path"])
	assert.Contains(t, got[0]["caller"], "log_test.go")

	assert.Equal(t, "error", got[1]["level"])
	assert.Equal(t, "CRITICAL", got[1]["severity"])
	assert.Equal(t, "users", l.Group())
}

func TestStepEndOnce(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("scheduler", &buf)

	prev := zerolog.GlobalLevel()
	SetGlobalLevel(zerolog.DebugLevel)
	defer SetGlobalLevel(prev)

	s := l.StartStep("nightly")
	first := s.End()
	second := s.End()
	assert.Equal(t, first, second)

	got := entries(t, &buf)
	require.Len(t, got, 2)
	assert.Equal(t, "nightly", got[0]["step"])
	assert.Equal(t, "step nightly started", got[0]["message"])
	assert.Equal(t, "step nightly finished", got[1]["message"])
	assert.Equal(t, s.ID(), got[1]["step_id"])
	assert.Contains(t, got[1], "elapsed_ms")
	assert.Contains(t, got[0]["caller"], "step.go")
	assert.Contains(t, got[1]["caller"], "log_test.go")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)

	lvl, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
