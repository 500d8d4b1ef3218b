package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"verbose": LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	SetJSON(true)
	SetOutput(zapcore.AddSync(&buf))
	t.Cleanup(func() {
		SetJSON(false)
		SetLevel(LevelInfo)
	})

	SetLevel(LevelWarn)
	Info("dropped")
	Warn("kept", "who", "ip:10.0.0.1")
	Error("failed", errors.New("boom"), "method", "extract")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var warn map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &warn))
	assert.Equal(t, "WARN", warn["level"])
	assert.Equal(t, "kept", warn["msg"])
	assert.Equal(t, "ip:10.0.0.1", warn["who"])
	assert.Contains(t, warn, "ts")

	var failed map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &failed))
	assert.Equal(t, "ERROR", failed["level"])
	assert.Equal(t, "boom", failed["err"])
	assert.Equal(t, "extract", failed["method"])
}
