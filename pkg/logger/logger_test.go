package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restore(t *testing.T) {
	saved := *config
	t.Cleanup(func() { SetConfig(&saved) })
}

func TestLogToBuffer(t *testing.T) {
	restore(t)
	var buf bytes.Buffer
	SetConfig(&LoggerConfig{Flag: FLAG_INFO, Identifier: "TEST", Outputs: []io.Writer{&buf}})

	Info("Imported headers", "count", 7)
	Debug("hidden at info level")

	out := buf.String()
	assert.Contains(t, out, "Imported headers")
	assert.Contains(t, out, "count=7")
	assert.Contains(t, out, "id=TEST")
	assert.NotContains(t, out, "hidden at info level")
}

func TestLogJSON(t *testing.T) {
	restore(t)
	var buf bytes.Buffer
	SetConfig(&LoggerConfig{Flag: FLAG_DEBUG, JSON: true, Outputs: []io.Writer{&buf}})

	New("peer", "127.0.0.1:30303").Debug("Task sent", "command", "GetBlockHeaders")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "Task sent", record["msg"])
	assert.Equal(t, "127.0.0.1:30303", record["peer"])
	assert.Equal(t, "GetBlockHeaders", record["command"])
}

func TestLogNoneIsSilent(t *testing.T) {
	restore(t)
	var buf bytes.Buffer
	SetConfig(&LoggerConfig{Flag: FLAG_NONE, Outputs: []io.Writer{&buf}})

	Error("should not appear")
	assert.Zero(t, buf.Len())
}

func TestUseColorOnlyForFiles(t *testing.T) {
	assert.False(t, useColor([]io.Writer{&bytes.Buffer{}}))
	assert.False(t, useColor([]io.Writer{os.Stdout, os.Stderr}))
}
