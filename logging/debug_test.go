package logging

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, lvl zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(lvl)
	SetLogger(zap.New(core))
	t.Cleanup(func() {
		SetLogger(nil)
		SetFilter("")
	})
	return logs
}

func TestDebugHelpers(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel)

	DebugLog("EIP", "session 0x%08X", 0x1234)
	DebugTX("EIP", []byte{0x65, 0x00})
	DebugConnectError("eip", "10.0.0.1:44818", errors.New("refused"))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "session 0x00001234", entries[0].Message)
	assert.Equal(t, "eip", entries[0].LoggerName)
	assert.Equal(t, "TX", entries[1].Message)
	assert.Equal(t, int64(2), entries[1].ContextMap()["bytes"])
	assert.Equal(t, "connect failed", entries[2].Message)
}

func TestDebugDisabledAtInfo(t *testing.T) {
	logs := observe(t, zapcore.InfoLevel)

	DebugLog("eip", "hidden")
	DebugRX("eip", []byte{1})
	assert.Zero(t, logs.Len())
}

func TestSetFilter(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel)

	SetFilter("logix")
	DebugLog("eip", "kept via logix")
	DebugLog("mqtt", "dropped")
	DebugLog("LOGIX", "kept")

	assert.Equal(t, 2, logs.Len())
	assert.Equal(t, 1, logs.FilterMessage("kept via logix").Len())
}

func TestHexDump(t *testing.T) {
	assert.Equal(t, "    (empty)", hexDump(nil))

	data := []byte("e\x00\x04\x00ABCDEFGHIJKLMNOPQRS")
	dump := hexDump(data)
	assert.Contains(t, dump, "0000: 65 00 04 00 41 42 43 44  45 46 47 48 49 4A 4B 4C  e...ABCDEFGHIJKL")
	assert.Contains(t, dump, "0010: 4D 4E 4F 50 51 52 53")
}

func TestNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eiptag.log")
	l, closeFn, err := New(Config{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)
	l.Info("hello", zap.String("plc", "line1"))
	require.NoError(t, closeFn())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"msg":"hello"`)
	assert.Contains(t, string(content), `"plc":"line1"`)

	_, _, err = New(Config{Level: "loud"})
	assert.Error(t, err)
	_, _, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)
}
