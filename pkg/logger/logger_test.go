package logger

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStdLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewStdLoggerTo(log.New(&buf, "", 0), false, NoticeLevel)

	l.Debug("debug %d", 1)
	l.Info("info %d", 2)
	l.Notice("notice %d", 3)
	l.Error("error %d", 4)

	assert.Equal(t, "[NOTICE] notice 3\n[ERROR]  error 4\n", buf.String())
}

func TestStdLoggerKindPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := NewStdLoggerTo(log.New(&buf, "", 0), false, DebugLevel)

	l.InfoWithKind("SWAP", "settled %s", "abc")
	l.ErrorWithKind("LPREM", "payout failed")
	l.DebugWithKind("CUSTOM", "x")

	assert.Equal(t, "[INFO]   [SWAP]  settled abc\n[ERROR]  [LPREM] payout failed\n[DEBUG]  [CUSTOM] x\n", buf.String())
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, DebugLevel, level)

	level, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, InfoLevel, level)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
