package plugin

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBuffer(t *testing.T) {
	t.Run("newest first", func(t *testing.T) {
		buf := NewLogBuffer(10)
		buf.Add(LogEntry{Plugin: "p", Level: "info", Message: "one"})
		buf.Add(LogEntry{Plugin: "p", Level: "error", Message: "two"})

		entries := buf.Recent("", 0)
		require.Len(t, entries, 2)
		assert.Equal(t, "two", entries[0].Message)
		assert.Equal(t, "error", entries[0].Level)
	})

	t.Run("ring overflow", func(t *testing.T) {
		buf := NewLogBuffer(3)
		for i := 1; i <= 4; i++ {
			buf.Add(LogEntry{Plugin: "p", Message: fmt.Sprintf("msg%d", i)})
		}
		entries := buf.Recent("", 0)
		require.Len(t, entries, 3)
		assert.Equal(t, "msg4", entries[0].Message)
		assert.Equal(t, "msg2", entries[2].Message)
		assert.Equal(t, 3, buf.Count())
	})

	t.Run("filter and limit", func(t *testing.T) {
		buf := NewLogBuffer(10)
		buf.Add(LogEntry{Plugin: "a", Message: "a1"})
		buf.Add(LogEntry{Plugin: "b", Message: "b1"})
		buf.Add(LogEntry{Plugin: "a", Message: "a2"})
		buf.Add(LogEntry{Plugin: "a", Message: "a3"})

		entries := buf.Recent("a", 2)
		require.Len(t, entries, 2)
		assert.Equal(t, "a3", entries[0].Message)
		assert.Equal(t, "a2", entries[1].Message)

		assert.Empty(t, buf.Recent("c", 0))
	})

	t.Run("default size", func(t *testing.T) {
		buf := NewLogBuffer(0)
		assert.Equal(t, defaultLogBufferSize, buf.maxSize)
	})
}

func TestBufferHandler(t *testing.T) {
	buf := NewLogBuffer(10)
	logger := slog.New(newBufferHandler(quietLogger().Handler(), buf, "demo"))

	logger.With("conn", "crm").WithGroup("req").Warn("slow", "ms", 1200)
	logger.Debug("hidden")

	entries := buf.Recent("demo", 0)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "warn", e.Level)
	assert.Equal(t, "slow", e.Message)
	assert.Equal(t, "crm", e.Fields["conn"])
	assert.Equal(t, int64(1200), e.Fields["req.ms"])
	assert.WithinDuration(t, time.Now(), e.Timestamp, time.Minute)
}
