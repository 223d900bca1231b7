package chatscope

import (
	"bytes"
	"context"
	"errors"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/v2/event"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"testing"
	"time"
)

// testLogHandler returns a handler which only logs warnings and up
func testLogHandler(t testing.TB) slog.Handler {
	t.Helper()
	return tint.NewHandler(
		os.Stdout,
		&tint.Options{Level: slog.LevelWarn, AddSource: true},
	).WithAttrs([]slog.Attr{slog.String("test_name", t.Name())})
}

func newBufferHandler(buf *bytes.Buffer) slog.Handler {
	return slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func TestGORMLogger_Trace(t *testing.T) {
	t.Parallel()
	sql := func() (string, int64) {
		return "SELECT * FROM context_scope", 2
	}

	testCases := []struct {
		name     string
		begin    time.Time
		err      error
		expected []string
	}{
		{
			name:     "completed",
			begin:    time.Now(),
			expected: []string{"level=DEBUG", "sql completed", "rows=2"},
		},
		{
			name:     "slow",
			begin:    time.Now().Add(-time.Second),
			expected: []string{"level=WARN", "slow sql"},
		},
		{
			name:     "error",
			begin:    time.Now(),
			err:      errors.New("no such table"),
			expected: []string{"level=ERROR", "sql error", "no such table"},
		},
		{
			name:     "record not found",
			begin:    time.Now(),
			err:      gorm.ErrRecordNotFound,
			expected: []string{"level=DEBUG", "sql completed"},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				var buf bytes.Buffer
				l := newGORMLogger(newBufferHandler(&buf), 200*time.Millisecond)
				l.Trace(context.Background(), tc.begin, sql, tc.err)
				out := buf.String()
				for _, s := range tc.expected {
					assert.Contains(t, out, s)
				}
				assert.Contains(t, out, "logger=gorm")
			},
		)
	}
}

func TestMongoCommandMonitor(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	monitor := newMongoCommandMonitor(newBufferHandler(&buf), 100*time.Millisecond)
	ctx := context.Background()

	monitor.Started(
		ctx, &event.CommandStartedEvent{
			CommandName:  "find",
			DatabaseName: "chatbot",
			RequestID:    1,
		},
	)
	assert.Contains(t, buf.String(), "command started")
	buf.Reset()

	monitor.Succeeded(
		ctx, &event.CommandSucceededEvent{
			CommandFinishedEvent: event.CommandFinishedEvent{
				CommandName:  "find",
				DatabaseName: "chatbot",
				RequestID:    1,
				Duration:     time.Millisecond,
			},
		},
	)
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "command succeeded")
	buf.Reset()

	monitor.Succeeded(
		ctx, &event.CommandSucceededEvent{
			CommandFinishedEvent: event.CommandFinishedEvent{
				CommandName:  "update",
				DatabaseName: "chatbot",
				RequestID:    2,
				Duration:     time.Second,
			},
		},
	)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "slow command")
	buf.Reset()

	monitor.Failed(
		ctx, &event.CommandFailedEvent{
			CommandFinishedEvent: event.CommandFinishedEvent{
				CommandName:  "insert",
				DatabaseName: "chatbot",
				RequestID:    3,
			},
			Failure: errors.New("E11000 duplicate key error"),
		},
	)
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "E11000")
}
