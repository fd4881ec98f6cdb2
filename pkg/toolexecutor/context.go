package toolexecutor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// logRecorder collects the ordered log lines of one invocation. Handlers may
// still write after a timeout, so it is safe for concurrent use.
type logRecorder struct {
	mu    sync.Mutex
	start time.Time
	lines []string
}

func newLogRecorder(start time.Time) *logRecorder {
	return &logRecorder{start: start}
}

func (l *logRecorder) add(format string, args ...interface{}) {
	now := time.Now()
	line := fmt.Sprintf("%s +%s %s",
		now.UTC().Format(time.RFC3339Nano),
		now.Sub(l.start).Round(time.Microsecond),
		fmt.Sprintf(format, args...),
	)

	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
}

func (l *logRecorder) elapsed() time.Duration {
	return time.Since(l.start)
}

func (l *logRecorder) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

type recorderKey struct{}

func withRecorder(ctx context.Context, rec *logRecorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, rec)
}

// Logf appends a line to the log of the tool invocation running under ctx.
// Outside an invocation it does nothing.
func Logf(ctx context.Context, format string, args ...interface{}) {
	if ctx == nil {
		return
	}
	if rec, ok := ctx.Value(recorderKey{}).(*logRecorder); ok {
		rec.add(format, args...)
	}
}
