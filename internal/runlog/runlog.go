// Package runlog is the per-run log channel for the import pipeline. Every
// pipeline decision point emits one line; lines marked visible also land in a
// bounded in-memory feed keyed by run id, which the API serves back to the
// requester as a progress stream.
package runlog

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level mirrors the zap levels the pipeline emits.
type Level string

// Supported levels.
const (
	Debug Level = "debug"
	Info  Level = "info"
	Warn  Level = "warn"
	Error Level = "error"
)

const (
	defaultFeedTTL  = 24 * time.Hour
	defaultMaxLines = 2000
)

type feed struct {
	lines   []string
	touched time.Time
}

// Logger fans run-scoped messages out to zap and the per-run feed. It is safe
// for concurrent use.
type Logger struct {
	zl       *zap.Logger
	ttl      time.Duration
	maxLines int

	mu    sync.Mutex
	feeds map[string]*feed
}

// New wires a Logger to the given zap backend.
func New(zl *zap.Logger) *Logger {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Logger{
		zl:       zl,
		ttl:      defaultFeedTTL,
		maxLines: defaultMaxLines,
		feeds:    make(map[string]*feed),
	}
}

// Log records one pipeline message for the run. Visible lines are appended to
// the client feed; everything goes to the operational log.
func (l *Logger) Log(runID, msg string, level Level, visible bool) {
	line := fmt.Sprintf("[%s]: %s", runID, msg)
	switch level {
	case Warn:
		l.zl.Warn(line, zap.String("run_id", runID))
	case Error:
		l.zl.Error(line, zap.String("run_id", runID))
	case Info:
		l.zl.Info(line, zap.String("run_id", runID))
	default:
		l.zl.Debug(line, zap.String("run_id", runID))
	}

	if !visible {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	f := l.feeds[runID]
	if f == nil {
		f = &feed{}
		l.feeds[runID] = f
	}
	if len(f.lines) < l.maxLines {
		f.lines = append(f.lines, line)
	}
	f.touched = time.Now()
}

// Feed returns the visible lines recorded for a run, oldest first.
func (l *Logger) Feed(runID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	f := l.feeds[runID]
	if f == nil {
		return nil
	}
	out := make([]string, len(f.lines))
	copy(out, f.lines)
	return out
}

// Drop discards the feed for a run.
func (l *Logger) Drop(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.feeds, runID)
}

func (l *Logger) pruneLocked() {
	cutoff := time.Now().Add(-l.ttl)
	for id, f := range l.feeds {
		if f.touched.Before(cutoff) {
			delete(l.feeds, id)
		}
	}
}
