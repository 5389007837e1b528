package logger

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type TestLogEntry struct {
	Severity  string
	Component string
	Message   string
	Arguments []interface{}
	Metadata  map[string]interface{}
}

// String returns the formatted message.
func (e TestLogEntry) String() string {
	if len(e.Arguments) == 0 {
		return e.Message
	}
	return fmt.Sprintf(e.Message, e.Arguments...)
}

type testLogStore struct {
	mu      sync.Mutex
	entries []TestLogEntry
}

// TestLogger records every entry in memory. Children created with With,
// WithPrefix or WithContext share the parent's entries, and the logger is
// safe for concurrent use since cache goroutines log in the background.
type TestLogger struct {
	fields
	store *testLogStore
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) derive(f fields) *TestLogger {
	return &TestLogger{fields: f, store: c.store}
}

func (c *TestLogger) WithContext(ctx context.Context) Logger {
	return c.derive(c.withContext(ctx))
}

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c.derive(c.withPrefix(prefix))
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	return c.derive(c.with(metadata))
}

func (c *TestLogger) log(level LogLevel, msg string, args ...interface{}) {
	entry := TestLogEntry{
		Severity:  level.String(),
		Component: c.component(),
		Message:   msg,
		Arguments: args,
		Metadata:  c.metadata,
	}
	c.store.mu.Lock()
	c.store.entries = append(c.store.entries, entry)
	c.store.mu.Unlock()
}

func (c *TestLogger) Trace(msg string, args ...interface{}) { c.log(LevelTrace, msg, args...) }
func (c *TestLogger) Debug(msg string, args ...interface{}) { c.log(LevelDebug, msg, args...) }
func (c *TestLogger) Info(msg string, args ...interface{})  { c.log(LevelInfo, msg, args...) }
func (c *TestLogger) Warn(msg string, args ...interface{})  { c.log(LevelWarn, msg, args...) }
func (c *TestLogger) Error(msg string, args ...interface{}) { c.log(LevelError, msg, args...) }

// Fatal records the entry at error level but does not exit, so tests can
// assert on it.
func (c *TestLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
}

// Logs returns a copy of the recorded entries.
func (c *TestLogger) Logs() []TestLogEntry {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	out := make([]TestLogEntry, len(c.store.entries))
	copy(out, c.store.entries)
	return out
}

// Contains reports whether any entry with the given severity has a formatted
// message containing substr. An empty severity matches every entry.
func (c *TestLogger) Contains(severity, substr string) bool {
	for _, entry := range c.Logs() {
		if severity != "" && entry.Severity != severity {
			continue
		}
		if strings.Contains(entry.String(), substr) {
			return true
		}
	}
	return false
}

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{store: &testLogStore{}}
}
