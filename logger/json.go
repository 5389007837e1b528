package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// JSONLogEntry defines a log entry
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Component string                 `json:"component,omitempty"`
}

// String renders an entry as a single JSON line.
func (e JSONLogEntry) String() string {
	if e.Severity == "" {
		e.Severity = LevelInfo.String()
	}
	out, err := json.Marshal(e)
	if err != nil {
		log.Printf("json.Marshal: %v", err)
	}
	return string(out)
}

type jsonLogger struct {
	fields
	level     LogLevel
	sink      Sink
	sinkLevel LogLevel
	noConsole bool
	now       func() time.Time
}

var _ SinkLogger = (*jsonLogger)(nil)

func (c *jsonLogger) derive(f fields) *jsonLogger {
	return &jsonLogger{fields: f, level: c.level, sink: c.sink, sinkLevel: c.sinkLevel, noConsole: c.noConsole, now: c.now}
}

func (c *jsonLogger) WithContext(ctx context.Context) Logger {
	return c.derive(c.withContext(ctx))
}

// WithPrefix adds the prefix, without brackets, to the component field.
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	return c.derive(c.withPrefix(prefix))
}

func (c *jsonLogger) With(metadata map[string]interface{}) Logger {
	return c.derive(c.with(metadata))
}

func (c *jsonLogger) SetSink(sink Sink, level LogLevel) {
	c.sink = sink
	c.sinkLevel = level
}

func (c *jsonLogger) log(level LogLevel, msg string, args ...interface{}) {
	toConsole := !c.noConsole && level >= c.level
	toSink := c.sink != nil && level >= c.sinkLevel
	if !toConsole && !toSink {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Timestamp: c.now(),
		Message:   msg,
		Severity:  level.String(),
		Metadata:  c.metadata,
		Component: c.component(),
	}
	if toConsole {
		log.Println(entry)
	}
	if toSink {
		entry.Message = ansiColorStripper.ReplaceAllString(entry.Message, "")
		buf, _ := json.Marshal(entry)
		if _, err := c.sink.Write(append(buf, '\n')); err != nil {
			log.Printf("sink.Write: %v", err)
		}
	}
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) { c.log(LevelTrace, msg, args...) }
func (c *jsonLogger) Debug(msg string, args ...interface{}) { c.log(LevelDebug, msg, args...) }
func (c *jsonLogger) Info(msg string, args ...interface{})  { c.log(LevelInfo, msg, args...) }
func (c *jsonLogger) Warn(msg string, args ...interface{})  { c.log(LevelWarn, msg, args...) }
func (c *jsonLogger) Error(msg string, args ...interface{}) { c.log(LevelError, msg, args...) }

// Fatal logs at error level. The JSON logger runs inside servers, so it never exits.
func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
}

// NewJSONLogger returns a new Logger instance which can be used for structured logging
func NewJSONLogger(levels ...LogLevel) SinkLogger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &jsonLogger{level: level, sinkLevel: LevelNone, now: time.Now}
}

// NewJSONLoggerWithSink returns a new Logger instance using a sink and suppressing the console logging
func NewJSONLoggerWithSink(sink Sink, level LogLevel) SinkLogger {
	return &jsonLogger{noConsole: true, sink: sink, sinkLevel: level, level: LevelNone, now: time.Now}
}
