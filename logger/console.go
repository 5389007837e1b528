package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

var noColor = runtime.GOOS == "windows" || os.Getenv("TERM") == "dumb" ||
	(!isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()))

const (
	reset   = "\033[0m"
	red     = "\033[31m"
	green   = "\033[32m"
	magenta = "\033[35m"
	gray    = "\033[1;90m"
	purple  = "\u001b[38;5;200m"
)

// label and message colour per level
var consoleColors = map[LogLevel][2]string{
	LevelTrace: {"\033[36;1m", gray},
	LevelDebug: {"\033[34;1m", green},
	LevelInfo:  {"\033[33;1m", "\033[37;1m"},
	LevelWarn:  {"\033[35;1m", magenta},
	LevelError: {"\033[31;1m", red},
}

func paint(code, s string) string {
	if noColor || code == "" {
		return s
	}
	return code + s + reset
}

type consoleLogger struct {
	fields
	level     LogLevel
	sink      Sink
	sinkLevel LogLevel
}

var _ SinkLogger = (*consoleLogger)(nil)

func (c *consoleLogger) derive(f fields) *consoleLogger {
	return &consoleLogger{fields: f, level: c.level, sink: c.sink, sinkLevel: c.sinkLevel}
}

func (c *consoleLogger) WithContext(ctx context.Context) Logger {
	return c.derive(c.withContext(ctx))
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *consoleLogger) WithPrefix(prefix string) Logger {
	return c.derive(c.withPrefix(prefix))
}

func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	return c.derive(c.with(metadata))
}

func (c *consoleLogger) SetSink(sink Sink, level LogLevel) {
	c.sink = sink
	c.sinkLevel = level
}

func (c *consoleLogger) format(level LogLevel, msg string) string {
	colors := consoleColors[level]
	var b strings.Builder
	b.WriteString(paint(colors[0], fmt.Sprintf("[%-5s]", strings.TrimSuffix(level.String(), "ING"))))
	b.WriteByte(' ')
	if len(c.prefixes) > 0 {
		b.WriteString(paint(purple, strings.Join(c.prefixes, " ")))
		b.WriteByte(' ')
	}
	b.WriteString(paint(colors[1], msg))
	if len(c.metadata) > 0 {
		if buf, err := json.Marshal(c.metadata); err == nil {
			b.WriteByte(' ')
			b.WriteString(paint(gray, string(buf)))
		}
	}
	return b.String()
}

func (c *consoleLogger) log(level LogLevel, msg string, args ...interface{}) {
	toConsole := level >= c.level
	toSink := c.sink != nil && level >= c.sinkLevel
	if !toConsole && !toSink {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	out := c.format(level, msg)
	if toConsole {
		log.Println(out)
	}
	if toSink {
		line := time.Now().Format(time.RFC3339Nano) + " " + ansiColorStripper.ReplaceAllString(out, "") + "\n"
		_, _ = c.sink.Write([]byte(line))
	}
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) { c.log(LevelTrace, msg, args...) }
func (c *consoleLogger) Debug(msg string, args ...interface{}) { c.log(LevelDebug, msg, args...) }
func (c *consoleLogger) Info(msg string, args ...interface{})  { c.log(LevelInfo, msg, args...) }
func (c *consoleLogger) Warn(msg string, args ...interface{})  { c.log(LevelWarn, msg, args...) }
func (c *consoleLogger) Error(msg string, args ...interface{}) { c.log(LevelError, msg, args...) }

func (c *consoleLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
	os.Exit(1)
}

// NewConsoleLogger returns a new Logger instance which will log to the console
func NewConsoleLogger(levels ...LogLevel) SinkLogger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &consoleLogger{level: level, sinkLevel: LevelNone}
}
