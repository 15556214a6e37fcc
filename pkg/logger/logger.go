// ==============================================================================
// LOGGER PACKAGE - pkg/logger/logger.go
// ==============================================================================
package logger

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type Logger interface {
	Info(message string, fields map[string]interface{})
	Error(message string, fields map[string]interface{})
	Warn(message string, fields map[string]interface{})
	Debug(message string, fields map[string]interface{})
	Fatal(message string, fields map[string]interface{})
	// With returns a child logger that adds fields to every entry.
	With(fields map[string]interface{}) Logger
}

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// ParseLevel maps LOG_LEVEL values to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return "info"
	}
}

type jsonLogger struct {
	serviceName string
	minLevel    Level
	base        map[string]interface{}
	logger      *log.Logger
	exit        func(int)
}

func New(serviceName string) Logger {
	return NewWithLevel(serviceName, LevelInfo, os.Stdout)
}

// NewWithLevel builds a JSON logger writing to w that drops entries below min.
func NewWithLevel(serviceName string, min Level, w io.Writer) Logger {
	return &jsonLogger{
		serviceName: serviceName,
		minLevel:    min,
		logger:      log.New(w, "", 0),
		exit:        os.Exit,
	}
}

func (l *jsonLogger) log(level Level, message string, fields map[string]interface{}) {
	if level < l.minLevel {
		return
	}

	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level.String(),
		"service":   l.serviceName,
		"message":   message,
	}

	for k, v := range l.base {
		entry[k] = v
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf(`{"level":"error","service":%q,"message":"log marshal failed","error":%q}`, l.serviceName, err.Error())
		return
	}
	l.logger.Println(string(jsonData))
}

func (l *jsonLogger) With(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &jsonLogger{
		serviceName: l.serviceName,
		minLevel:    l.minLevel,
		base:        merged,
		logger:      l.logger,
		exit:        l.exit,
	}
}

func (l *jsonLogger) Info(message string, fields map[string]interface{}) {
	l.log(LevelInfo, message, fields)
}

func (l *jsonLogger) Error(message string, fields map[string]interface{}) {
	l.log(LevelError, message, fields)
}

func (l *jsonLogger) Warn(message string, fields map[string]interface{}) {
	l.log(LevelWarn, message, fields)
}

func (l *jsonLogger) Debug(message string, fields map[string]interface{}) {
	l.log(LevelDebug, message, fields)
}

func (l *jsonLogger) Fatal(message string, fields map[string]interface{}) {
	l.log(LevelFatal, message, fields)
	l.exit(1)
}

func NewNop() Logger {
	return &nopLogger{}
}

type nopLogger struct{}

func (l *nopLogger) Info(message string, fields map[string]interface{})  {}
func (l *nopLogger) Error(message string, fields map[string]interface{}) {}
func (l *nopLogger) Warn(message string, fields map[string]interface{})  {}
func (l *nopLogger) Debug(message string, fields map[string]interface{}) {}
func (l *nopLogger) Fatal(message string, fields map[string]interface{}) {}
func (l *nopLogger) With(fields map[string]interface{}) Logger           { return l }

// Entry is one captured log line.
type Entry struct {
	Level   Level
	Message string
	Fields  map[string]interface{}
}

// Recorder keeps entries in memory so tests can assert on warnings such as
// duplicate terminal transitions.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	base    map[string]interface{}
	parent  *Recorder
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) root() *Recorder {
	if r.parent != nil {
		return r.parent.root()
	}
	return r
}

func (r *Recorder) record(level Level, message string, fields map[string]interface{}) {
	merged := make(map[string]interface{}, len(r.base)+len(fields))
	for k, v := range r.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	root := r.root()
	root.mu.Lock()
	root.entries = append(root.entries, Entry{Level: level, Message: message, Fields: merged})
	root.mu.Unlock()
}

func (r *Recorder) Info(message string, fields map[string]interface{}) {
	r.record(LevelInfo, message, fields)
}

func (r *Recorder) Error(message string, fields map[string]interface{}) {
	r.record(LevelError, message, fields)
}

func (r *Recorder) Warn(message string, fields map[string]interface{}) {
	r.record(LevelWarn, message, fields)
}

func (r *Recorder) Debug(message string, fields map[string]interface{}) {
	r.record(LevelDebug, message, fields)
}

func (r *Recorder) Fatal(message string, fields map[string]interface{}) {
	r.record(LevelFatal, message, fields)
}

func (r *Recorder) With(fields map[string]interface{}) Logger {
	return &Recorder{base: fields, parent: r}
}

// Entries returns a copy of everything logged at or above min.
func (r *Recorder) Entries(min Level) []Entry {
	root := r.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	var out []Entry
	for _, e := range root.entries {
		if e.Level >= min {
			out = append(out, e)
		}
	}
	return out
}
