// Package logger is the process-wide structured logger. Entries are JSON,
// written through zap, and values under email-like keys are redacted.
package logger

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// ParseLevel maps a config string ("debug", "warn", ...) to a Level.
// Unknown values map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

var (
	mu        sync.RWMutex
	sugar     *zap.SugaredLogger
	atom      = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	redactPII = true
)

func build() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = atom
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	z, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return z.Sugar()
}

// L returns the underlying sugared logger, building it on first use.
func L() *zap.SugaredLogger {
	mu.RLock()
	s := sugar
	mu.RUnlock()
	if s != nil {
		return s
	}
	mu.Lock()
	defer mu.Unlock()
	if sugar == nil {
		sugar = build()
	}
	return sugar
}

// Replace swaps the underlying logger. Tests use it with zaptest/observer.
func Replace(z *zap.Logger) {
	mu.Lock()
	sugar = z.Sugar()
	mu.Unlock()
}

// SetLevel sets the minimum log level.
func SetLevel(l Level) { atom.SetLevel(l.zapLevel()) }

// SetRedactPII enables or disables PII redaction.
func SetRedactPII(r bool) {
	mu.Lock()
	redactPII = r
	mu.Unlock()
}

// Sync flushes buffered entries.
func Sync() { _ = L().Sync() }

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { L().Debugw(msg, scrub(fields)...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { L().Infow(msg, scrub(fields)...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { L().Warnw(msg, scrub(fields)...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { L().Errorw(msg, scrub(fields)...) }

// scrub redacts string values in key-value pairs. Non-string values pass
// through untouched so zap can encode them natively.
func scrub(fields []interface{}) []interface{} {
	mu.RLock()
	on := redactPII
	mu.RUnlock()
	if !on || len(fields) == 0 {
		return fields
	}
	out := make([]interface{}, len(fields))
	copy(out, fields)
	for i := 0; i+1 < len(out); i += 2 {
		key := fmt.Sprintf("%v", out[i])
		switch v := out[i+1].(type) {
		case string:
			out[i+1] = redactPIIValue(key, v)
		case error:
			out[i+1] = redactPIIValue(key, v.Error())
		}
	}
	return out
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "email") || strings.Contains(key, "recipient") {
		return RedactEmail(val)
	}
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
