package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var zerologLevels = map[Level]zerolog.Level{
	DEBUG: zerolog.DebugLevel,
	INFO:  zerolog.InfoLevel,
	WARN:  zerolog.WarnLevel,
	ERROR: zerolog.ErrorLevel,
}

// ParseLevel maps a config string onto a Level. Unknown values yield INFO.
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

// Logger provides structured JSON logging with optional PII redaction.
type Logger struct {
	mu        sync.RWMutex
	zl        zerolog.Logger
	redactPII bool
}

var defaultLogger = newLogger(os.Stderr, INFO, true)

func newLogger(w io.Writer, level Level, redact bool) *Logger {
	return &Logger{
		zl:        zerolog.New(w).Level(zerologLevels[level]).With().Timestamp().Logger(),
		redactPII: redact,
	}
}

// Init configures the default logger for the given environment. Development
// environments get a human-readable console writer and DEBUG level.
func Init(appEnv string, level Level) {
	env := strings.ToLower(strings.TrimSpace(appEnv))
	var w io.Writer = os.Stderr
	if env == "development" || env == "dev" {
		w = zerolog.NewConsoleWriter(func(cw *zerolog.ConsoleWriter) {
			cw.Out = os.Stderr
			cw.TimeFormat = "2006-01-02 15:04:05"
		})
		level = DEBUG
	}
	defaultLogger.mu.Lock()
	defaultLogger.zl = zerolog.New(w).Level(zerologLevels[level]).With().Timestamp().Logger()
	defaultLogger.mu.Unlock()
}

// SetOutput redirects the default logger. Used by tests to capture entries.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defaultLogger.zl = defaultLogger.zl.Output(w)
	defaultLogger.mu.Unlock()
}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) {
	defaultLogger.mu.Lock()
	defaultLogger.zl = defaultLogger.zl.Level(zerologLevels[l])
	defaultLogger.mu.Unlock()
}

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) {
	defaultLogger.mu.Lock()
	defaultLogger.redactPII = r
	defaultLogger.mu.Unlock()
}

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.log(DEBUG, msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.log(INFO, msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.log(WARN, msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.log(ERROR, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...interface{}) {
	l.mu.RLock()
	zl := l.zl
	redact := l.redactPII
	l.mu.RUnlock()

	ev := zl.WithLevel(zerologLevels[level])
	if ev == nil {
		return
	}

	for i := 0; i < len(fields)-1; i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		ev = addField(ev, key, fields[i+1], redact)
	}
	ev.Msg(msg)
}

// addField keeps numbers, bools and durations typed in the JSON output.
// Strings and anything rendered as text go through redaction.
func addField(ev *zerolog.Event, key string, v interface{}, redact bool) *zerolog.Event {
	str := func(val string) *zerolog.Event {
		if redact {
			val = redactPIIValue(key, val)
		}
		return ev.Str(key, val)
	}
	switch val := v.(type) {
	case nil:
		return ev.Interface(key, nil)
	case string:
		return str(val)
	case error:
		return str(val.Error())
	case bool:
		return ev.Bool(key, val)
	case int:
		return ev.Int(key, val)
	case int32:
		return ev.Int32(key, val)
	case int64:
		return ev.Int64(key, val)
	case uint:
		return ev.Uint(key, val)
	case uint64:
		return ev.Uint64(key, val)
	case float64:
		return ev.Float64(key, val)
	case time.Duration:
		return ev.Dur(key, val)
	case time.Time:
		return ev.Time(key, val)
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			if redact {
				item = redactPIIValue(key, item)
			}
			out[i] = item
		}
		return ev.Strs(key, out)
	case fmt.Stringer:
		return str(val.String())
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return str(fmt.Sprintf("%v", v))
	}
	if redact {
		raw = emailRegex.ReplaceAllFunc(raw, func(b []byte) []byte { return []byte(RedactEmail(string(b))) })
	}
	return ev.RawJSON(key, raw)
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	// Redact email fields even when the value is not a well-formed address
	if strings.Contains(key, "email") && val != "" && !emailRegex.MatchString(val) {
		return RedactEmail(val)
	}
	// Redact any embedded emails in generic fields
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
