package camerapipeline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level gates log emission. Levels are ordered Error < Warning < Info <
// Debug < Trace, each level enabling everything above it plus itself.
type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
	LevelDebug
	LevelTrace
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarning:
		return "WARNING"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarning:
		return zerolog.WarnLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// ParseLevel parses a level name (case-insensitively); unrecognized names
// fall back to LevelInfo.
func ParseLevel(name string) Level {
	switch strings.ToLower(name) {
	case "error":
		return LevelError
	case "warning", "warn":
		return LevelWarning
	case "debug":
		return LevelDebug
	case "trace":
		return LevelTrace
	default:
		return LevelInfo
	}
}

// Logger is the leveled, structured logging façade used throughout the
// core: five severity levels behind a package-level SetLogger() override,
// so a host process can redirect or replace logging without threading a
// logger through every constructor.
type Logger interface {
	Errorf(format string, v ...any)
	Warnf(format string, v ...any)
	Infof(format string, v ...any)
	Debugf(format string, v ...any)
	Tracef(format string, v ...any)
}

var (
	pkgLoggerMu sync.RWMutex
	pkgLogger   Logger = newZerologLogger(os.Stderr, LevelInfo)
)

// SetLogger overrides the package-wide logger. Safe to call from any
// goroutine; log calls in flight will use whichever logger was current at
// the time of the call, matching "safe from any thread".
func SetLogger(l Logger) {
	pkgLoggerMu.Lock()
	defer pkgLoggerMu.Unlock()
	pkgLogger = l
}

func getLogger() Logger {
	pkgLoggerMu.RLock()
	defer pkgLoggerMu.RUnlock()
	return pkgLogger
}

// zerologLogger wraps a zerolog.Logger configured with a console writer
// that reproduces exact wire format:
// "YYYY-MM-DD HH:MM:SS.uuuuuu [LEVEL ] message\n".
type zerologLogger struct {
	level  Level
	logger zerolog.Logger
}

const timeFormat = "2006-01-02 15:04:05.000000"

func newZerologLogger(w io.Writer, level Level) *zerologLogger {
	zerolog.TimeFieldFormat = timeFormat
	writer := zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    true,
		TimeFormat: timeFormat,
		FormatLevel: func(i interface{}) string {
			lvl, _ := i.(string)
			return fmt.Sprintf("[%-6s]", levelTag(lvl))
		},
		FormatTimestamp: func(i interface{}) string {
			s, _ := i.(string)
			return s
		},
		PartsOrder: []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName},
	}
	logger := zerolog.New(writer).With().Timestamp().Logger().Level(level.zerolog())
	return &zerologLogger{level: level, logger: logger}
}

func levelTag(zlvl string) string {
	switch zlvl {
	case "error":
		return "ERROR"
	case "warn":
		return "WARNING"
	case "info":
		return "INFO"
	case "debug":
		return "DEBUG"
	case "trace":
		return "TRACE"
	default:
		return "INFO"
	}
}

func (z *zerologLogger) Errorf(format string, v ...any) { z.logger.Error().Msg(fmt.Sprintf(format, v...)) }
func (z *zerologLogger) Warnf(format string, v ...any)  { z.logger.Warn().Msg(fmt.Sprintf(format, v...)) }
func (z *zerologLogger) Infof(format string, v ...any)  { z.logger.Info().Msg(fmt.Sprintf(format, v...)) }
func (z *zerologLogger) Debugf(format string, v ...any) { z.logger.Debug().Msg(fmt.Sprintf(format, v...)) }
func (z *zerologLogger) Tracef(format string, v ...any) { z.logger.Trace().Msg(fmt.Sprintf(format, v...)) }

// NewFileLogger builds a Logger that writes to path with size-based
// rotation: once the current file reaches maxSizeMB, it is renamed with a
// timestamp suffix and a fresh file is opened. No library in the retrieved
// pack bundles log rotation (no lumberjack or equivalent appears in any
// go.mod in the corpus), so this is hand-rolled on top of os.File, gated by
// the same Logger interface as the console logger.
func NewFileLogger(path string, level Level, maxSizeMB int) (Logger, error) {
	rw, err := newRotatingWriter(path, maxSizeMB)
	if err != nil {
		return nil, err
	}
	return newZerologLogger(rw, level), nil
}

type rotatingWriter struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	file     *os.File
	curSize  int64
}

func newRotatingWriter(path string, maxSizeMB int) (*rotatingWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &rotatingWriter{
		path:     path,
		maxBytes: int64(maxSizeMB) * 1024 * 1024,
		file:     f,
		curSize:  info.Size(),
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.curSize >= w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.curSize += int64(n)
	return n, err
}

func (w *rotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	backup := fmt.Sprintf("%s.%s", w.path, time.Now().UTC().Format("20060102T150405.000000000Z"))
	if err := os.Rename(w.path, backup); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.curSize = 0
	return nil
}
