package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/factsync/factsync/pkg/knowledge"
)

// Logger is a zerolog logger that knows the factsync field names:
// component, process_instance_id, handle and error_class.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// NewLogger creates a logger writing to w, or stderr when w is nil.
func NewLogger(cfg LoggingConfig, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	c := zerolog.New(w).Level(ParseLogLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		c = c.Caller()
	}
	zlog := c.Logger()

	if cfg.EnableSampling && cfg.SamplingThereafter > 1 {
		zlog = zlog.Sample(&zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)})
	}
	return &Logger{zlog: zlog}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Zerolog returns the underlying zerolog.Logger, for packages that take one.
func (l *Logger) Zerolog() zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return l.zlog
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithField returns a logger with one more field.
func (l *Logger) WithField(key string, value any) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithFields returns a logger with more fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

// WithInstance tags the logger with a process instance id.
func (l *Logger) WithInstance(id knowledge.ProcessInstanceID) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Int64("process_instance_id", int64(id)) })
}

// WithHandle tags the logger with a fact handle.
func (l *Logger) WithHandle(h knowledge.Handle) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("handle", string(h)) })
}

// WithError attaches err and, for store errors, its class.
func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		c = c.Err(err)
		if class := knowledge.ClassOf(err); class != "" {
			c = c.Str("error_class", string(class))
		}
		return c
	})
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return NewNopLogger()
}

// ParseLogLevel maps a configured level name to a zerolog level. Unknown
// names log at info.
func ParseLogLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
