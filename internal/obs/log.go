package obs

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig selects level and encoding for the shared logger.
type LogConfig struct {
	Level  string // trace, debug, info, warn, error
	Format string // json or console
}

var (
	loggerMu sync.RWMutex
	logger   zerolog.Logger
)

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Setup configures the shared logger. Unknown formats fall back to JSON.
func Setup(cfg LogConfig) error {
	level := zerolog.InfoLevel
	if s := strings.TrimSpace(cfg.Level); s != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s))
		if err != nil {
			return err
		}
		level = l
	}

	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	loggerMu.Lock()
	logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	loggerMu.Unlock()
	return nil
}

// Logger returns the shared structured logger used across the service.
func Logger() zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SetOutput redirects the shared logger and returns a func restoring the
// previous one. Tests use it to capture log lines.
func SetOutput(w io.Writer) (restore func()) {
	loggerMu.Lock()
	prev := logger
	logger = logger.Output(w)
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// FromContext returns the request-scoped logger attached by the HTTP layer,
// or the shared logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
			return *l
		}
	}
	return Logger()
}
