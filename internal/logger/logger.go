package logger

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

type ctxKey struct{}

func init() {
	Log = logrus.New()

	Log.SetOutput(os.Stdout)
	SetLevel(os.Getenv("LOG_LEVEL"))

	// Use JSON formatter for structured logs
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLevel parses a level name; unknown names fall back to info.
func SetLevel(level string) {
	switch level {
	case "debug":
		Log.SetLevel(logrus.DebugLevel)
	case "info":
		Log.SetLevel(logrus.InfoLevel)
	case "warn":
		Log.SetLevel(logrus.WarnLevel)
	case "error":
		Log.SetLevel(logrus.ErrorLevel)
	default:
		Log.SetLevel(logrus.InfoLevel)
	}
}

// WithContext stores a request-scoped entry in ctx.
func WithContext(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, ctxKey{}, entry)
}

// FromContext returns the request-scoped entry, or a bare entry on the global logger.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if entry, ok := ctx.Value(ctxKey{}).(*logrus.Entry); ok && entry != nil {
			return entry
		}
	}
	return logrus.NewEntry(Log)
}
