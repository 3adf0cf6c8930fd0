package logger

import (
	"context"
	"io"
	"os"
	"time"

	appCtx "github.com/birdiecourt/registry-core/internal/pkg/context"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Logger is the process-wide structured logger, configured by Init.
var Logger zerolog.Logger

func Init() {
	InitWithWriter(os.Stdout)
}

func InitWithWriter(w io.Writer) {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	format := os.Getenv("LOG_FORMAT") // "json" or "console"
	if format == "" {
		format = "json"
	}

	var l zerolog.Logger
	if format == "console" {
		l = zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger().Level(level)
	} else {
		l = zerolog.New(w).With().Timestamp().Logger().Level(level)
	}

	Logger = l
	zlog.Logger = l
}

// WithCtx returns Logger enriched with the request id carried on ctx, if any.
func WithCtx(ctx context.Context) zerolog.Logger {
	reqID := appCtx.GetRequestID(ctx)
	if reqID == "" {
		return Logger
	}
	return Logger.With().Str("request_id", reqID).Logger()
}
