package logger

import (
	"context"
	"io"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ctxKey int

const (
	runKey ctxKey = iota
	pipelineKey
	requestKey
)

const requestIDHeader = "X-Request-Id"

func Init(w io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// WithRun marks ctx as belonging to one pipeline run.
func WithRun(ctx context.Context, runID, pipeline string) context.Context {
	ctx = context.WithValue(ctx, runKey, runID)
	return context.WithValue(ctx, pipelineKey, pipeline)
}

func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runKey).(string)
	return id
}

// Middleware tags every request with an ID, reusing the caller's if present.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), requestKey, id))
		c.Next()
	}
}

// From returns the default logger enriched with whatever run or request
// attributes ctx carries.
func From(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if ctx == nil {
		return l
	}
	if id, ok := ctx.Value(runKey).(string); ok {
		l = l.With("run", id)
	}
	if name, ok := ctx.Value(pipelineKey).(string); ok {
		l = l.With("pipeline", name)
	}
	if id, ok := ctx.Value(requestKey).(string); ok {
		l = l.With("request", id)
	}
	return l
}

func logBase(ctx context.Context, level slog.Level, msg string, args ...any) {
	l := slog.Default()
	if !l.Enabled(ctx, level) {
		return
	}
	From(ctx).Log(ctx, level, msg, args...)
}

func Debug(ctx context.Context, msg string, args ...any) {
	logBase(ctx, slog.LevelDebug, msg, args...)
}

func Info(ctx context.Context, msg string, args ...any) {
	logBase(ctx, slog.LevelInfo, msg, args...)
}

func Warn(ctx context.Context, msg string, args ...any) {
	logBase(ctx, slog.LevelWarn, msg, args...)
}

func Error(ctx context.Context, msg string, args ...any) {
	logBase(ctx, slog.LevelError, msg, args...)
}
