package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/casework/internal/config"
	"github.com/pitabwire/casework/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Store failures, provider panics, prune scan failures
//   - warn:  Rejected transitions, provider failures, circuit breaker open
//   - info:  Application creation, transitions, template loading, prune runs
//   - debug: Provider results, answer merges, role resolution
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with the caller's Identity and
// the active trace and span ids. If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	var fields []zap.Field
	if id, ok := model.IdentityFrom(ctx); ok {
		fields = append(fields, zap.String("national_id", id.NationalID))
		if id.TenantID != "" {
			fields = append(fields, zap.String("tenant_id", id.TenantID))
		}
		if id.Actor != nil {
			fields = append(fields,
				zap.String("actor_id", id.Actor.NationalID),
				zap.String("delegation_type", id.Actor.DelegationType),
			)
		}
	}

	fields = append(fields, traceFields(ctx)...)

	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// sensitiveAnswers are answer keys masked in debug output whatever the
// template. Keys match at any depth.
var sensitiveAnswers = map[string]bool{
	"password":        true,
	"pin":             true,
	"iban":            true,
	"bank_account":    true,
	"card_number":     true,
	"passport_number": true,
	"tax_number":      true,
	"ssn":             true,
}

const redacted = "[REDACTED]"

// RedactAnswers returns a copy of answers fit for a debug log. Values under
// a sensitive key, or one listed in extra, are masked. Nested objects and
// arrays of objects are walked.
func RedactAnswers(answers map[string]any, extra []string) map[string]any {
	if answers == nil {
		return nil
	}
	mask := func(k string) bool { return sensitiveAnswers[k] }
	if len(extra) > 0 {
		set := make(map[string]bool, len(extra))
		for _, k := range extra {
			set[k] = true
		}
		mask = func(k string) bool { return sensitiveAnswers[k] || set[k] }
	}
	return redactMap(answers, mask)
}

func redactMap(m map[string]any, mask func(string) bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if mask(k) {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, mask)
	}
	return out
}

func redactValue(v any, mask func(string) bool) any {
	switch x := v.(type) {
	case map[string]any:
		return redactMap(x, mask)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = redactValue(e, mask)
		}
		return out
	default:
		return v
	}
}
