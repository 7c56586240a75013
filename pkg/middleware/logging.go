// Package middleware provides cross-cutting command middleware for the
// command processor: logging, panic recovery, validation and tracing.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/eventcore/pkg/eventsourcing"
)

// LoggingMiddleware logs command execution with timing information using slog.
func LoggingMiddleware(logger *slog.Logger) eventsourcing.CommandMiddleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, env eventsourcing.Envelope) error {
			commandType := commandTypeOf(env)
			start := time.Now()

			logger.InfoContext(ctx, "Executing command",
				slog.String("command_type", commandType),
				slog.String("message_id", env.MessageID),
				slog.String("correlation_id", env.CorrelationID),
			)

			err := next.Handle(ctx, env)
			duration := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "Command execution failed",
					slog.String("command_type", commandType),
					slog.String("message_id", env.MessageID),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return err
			}

			logger.InfoContext(ctx, "Command executed successfully",
				slog.String("command_type", commandType),
				slog.String("message_id", env.MessageID),
				slog.Int64("duration_ms", duration.Milliseconds()),
			)
			return nil
		})
	}
}

func commandTypeOf(env eventsourcing.Envelope) string {
	if cmd, ok := env.Message.(eventsourcing.Command); ok {
		return cmd.CommandType()
	}
	return "unknown"
}
