package middleware

import (
	"context"
	"fmt"

	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OpenTelemetryMiddleware adds OpenTelemetry distributed tracing to command
// execution. Uses the global tracer provider by default.
func OpenTelemetryMiddleware(tracerName string) eventsourcing.CommandMiddleware {
	if tracerName == "" {
		tracerName = "github.com/plaenen/eventcore"
	}
	return OpenTelemetryMiddlewareWithTracer(otel.Tracer(tracerName))
}

// OpenTelemetryMiddlewareWithTracer creates middleware with a specific tracer.
func OpenTelemetryMiddlewareWithTracer(tracer trace.Tracer) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, env eventsourcing.Envelope) error {
			commandType := commandTypeOf(env)

			spanCtx, span := tracer.Start(ctx, fmt.Sprintf("command.%s", commandType),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("command.id", env.MessageID),
					attribute.String("command.type", commandType),
					attribute.String("command.correlation_id", env.CorrelationID),
				),
			)
			defer span.End()

			err := next.Handle(spanCtx, env)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}

			span.SetStatus(codes.Ok, "command executed successfully")
			return nil
		})
	}
}
