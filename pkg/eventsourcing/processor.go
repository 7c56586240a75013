package eventsourcing

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CommandHandler processes one command envelope.
type CommandHandler interface {
	Handle(ctx context.Context, env Envelope) error
}

// CommandHandlerFunc is a function adapter for CommandHandler.
type CommandHandlerFunc func(ctx context.Context, env Envelope) error

// Handle implements CommandHandler.
func (f CommandHandlerFunc) Handle(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// CommandMiddleware wraps command handlers with cross-cutting concerns.
type CommandMiddleware func(CommandHandler) CommandHandler

const processorAttempts = 3

// CommandProcessor routes commands to their registered handler with a
// bounded linear-backoff retry. The registry is populated at startup and
// treated as immutable thereafter; registering after processing has begun
// is undefined.
type CommandProcessor struct {
	handlers    map[string]CommandHandler
	catchAll    CommandHandler
	middleware  []CommandMiddleware
	backoffUnit time.Duration
	logger      *slog.Logger
}

// ProcessorOption configures a CommandProcessor.
type ProcessorOption func(*CommandProcessor)

// WithRetryBackoff sets the backoff unit; attempt N sleeps N times this
// before retrying. Default is one second.
func WithRetryBackoff(unit time.Duration) ProcessorOption {
	return func(p *CommandProcessor) {
		p.backoffUnit = unit
	}
}

// WithProcessorLogger sets the logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *CommandProcessor) {
		p.logger = logger
	}
}

// NewCommandProcessor creates a command processor.
func NewCommandProcessor(opts ...ProcessorOption) *CommandProcessor {
	p := &CommandProcessor{
		handlers:    make(map[string]CommandHandler),
		backoffUnit: time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register associates a command type with its handler. Registering the
// same type twice fails, which is fatal at startup.
func (p *CommandProcessor) Register(commandType string, handler CommandHandler) error {
	if _, exists := p.handlers[commandType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, commandType)
	}
	p.handlers[commandType] = handler
	return nil
}

// RegisterAll installs a generic handler invoked after the specific one
// for every command, with the same retry policy. Used for auditing.
func (p *CommandProcessor) RegisterAll(handler CommandHandler) {
	p.catchAll = handler
}

// Use adds middleware to the processing pipeline. Middleware is executed
// in the order it was added (first added = outermost).
func (p *CommandProcessor) Use(middleware CommandMiddleware) {
	p.middleware = append(p.middleware, middleware)
}

// ProcessMessage locates the handler for the envelope's command and invokes
// it with bounded retry.
func (p *CommandProcessor) ProcessMessage(ctx context.Context, env Envelope) error {
	cmd, ok := env.Message.(Command)
	if !ok {
		return fmt.Errorf("%w: %T is not a command", ErrNoHandler, env.Message)
	}

	handler, ok := p.handlers[cmd.CommandType()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, cmd.CommandType())
	}

	if err := p.invoke(ctx, p.chain(handler), env, cmd.CommandType()); err != nil {
		return err
	}

	if p.catchAll != nil {
		return p.invoke(ctx, p.catchAll, env, cmd.CommandType())
	}
	return nil
}

// chain wraps a handler with the middleware pipeline, first added outermost.
func (p *CommandProcessor) chain(handler CommandHandler) CommandHandler {
	wrapped := handler
	for i := len(p.middleware) - 1; i >= 0; i-- {
		wrapped = p.middleware[i](wrapped)
	}
	return wrapped
}

// invoke runs a handler with up to three attempts. Attempt N sleeps
// N backoff units before retrying; the original error is returned after
// the final failure.
func (p *CommandProcessor) invoke(ctx context.Context, handler CommandHandler, env Envelope, commandType string) error {
	var firstErr error

	for attempt := 1; attempt <= processorAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, time.Duration(attempt)*p.backoffUnit); err != nil {
				return err
			}
		}

		err := handler.Handle(ctx, env)
		if err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}

		p.logger.Warn("command handler failed",
			slog.String("command_type", commandType),
			slog.String("message_id", env.MessageID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	return firstErr
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
