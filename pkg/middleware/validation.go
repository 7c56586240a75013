package middleware

import (
	"context"
	"fmt"

	"github.com/asaskevich/govalidator"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
)

// Validator defines the interface for validating commands.
type Validator interface {
	// Validate validates a command and returns an error if invalid.
	Validate(cmd any) error
}

// ValidationMiddleware validates commands before they are handled.
func ValidationMiddleware(validator Validator) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, env eventsourcing.Envelope) error {
			if err := validator.Validate(env.Message); err != nil {
				return fmt.Errorf("command validation failed: %w", err)
			}
			return next.Handle(ctx, env)
		})
	}
}

// MetadataValidationMiddleware rejects commands with missing identity.
func MetadataValidationMiddleware() eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, env eventsourcing.Envelope) error {
			cmd, ok := env.Message.(eventsourcing.Command)
			if !ok {
				return fmt.Errorf("%w: %T is not a command", eventsourcing.ErrNoHandler, env.Message)
			}
			if cmd.MessageID() == "" {
				return fmt.Errorf("command %s has no message id", cmd.CommandType())
			}
			if cmd.TargetID() == "" {
				return fmt.Errorf("command %s has no target aggregate", cmd.CommandType())
			}
			return next.Handle(ctx, env)
		})
	}
}

// StructValidator validates commands through their govalidator struct tags.
type StructValidator struct{}

// Validate implements Validator.
func (StructValidator) Validate(cmd any) error {
	if _, err := govalidator.ValidateStruct(cmd); err != nil {
		return err
	}
	return nil
}
