package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category returns the taxonomy name for an error, for log attributes.
func Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.Canceled):
		return "Canceled"
	case errors.Is(err, ErrOrchestration):
		return "ErrOrchestration"
	case errors.Is(err, ErrLaunch):
		return "ErrLaunch"
	case errors.Is(err, ErrHandshake):
		return "ErrHandshake"
	case errors.Is(err, ErrInvalidState):
		return "ErrInvalidState"
	case errors.Is(err, ErrTimeout):
		return "ErrTimeout"
	case errors.Is(err, ErrProtocol):
		return "ErrProtocol"
	case errors.Is(err, ErrToolInvocation):
		return "ErrToolInvocation"
	case errors.Is(err, ErrUnknownTool):
		return "ErrUnknownTool"
	case errors.Is(err, ErrMaxTurns):
		return "ErrMaxTurns"
	case errors.Is(err, ErrInvalidModelOutput):
		return "ErrInvalidModelOutput"
	case errors.Is(err, ErrInvalidInput):
		return "ErrInvalidInput"
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrTransient):
		return "ErrTransient"
	case errors.Is(err, ErrInternal):
		return "ErrInternal"
	default:
		return "Unknown"
	}
}

// IsRecoverable reports whether a tool dispatch failure should be handed back
// to the model as an error result instead of ending the run.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrToolInvocation) || errors.Is(err, ErrUnknownTool)
}

// IsFatalToSession reports whether the session that produced err must be torn down.
func IsFatalToSession(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrProtocol) || errors.Is(err, ErrTimeout)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// WrapWithCategory tags err with a taxonomy category while keeping the original chain.
func WrapWithCategory(err error, message string, category error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w: %w", message, category, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

func Launch(message string) error {
	return fmt.Errorf("%s: %w", message, ErrLaunch)
}

func Handshake(message string) error {
	return fmt.Errorf("%s: %w", message, ErrHandshake)
}

func InvalidState(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidState)
}

func Protocol(message string) error {
	return fmt.Errorf("%s: %w", message, ErrProtocol)
}

func Timeout(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTimeout)
}

func ToolInvocation(message string) error {
	return fmt.Errorf("%s: %w", message, ErrToolInvocation)
}

func UnknownTool(name string) error {
	return fmt.Errorf("tool %q is not in the catalog: %w", name, ErrUnknownTool)
}

// NotFound wraps error as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// InvalidInput wraps error as invalid input
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// Transient wraps error as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// InvalidModelOutput wraps error as invalid model output
func InvalidModelOutput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidModelOutput)
}
