package errors

import (
	"errors"
)

// Sentinel errors for the bridge failure taxonomy
var (
	// ErrLaunch - tool host could not be started (bad script type, interpreter missing, spawn failure)
	ErrLaunch = errors.New("launch failed")

	// ErrHandshake - remote end did not answer initialize with a usable capability payload
	ErrHandshake = errors.New("handshake failed")

	// ErrInvalidState - operation attempted outside the Ready session state
	ErrInvalidState = errors.New("invalid session state")

	// ErrProtocol - malformed or unframed response, or the transport broke mid-request
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout - tool host did not answer within the configured window
	ErrTimeout = errors.New("timeout")

	// ErrToolInvocation - the tool host reported a failure for a call (recoverable)
	ErrToolInvocation = errors.New("tool invocation failed")

	// ErrUnknownTool - model asked for a tool absent from the catalog (recoverable)
	ErrUnknownTool = errors.New("unknown tool")

	// ErrOrchestration - unrecoverable failure at the conversation loop boundary
	ErrOrchestration = errors.New("orchestration failed")

	// ErrMaxTurns - conversation loop hit its turn cap
	ErrMaxTurns = errors.New("max turns exceeded")

	// ErrInvalidModelOutput - model returned malformed structured output
	ErrInvalidModelOutput = errors.New("invalid model output")

	// ErrInvalidInput - invalid input from a caller
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - resource not found
	ErrNotFound = errors.New("not found")

	// ErrTransient - transient error, safe to retry
	ErrTransient = errors.New("transient error")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)
