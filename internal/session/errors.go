package session

import "errors"

// Sentinel errors matching the error-kind disposition table: most are
// fatal and surfaced to the caller, a few are expected and absorbed by the
// controller itself.
var (
	ErrInvalidPID        = errors.New("session: invalid pid")
	ErrPermissionDenied  = errors.New("session: permission denied signalling target")
	ErrAgentNotListening = errors.New("session: agent not listening")
	ErrAlreadyTraced     = errors.New("session: process already traced by another controller")
	ErrAttachFailed      = errors.New("session: attach timed out without a reply")
	ErrInvalidExpression = errors.New("session: invalid expression")
	ErrProcessGone       = errors.New("session: target process is gone")
	ErrCommandTooLarge   = errors.New("session: command too large")
)
