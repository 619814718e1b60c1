package gate

import "fmt"

// ConnectionError reports a failure to establish or use the SSH connection.
// Establishment failures are retried up to the session's budget before one of
// these is surfaced; nothing else is ever retried.
type ConnectionError struct {
	Reason string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("gate: connection: %s", e.Reason)
}

// TimeoutError reports a command that exceeded the session's command timeout.
// Never auto-retried — resubmitting a possibly-mutating command is unsafe.
type TimeoutError struct {
	Command string
	Reason  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gate: timeout: %s", e.Reason)
}

// TransportError reports a channel failure that is neither a policy
// rejection nor a timeout.
type TransportError struct {
	Reason string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gate: transport: %s", e.Reason)
}

// MissingElevationCredentialError reports that the remote sudo demanded a
// password and none is configured. Returned to the caller instead of ever
// blocking on a prompt — the caller decides whether to obtain one.
type MissingElevationCredentialError struct{}

func (e *MissingElevationCredentialError) Error() string {
	return "gate: elevation requires a password and none is configured"
}
