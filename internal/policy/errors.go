package policy

import "fmt"

// Rejection classifications. Stable strings — reported to callers and stored
// in audit records.
const (
	ClassDangerousCommand    = "DANGEROUS_COMMAND"
	ClassCommandInjection    = "COMMAND_INJECTION"
	ClassElevationNotAllowed = "ELEVATION_NOT_ALLOWED"
)

// AuthorizationError is a terminal policy rejection. It is never retried and
// the transport is never invoked for the rejected command.
type AuthorizationError struct {
	Classification string
	Reason         string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("policy: %s: %s", e.Classification, e.Reason)
}
