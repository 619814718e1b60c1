package validate

import "fmt"

// Path classifications. Stable strings — callers and audit records key on them.
const (
	ClassPathTraversal = "PATH_TRAVERSAL"
	ClassRelativePath  = "RELATIVE_PATH"
	ClassSensitivePath = "SENSITIVE_PATH"
)

// ValidationError reports a malformed connection parameter.
// Detected before any network activity and never retried.
type ValidationError struct {
	Field  string // "host", "username", "port", "key"
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate: %s: %s", e.Field, e.Reason)
}

// PathError reports a rejected write path.
type PathError struct {
	Classification string // ClassPathTraversal, ClassRelativePath, ClassSensitivePath
	Reason         string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("validate: %s: %s", e.Classification, e.Reason)
}
