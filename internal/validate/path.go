package validate

import (
	"fmt"
	"strings"
)

// =============================================================================
// Sensitive path denylist
// =============================================================================

// sensitivePathPrefixes are locations no write request may touch, regardless
// of how the path was composed. Prefix match on the cleaned path.
var sensitivePathPrefixes = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/gshadow",
	"/etc/sudoers",
	"/etc/ssh/",
	"/root/",
	"/var/log/",
	"/proc/",
	"/sys/",
	"/dev/",
	"/boot/",
}

// sensitivePathFragments catch sensitive locations reached through an
// unexpected prefix (bind mounts, /./ tricks survive prefix checks).
var sensitivePathFragments = []string{
	"/.ssh/",
	"authorized_keys",
	"/etc/sudoers.d",
}

// WritePath validates a path a caller wants to write to on the remote host.
// Ordering matters for the error classification: traversal is reported before
// the relative-path check, and both before the sensitive-location denylist.
func WritePath(path string) error {
	if path == "" {
		return &PathError{Classification: ClassRelativePath, Reason: "empty path"}
	}
	if strings.Contains(path, "..") {
		return &PathError{Classification: ClassPathTraversal, Reason: "path contains traversal sequence"}
	}
	if !strings.HasPrefix(path, "/") {
		return &PathError{Classification: ClassRelativePath, Reason: fmt.Sprintf("path %q is not absolute", path)}
	}
	for _, prefix := range sensitivePathPrefixes {
		if strings.HasPrefix(path, prefix) || path == strings.TrimSuffix(prefix, "/") {
			return &PathError{Classification: ClassSensitivePath, Reason: fmt.Sprintf("writes under %s are not permitted", prefix)}
		}
	}
	for _, frag := range sensitivePathFragments {
		if strings.Contains(path, frag) {
			return &PathError{Classification: ClassSensitivePath, Reason: fmt.Sprintf("path contains protected fragment %q", frag)}
		}
	}
	return nil
}
