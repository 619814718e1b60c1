// Package validate checks connection parameters and write paths before any
// network activity. Every check is pure and fail-closed: a rejected value
// means the Session is never constructed.
package validate

import (
	"fmt"
	"os"
	"strings"
)

// hostCharset is the full set of bytes a hostname or IPv4 address may contain.
const hostCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789.-"

// usernameCharset is the full set of bytes a remote account name may contain.
const usernameCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-"

// hostForbidden are bytes that would let a host string escape into the shell
// or an SSH config line. Checked explicitly so the error names the byte class
// even though the charset check alone would reject them.
const hostForbidden = ";$`|& \n\r\t"

// usernameForbidden mirrors hostForbidden for account names, plus path
// separators and NUL.
const usernameForbidden = ";$`|&/\\\x00\n\r "

// Host validates a hostname or IPv4 address.
func Host(host string) error {
	if host == "" {
		return &ValidationError{Field: "host", Reason: "empty"}
	}
	if strings.ContainsAny(host, hostForbidden) {
		return &ValidationError{Field: "host", Reason: "contains shell metacharacter"}
	}
	for _, r := range host {
		if !strings.ContainsRune(hostCharset, r) {
			return &ValidationError{Field: "host", Reason: fmt.Sprintf("invalid character %q", r)}
		}
	}
	return nil
}

// Username validates a remote account name.
func Username(username string) error {
	if username == "" {
		return &ValidationError{Field: "username", Reason: "empty"}
	}
	if strings.ContainsAny(username, usernameForbidden) {
		return &ValidationError{Field: "username", Reason: "contains forbidden character"}
	}
	for _, r := range username {
		if !strings.ContainsRune(usernameCharset, r) {
			return &ValidationError{Field: "username", Reason: fmt.Sprintf("invalid character %q", r)}
		}
	}
	return nil
}

// Port validates a TCP port number.
func Port(port int) error {
	if port < 1 || port > 65535 {
		return &ValidationError{Field: "port", Reason: fmt.Sprintf("out of range: %d", port)}
	}
	return nil
}

// KeyPermissions checks that a private key file, when it exists, grants no
// group or other permission (0600/0400 equivalent). A missing file is not an
// error here — key loading fails later with its own message.
func KeyPermissions(keyPath string) error {
	info, err := os.Stat(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &ValidationError{Field: "key", Reason: fmt.Sprintf("stat %s: %v", keyPath, err)}
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return &ValidationError{Field: "key", Reason: fmt.Sprintf("permissions %04o too open, want 0600 or 0400", mode)}
	}
	return nil
}
