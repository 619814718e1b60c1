// Package sanitize strips secrets, filesystem paths and network addresses
// from error text before it crosses the gate boundary. Every outbound error
// string passes through here, including caller input echoed inside a
// validation or authorization message.
package sanitize

import (
	"regexp"
	"strings"
)

// Redaction markers. Fixed strings so downstream log scrapers can key on them.
const (
	RedactedSecret = "[REDACTED]"
	RedactedPath   = "[PATH]"
	RedactedAddr   = "[ADDR]"
)

var (
	// absPathRe matches absolute POSIX paths with at least one component.
	absPathRe = regexp.MustCompile(`(?:/[A-Za-z0-9._+-]+)+/?`)

	// ipv4Re matches dotted IPv4 addresses.
	ipv4Re = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// Sanitizer redacts a fixed set of secrets plus paths and addresses.
// Substitution order is fixed: secrets first, then paths, then addresses —
// a later pass can never reintroduce an already-redacted secret.
// Safe for concurrent use; the secret list is immutable after construction.
type Sanitizer struct {
	secrets []string
}

// New creates a Sanitizer redacting the given secrets. Empty entries are
// dropped — substituting "" would corrupt the text instead of cleaning it.
func New(secrets ...string) *Sanitizer {
	s := &Sanitizer{}
	for _, sec := range secrets {
		if sec != "" {
			s.secrets = append(s.secrets, sec)
		}
	}
	return s
}

// Clean returns text with all secrets, absolute paths and IPv4 addresses
// replaced by their markers.
func (s *Sanitizer) Clean(text string) string {
	for _, sec := range s.secrets {
		text = strings.ReplaceAll(text, sec, RedactedSecret)
	}
	text = absPathRe.ReplaceAllString(text, RedactedPath)
	text = ipv4Re.ReplaceAllString(text, RedactedAddr)
	return text
}

// CleanErr is a convenience wrapper for error values. Returns "" for nil.
func (s *Sanitizer) CleanErr(err error) string {
	if err == nil {
		return ""
	}
	return s.Clean(err.Error())
}
