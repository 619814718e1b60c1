// Package policy decides whether a command may be sent to the remote host,
// and at what privilege. It is a pattern-based admission filter, not a shell
// parser: deny rules are unconditional fragments, elevation is an exact-match
// allowlist, and compound commands are rejected unless the whole string fits
// one of two narrow safe-pipeline shapes.
package policy

import (
	"fmt"
	"strings"

	"github.com/nbhansen/retroMCP-sub000/internal/emulation"
	"github.com/nbhansen/retroMCP-sub000/internal/validate"
)

// controlOperators are the shell bytes that chain a second command onto the
// first. `&&` and `||` are covered by their single-byte forms.
const controlOperators = ";&|"

// Decision is the result of an allowed authorization. Final differs from the
// input only by an elevation prefix when one was requested and authorized.
type Decision struct {
	Final    string
	Elevated bool
}

// Options configures an Engine for one session.
type Options struct {
	// Username and Home template the allow rules that reference the caller's
	// own account or home directory.
	Username string
	Home     string

	// SudoStdin selects the "sudo -S" prefix variant — used when an elevation
	// password is configured and will be fed over stdin.
	SudoStdin bool

	// ExtraDeny appends operator-supplied fragments to the baseline deny list.
	ExtraDeny []string

	// PipelineFilters overrides the safe-pipeline filter allowlist.
	// Nil means the built-in six filters.
	PipelineFilters []string
}

// Engine classifies commands for a single session. Rules are fixed at
// construction; Authorize is safe for concurrent use.
type Engine struct {
	deny          []DenyRule
	elevationDeny []DenyRule
	allow         []AllowRule
	filters       map[string]bool
	sudoPrefix    string
	decoder       *emulation.Decoder
}

// NewEngine builds an Engine for the given account. Home defaults to
// /home/<username> when unset.
func NewEngine(opts Options) *Engine {
	home := opts.Home
	if home == "" {
		home = "/home/" + opts.Username
	}

	deny := make([]DenyRule, 0, len(denyRules)+len(opts.ExtraDeny))
	deny = append(deny, denyRules...)
	for _, f := range opts.ExtraDeny {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			deny = append(deny, DenyRule{Tag: "operator-supplied", Fragment: f})
		}
	}

	filterList := opts.PipelineFilters
	if filterList == nil {
		filterList = defaultPipelineFilters
	}
	filters := make(map[string]bool, len(filterList))
	for _, f := range filterList {
		filters[f] = true
	}

	prefix := "sudo "
	if opts.SudoStdin {
		prefix = "sudo -S "
	}

	return &Engine{
		deny:          deny,
		elevationDeny: elevationDenyRules,
		allow:         buildAllowRules(opts.Username, home),
		filters:       filters,
		sudoPrefix:    prefix,
		decoder:       emulation.NewDecoder(),
	}
}

// Authorize classifies cmd and returns the final command to transmit.
// Every policy rejection is an *AuthorizationError. A blank command is not a
// policy hit — nothing was injected, nothing matched — so it comes back as a
// *validate.ValidationError instead.
func (e *Engine) Authorize(cmd string, elevate bool) (Decision, error) {
	decoded := e.decoder.Decode([]byte(cmd))
	visible := strings.TrimSpace(decoded.Visible)
	lower := strings.ToLower(visible)

	if visible == "" {
		return Decision{}, &validate.ValidationError{
			Field:  "command",
			Reason: "empty or whitespace-only",
		}
	}

	// Baseline deny scan runs first for both privilege levels.
	if rule, ok := matchDeny(e.deny, lower); ok {
		return Decision{}, &AuthorizationError{
			Classification: ClassDangerousCommand,
			Reason:         fmt.Sprintf("matched deny rule %q (fragment %q)", rule.Tag, rule.Fragment),
		}
	}

	// A command whose raw bytes render differently from what they claim to be
	// is hostile: agents compose commands programmatically and never need
	// cursor-movement or erase sequences.
	if decoded.Obfuscated {
		return Decision{}, &AuthorizationError{
			Classification: ClassCommandInjection,
			Reason:         "terminal escape sequences alter the visible command",
		}
	}

	if elevate {
		return e.authorizeElevated(visible)
	}
	return e.authorizePlain(visible)
}

// authorizePlain handles the non-elevated path: control operators are
// rejected unless the whole string is one of the safe-pipeline shapes.
func (e *Engine) authorizePlain(cmd string) (Decision, error) {
	if strings.ContainsAny(cmd, controlOperators) && !e.isSafePipeline(cmd) {
		return Decision{}, &AuthorizationError{
			Classification: ClassCommandInjection,
			Reason:         "control operator outside the safe-pipeline allowlist",
		}
	}
	return Decision{Final: cmd}, nil
}

// authorizeElevated handles the elevation path: exact allow-pattern match,
// then the second elevation-specific deny scan, then the sudo prefix.
// The duplicate scan is deliberate — it catches an allow pattern loose
// enough to admit a smuggled second clause, and it must keep firing even if
// the allow list grows a bad entry.
func (e *Engine) authorizeElevated(cmd string) (Decision, error) {
	rule, ok := matchAllow(e.allow, cmd)
	if !ok {
		return Decision{}, &AuthorizationError{
			Classification: ClassElevationNotAllowed,
			Reason:         "command does not match any elevation allow pattern",
		}
	}

	if deny, hit := matchDeny(e.elevationDeny, strings.ToLower(cmd)); hit {
		return Decision{}, &AuthorizationError{
			Classification: ClassDangerousCommand,
			Reason: fmt.Sprintf("allow rule %q matched but elevation deny rule %q fired (fragment %q)",
				rule.Tag, deny.Tag, deny.Fragment),
		}
	}

	return Decision{Final: e.sudoPrefix + cmd, Elevated: true}, nil
}

// isSafePipeline reports whether cmd, taken as a whole, is one of the two
// sanctioned compound shapes: the echo-into-sudo form, or a pipeline whose
// every stage after the first starts with an allowlisted filter. Any `;` or
// `&` disqualifies outright.
func (e *Engine) isSafePipeline(cmd string) bool {
	if strings.ContainsAny(cmd, ";&") {
		return false
	}
	if sudoEchoRe.MatchString(cmd) {
		return true
	}

	stages := strings.Split(cmd, "|")
	if len(stages) < 2 {
		return false
	}
	for i, stage := range stages {
		stage = strings.TrimSpace(stage)
		if stage == "" {
			return false
		}
		if i == 0 {
			continue
		}
		name := stage
		if sp := strings.IndexByte(stage, ' '); sp > 0 {
			name = stage[:sp]
		}
		if !e.filters[name] {
			return false
		}
	}
	return true
}
