// Package gate owns the authenticated SSH session to the remote host and is
// the single chokepoint every command passes through: policy authorization,
// transport execution, result capture and error sanitization all happen here.
package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/nbhansen/retroMCP-sub000/internal/audit"
	"github.com/nbhansen/retroMCP-sub000/internal/policy"
	"github.com/nbhansen/retroMCP-sub000/internal/sanitize"
	"github.com/nbhansen/retroMCP-sub000/internal/validate"
)

// Default budgets applied when Config leaves them zero.
const (
	defaultPort           = 22
	defaultConnectTimeout = 10 * time.Second
	defaultCommandTimeout = 30 * time.Second
	defaultMaxRetries     = 3
)

// Config describes one remote host and how to reach it. Exactly one of
// Password and KeyPath must be set.
type Config struct {
	Host     string
	Username string
	Port     int

	Password          string
	KeyPath           string
	ElevationPassword string

	// KnownHostsPath is the pre-provisioned host-key store. There is no
	// trust-on-first-use: connecting fails closed when the file is absent or
	// the host key does not match.
	KnownHostsPath string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	MaxRetries     int

	// ExtraDeny and PipelineFilters extend the policy rule data — see
	// policy.Options.
	ExtraDeny       []string
	PipelineFilters []string

	// MaxObservers caps monitoring-output observers. Zero means the audit
	// package default.
	MaxObservers int
}

// CommandResult is the only object returned to callers for an executed
// command. Immutable once built.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Success  bool
	Duration time.Duration
}

// transport runs one authorized command on the live connection. stdin is
// written to the command and flushed immediately after submission; tee, when
// non-nil, receives stdout frames as they arrive. timeout zero means
// unbounded. Implemented by sshTransport; tests substitute a fake.
type transport interface {
	run(ctx context.Context, command, stdin string, timeout time.Duration, tee io.Writer) (*CommandResult, error)
	close() error
}

// dialFn establishes the SSH connection. A seam for tests.
type dialFn func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)

// Session is one authenticated connection to the remote host. It owns at
// most one live network handle, absent until Connect succeeds.
//
// A Session is not designed for concurrent mutation: one authorization →
// execution → result cycle at a time. Callers needing concurrency use one
// Session per worker. Within one Session, executions observe total order —
// a command's full output is captured before the next is sent.
type Session struct {
	host           string
	username       string
	port           int
	keyPath        string
	knownHostsPath string

	connectTimeout time.Duration
	commandTimeout time.Duration
	maxRetries     int

	creds     *credentials
	engine    *policy.Engine
	sanitizer *sanitize.Sanitizer
	sink      audit.Sink
	streamer  *audit.Streamer

	transport transport
	dial      dialFn
}

// New validates cfg and builds a Session. No network activity happens here —
// any invalid parameter means the Session is never created.
func New(cfg Config, sink audit.Sink) (*Session, error) {
	if err := validate.Host(cfg.Host); err != nil {
		return nil, err
	}
	if err := validate.Username(cfg.Username); err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	if err := validate.Port(port); err != nil {
		return nil, err
	}
	if (cfg.Password == "") == (cfg.KeyPath == "") {
		return nil, &validate.ValidationError{Field: "auth", Reason: "exactly one of password and key path must be set"}
	}
	if cfg.KeyPath != "" {
		if err := validate.KeyPermissions(cfg.KeyPath); err != nil {
			return nil, err
		}
	}
	if cfg.KnownHostsPath == "" {
		return nil, &validate.ValidationError{Field: "known_hosts", Reason: "path is required, there is no trust-on-first-use"}
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	commandTimeout := cfg.CommandTimeout
	if commandTimeout <= 0 {
		commandTimeout = defaultCommandTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if sink == nil {
		sink = audit.NopSink{}
	}

	return &Session{
		host:           cfg.Host,
		username:       cfg.Username,
		port:           port,
		keyPath:        cfg.KeyPath,
		knownHostsPath: cfg.KnownHostsPath,
		connectTimeout: connectTimeout,
		commandTimeout: commandTimeout,
		maxRetries:     maxRetries,
		creds:          newCredentials(cfg.Password, cfg.ElevationPassword),
		engine: policy.NewEngine(policy.Options{
			Username:        cfg.Username,
			SudoStdin:       cfg.ElevationPassword != "",
			ExtraDeny:       cfg.ExtraDeny,
			PipelineFilters: cfg.PipelineFilters,
		}),
		sanitizer: sanitize.New(cfg.Password, cfg.ElevationPassword),
		sink:      sink,
		streamer:  audit.NewStreamer(cfg.MaxObservers),
		dial:      ssh.Dial,
	}, nil
}

// Connect establishes the SSH connection. Host keys are verified against the
// configured known_hosts store — a missing store or an unknown/mismatched
// key fails closed, without retry. Transport establishment itself is retried
// up to the session's budget, each attempt independent.
func (s *Session) Connect(ctx context.Context) error {
	if s.transport != nil {
		return nil
	}

	hostKeys, err := knownhosts.New(s.knownHostsPath)
	if err != nil {
		s.creds.Clear()
		return &ConnectionError{Reason: s.sanitizer.Clean(
			fmt.Sprintf("known_hosts store unavailable: %v", err))}
	}

	auth, err := s.authMethod()
	if err != nil {
		s.creds.Clear()
		return err
	}

	sshCfg := &ssh.ClientConfig{
		User:            s.username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeys,
		Timeout:         s.connectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		client, err := s.dial("tcp", addr, sshCfg)
		if err == nil {
			s.transport = &sshTransport{client: client}
			log.Printf("[GATE] connected to %s as %s (attempt %d/%d)", s.host, s.username, attempt, s.maxRetries)
			return nil
		}
		lastErr = err
		log.Printf("[GATE] connect attempt %d/%d failed", attempt, s.maxRetries)
	}

	s.creds.Clear()
	return &ConnectionError{Reason: s.sanitizer.Clean(
		fmt.Sprintf("all %d attempts failed: %v", s.maxRetries, lastErr))}
}

// Disconnect closes the connection and unconditionally clears both stored
// passwords, whatever the prior connect outcome.
func (s *Session) Disconnect() {
	defer s.creds.Clear()
	s.streamer.Close()
	if s.transport != nil {
		if err := s.transport.close(); err != nil {
			log.Printf("[GATE] close: %s", s.sanitizer.CleanErr(err))
		}
		s.transport = nil
	}
}

// TestConnection distinguishes "believed connected" from "actually
// responsive": it echoes a sentinel through the remote shell and checks the
// reply.
func (s *Session) TestConnection(ctx context.Context) bool {
	if s.transport == nil {
		return false
	}
	sentinel := "gate-" + uuid.NewString()[:8]
	res, err := s.transport.run(ctx, "echo "+sentinel, "", s.commandTimeout, nil)
	if err != nil {
		log.Printf("[GATE] connection test failed: %s", s.sanitizer.CleanErr(err))
		return false
	}
	return res.ExitCode == 0 && strings.Contains(res.Stdout, sentinel)
}

// ExecuteCommand authorizes command and, when admitted, runs it bounded by
// the session's command timeout. Every rejection and every completed
// execution is written to the audit sink. Errors are always typed:
// *policy.AuthorizationError, *validate.ValidationError (blank command),
// *ConnectionError, *TimeoutError, *TransportError or
// *MissingElevationCredentialError.
func (s *Session) ExecuteCommand(ctx context.Context, command string, elevate bool) (*CommandResult, error) {
	decision, err := s.engine.Authorize(command, elevate)
	if err != nil {
		return nil, s.rejectCommand(ctx, command, elevate, err)
	}

	if s.transport == nil {
		return nil, &ConnectionError{Reason: "not connected"}
	}

	var stdin string
	if decision.Elevated && s.creds.HasElevationPassword() {
		stdin = s.creds.ElevationPassword() + "\n"
	}

	started := time.Now()
	res, runErr := s.transport.run(ctx, decision.Final, stdin, s.commandTimeout, nil)
	if runErr != nil {
		return nil, s.mapTransportErr(runErr)
	}

	if decision.Elevated && !s.creds.HasElevationPassword() && sudoWantsPassword(res) {
		s.record(ctx, audit.Execution{
			Command: decision.Final, Elevated: true, Allowed: true,
			ExitCode: res.ExitCode, DurationSec: res.Duration.Seconds(), StartedAt: started,
		})
		return nil, &MissingElevationCredentialError{}
	}

	s.record(ctx, audit.Execution{
		Command:     decision.Final,
		Elevated:    decision.Elevated,
		Allowed:     true,
		ExitCode:    res.ExitCode,
		DurationSec: res.Duration.Seconds(),
		StartedAt:   started,
	})
	return res, nil
}

// ExecuteMonitoringCommand runs a command expected to stream or run long.
// No command timeout applies; output is captured and fanned out to streamer
// observers until the remote command exits or ctx is cancelled. On
// cancellation the caller receives whatever output was captured — the remote
// process is NOT tracked or killed, termination is the caller's business.
func (s *Session) ExecuteMonitoringCommand(ctx context.Context, command string) (*CommandResult, error) {
	decision, err := s.engine.Authorize(command, false)
	if err != nil {
		return nil, s.rejectCommand(ctx, command, false, err)
	}

	if s.transport == nil {
		return nil, &ConnectionError{Reason: "not connected"}
	}

	started := time.Now()
	res, runErr := s.transport.run(ctx, decision.Final, "", 0, s.streamer)
	if runErr != nil {
		// Caller abandoned the command: hand back what was captured.
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			if res == nil {
				res = &CommandResult{ExitCode: -1, Duration: time.Since(started)}
			}
			return res, nil
		}
		return nil, s.mapTransportErr(runErr)
	}

	s.record(ctx, audit.Execution{
		Command:     decision.Final,
		Allowed:     true,
		ExitCode:    res.ExitCode,
		DurationSec: res.Duration.Seconds(),
		StartedAt:   started,
	})
	return res, nil
}

// ValidateWritePath checks a remote write path before any write command is
// composed from it. The returned *validate.PathError carries its
// classification; the echoed path is sanitized like every outbound error.
func (s *Session) ValidateWritePath(path string) error {
	err := validate.WritePath(path)
	if err == nil {
		return nil
	}
	var pathErr *validate.PathError
	if errors.As(err, &pathErr) {
		return &validate.PathError{
			Classification: pathErr.Classification,
			Reason:         s.sanitizer.Clean(pathErr.Reason),
		}
	}
	return err
}

// Observe attaches w to the monitoring output stream. See audit.Streamer.
func (s *Session) Observe(w io.Writer) (func(), error) {
	return s.streamer.Subscribe(w)
}

// rejectCommand audits a policy rejection and returns it with the reason
// sanitized — rejection reasons echo caller input, which may carry paths or
// the very secret the caller mishandled.
func (s *Session) rejectCommand(ctx context.Context, command string, elevate bool, err error) error {
	var valErr *validate.ValidationError
	if errors.As(err, &valErr) {
		s.record(ctx, audit.Execution{
			Command:        s.sanitizer.Clean(command),
			Elevated:       elevate,
			Allowed:        false,
			Classification: "INVALID_COMMAND",
			StartedAt:      time.Now(),
		})
		return &validate.ValidationError{Field: valErr.Field, Reason: s.sanitizer.Clean(valErr.Reason)}
	}

	var authErr *policy.AuthorizationError
	if !errors.As(err, &authErr) {
		return &TransportError{Reason: s.sanitizer.CleanErr(err)}
	}

	s.record(ctx, audit.Execution{
		Command:        s.sanitizer.Clean(command),
		Elevated:       elevate,
		Allowed:        false,
		Classification: authErr.Classification,
		StartedAt:      time.Now(),
	})
	return &policy.AuthorizationError{
		Classification: authErr.Classification,
		Reason:         s.sanitizer.Clean(authErr.Reason),
	}
}

// mapTransportErr converts transport failures into the typed errors callers
// discriminate on, sanitizing any text that crosses the boundary.
func (s *Session) mapTransportErr(err error) error {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return &TimeoutError{
			Command: s.sanitizer.Clean(timeoutErr.Command),
			Reason:  s.sanitizer.Clean(timeoutErr.Reason),
		}
	}
	return &TransportError{Reason: s.sanitizer.CleanErr(err)}
}

// record writes one audit record, filling host and ID. Audit failures are
// logged, never propagated — the command outcome already happened.
func (s *Session) record(ctx context.Context, e audit.Execution) {
	e.ID = uuid.NewString()
	e.Host = s.host
	if err := s.sink.Record(ctx, e); err != nil {
		log.Printf("[AUDIT] record failed: %s", s.sanitizer.CleanErr(err))
	}
}

// authMethod builds the single configured auth method. Agent and implicit
// key discovery are disabled on purpose — only the configured credential
// authenticates.
func (s *Session) authMethod() (ssh.AuthMethod, error) {
	if s.keyPath != "" {
		key, err := readPrivateKey(s.keyPath)
		if err != nil {
			return nil, &ConnectionError{Reason: s.sanitizer.Clean(err.Error())}
		}
		return ssh.PublicKeys(key), nil
	}
	return ssh.Password(s.creds.Password()), nil
}

// sudoWantsPassword detects the remote sudo refusing to run because no
// password could be supplied non-interactively.
func sudoWantsPassword(res *CommandResult) bool {
	if res == nil || res.ExitCode == 0 {
		return false
	}
	stderr := strings.ToLower(res.Stderr)
	return strings.Contains(stderr, "a password is required") ||
		strings.Contains(stderr, "a terminal is required")
}
