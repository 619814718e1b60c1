package gate

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbhansen/retroMCP-sub000/internal/audit"
	"github.com/nbhansen/retroMCP-sub000/internal/policy"
	"github.com/nbhansen/retroMCP-sub000/internal/sanitize"
	"github.com/nbhansen/retroMCP-sub000/internal/validate"
)

// =============================================================================
// Fakes
// =============================================================================

type call struct {
	command string
	stdin   string
	timeout time.Duration
}

// fakeTransport records every run call and plays back a scripted result.
// With echo=true it behaves like a remote shell for `echo` commands, which
// TestConnection depends on.
type fakeTransport struct {
	mu     sync.Mutex
	calls  []call
	result *CommandResult
	err    error
	echo   bool
	closed bool
}

func (f *fakeTransport) run(ctx context.Context, command, stdin string, timeout time.Duration, tee io.Writer) (*CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{command: command, stdin: stdin, timeout: timeout})
	f.mu.Unlock()

	if f.err != nil {
		return f.result, f.err
	}
	if f.echo && strings.HasPrefix(command, "echo ") {
		return &CommandResult{
			ExitCode: 0,
			Stdout:   strings.TrimPrefix(command, "echo ") + "\n",
			Success:  true,
		}, nil
	}
	if tee != nil && f.result != nil && f.result.Stdout != "" {
		tee.Write([]byte(f.result.Stdout)) //nolint:errcheck
	}
	if ctx.Err() != nil {
		return f.result, ctx.Err()
	}
	return f.result, nil
}

func (f *fakeTransport) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) lastCall() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// memorySink captures audit records in memory.
type memorySink struct {
	mu      sync.Mutex
	records []audit.Execution
}

func (m *memorySink) Record(_ context.Context, e audit.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, e)
	return nil
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) all() []audit.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Execution(nil), m.records...)
}

// =============================================================================
// Helpers
// =============================================================================

func testConfig() Config {
	return Config{
		Host:           "192.168.1.50",
		Username:       "pi",
		Password:       "raspberry",
		KnownHostsPath: "/etc/retrogate/known_hosts",
	}
}

func newTestSession(t *testing.T, cfg Config, sink audit.Sink) (*Session, *fakeTransport) {
	t.Helper()
	s, err := New(cfg, sink)
	require.NoError(t, err)
	ft := &fakeTransport{result: &CommandResult{Success: true}}
	s.transport = ft
	return s, ft
}

// =============================================================================
// Construction — fail closed on invalid parameters
// =============================================================================

func TestNew_RejectsInvalidHost(t *testing.T) {
	cfg := testConfig()
	cfg.Host = "host; rm -rf /"
	_, err := New(cfg, nil)
	var vErr *validate.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestNew_RejectsInvalidUsername(t *testing.T) {
	cfg := testConfig()
	cfg.Username = "pi|sh"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestNew_RejectsInvalidPort(t *testing.T) {
	cfg := testConfig()
	cfg.Port = 70000
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestNew_RequiresExactlyOneCredential(t *testing.T) {
	cfg := testConfig()
	cfg.KeyPath = "/home/pi/.ssh/id_ed25519"
	_, err := New(cfg, nil) // both password and key
	assert.Error(t, err)

	cfg.Password = ""
	cfg.KeyPath = ""
	_, err = New(cfg, nil) // neither
	assert.Error(t, err)
}

func TestNew_RequiresKnownHostsPath(t *testing.T) {
	cfg := testConfig()
	cfg.KnownHostsPath = ""
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestNew_DefaultsApplied(t *testing.T) {
	s, err := New(testConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, defaultPort, s.port)
	assert.Equal(t, defaultCommandTimeout, s.commandTimeout)
	assert.Equal(t, defaultMaxRetries, s.maxRetries)
}

// =============================================================================
// Connect — host-key store fails closed, passwords cleared on unwind
// =============================================================================

func TestConnect_MissingKnownHostsFailsClosed(t *testing.T) {
	cfg := testConfig()
	cfg.KnownHostsPath = filepath.Join(t.TempDir(), "absent_known_hosts")
	s, err := New(cfg, nil)
	require.NoError(t, err)

	err = s.Connect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)

	// Unwind path clears credentials like any other teardown.
	assert.Empty(t, s.creds.Password())
}

func TestConnect_ErrorNeverLeaksCredentialOrAddress(t *testing.T) {
	cfg := testConfig()
	cfg.KnownHostsPath = filepath.Join(t.TempDir(), "absent_known_hosts")
	s, err := New(cfg, nil)
	require.NoError(t, err)

	err = s.Connect(context.Background())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "raspberry")
	assert.NotContains(t, err.Error(), cfg.KnownHostsPath)
}

// =============================================================================
// Disconnect — credential zeroing on every path
// =============================================================================

func TestDisconnect_ClearsPasswordsWithoutConnect(t *testing.T) {
	cfg := testConfig()
	cfg.ElevationPassword = "sudo-secret"
	s, err := New(cfg, nil)
	require.NoError(t, err)

	s.Disconnect()

	assert.Empty(t, s.creds.Password())
	assert.Empty(t, s.creds.ElevationPassword())
}

func TestDisconnect_ClosesTransportAndClearsPasswords(t *testing.T) {
	cfg := testConfig()
	cfg.ElevationPassword = "sudo-secret"
	s, ft := newTestSession(t, cfg, nil)

	s.Disconnect()

	assert.True(t, ft.closed)
	assert.Nil(t, s.transport)
	assert.Empty(t, s.creds.Password())
	assert.Empty(t, s.creds.ElevationPassword())
}

// =============================================================================
// TestConnection
// =============================================================================

func TestTestConnection_NotConnected(t *testing.T) {
	s, err := New(testConfig(), nil)
	require.NoError(t, err)
	assert.False(t, s.TestConnection(context.Background()))
}

func TestTestConnection_SentinelRoundTrip(t *testing.T) {
	s, ft := newTestSession(t, testConfig(), nil)
	ft.echo = true
	assert.True(t, s.TestConnection(context.Background()))
	assert.True(t, strings.HasPrefix(ft.lastCall().command, "echo gate-"))
}

func TestTestConnection_FailureIsFalseNotPanic(t *testing.T) {
	s, ft := newTestSession(t, testConfig(), nil)
	ft.err = errors.New("channel collapsed")
	assert.False(t, s.TestConnection(context.Background()))
}

// =============================================================================
// ExecuteCommand scenarios
// =============================================================================

func TestExecuteCommand_EchoHello(t *testing.T) {
	s, ft := newTestSession(t, testConfig(), nil)
	ft.result = &CommandResult{ExitCode: 0, Stdout: "hello\n", Success: true}

	res, err := s.ExecuteCommand(context.Background(), "echo hello", false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "echo hello", ft.lastCall().command)
}

func TestExecuteCommand_DangerousCommandNeverReachesTransport(t *testing.T) {
	s, ft := newTestSession(t, testConfig(), nil)

	_, err := s.ExecuteCommand(context.Background(), "rm -rf /", false)

	var authErr *policy.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, policy.ClassDangerousCommand, authErr.Classification)
	assert.Equal(t, 0, ft.callCount())
}

func TestExecuteCommand_InjectionNeverReachesTransport(t *testing.T) {
	s, ft := newTestSession(t, testConfig(), nil)

	_, err := s.ExecuteCommand(context.Background(), "ls; reboot", false)

	var authErr *policy.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, policy.ClassCommandInjection, authErr.Classification)
	assert.Equal(t, 0, ft.callCount())
}

func TestExecuteCommand_ElevatedGetsSudoPrefix(t *testing.T) {
	s, ft := newTestSession(t, testConfig(), nil)
	ft.result = &CommandResult{ExitCode: 0, Success: true}

	res, err := s.ExecuteCommand(context.Background(), "apt-get install vim", true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "sudo apt-get install vim", ft.lastCall().command)
	assert.Empty(t, ft.lastCall().stdin)
}

func TestExecuteCommand_ElevationPasswordFedOverStdin(t *testing.T) {
	cfg := testConfig()
	cfg.ElevationPassword = "sudo-secret"
	s, ft := newTestSession(t, cfg, nil)
	ft.result = &CommandResult{ExitCode: 0, Success: true}

	_, err := s.ExecuteCommand(context.Background(), "apt-get install vim", true)
	require.NoError(t, err)
	assert.Equal(t, "sudo -S apt-get install vim", ft.lastCall().command)
	assert.Equal(t, "sudo-secret\n", ft.lastCall().stdin)
}

func TestExecuteCommand_ElevationNotAllowed(t *testing.T) {
	s, ft := newTestSession(t, testConfig(), nil)

	_, err := s.ExecuteCommand(context.Background(), "echo hello", true)

	var authErr *policy.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, policy.ClassElevationNotAllowed, authErr.Classification)
	assert.Equal(t, 0, ft.callCount())
}

func TestExecuteCommand_NotConnected(t *testing.T) {
	s, err := New(testConfig(), nil)
	require.NoError(t, err)

	_, err = s.ExecuteCommand(context.Background(), "echo hello", false)
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestExecuteCommand_TimeoutIsTyped(t *testing.T) {
	s, ft := newTestSession(t, testConfig(), nil)
	ft.result = nil
	ft.err = &TimeoutError{Command: "sleep 60", Reason: "command exceeded 30s budget"}

	_, err := s.ExecuteCommand(context.Background(), "sleep 60", false)
	var timeoutErr *TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestExecuteCommand_TransportErrorSanitized(t *testing.T) {
	s, ft := newTestSession(t, testConfig(), nil)
	ft.result = nil
	ft.err = errors.New("write to 192.168.1.50 failed: auth raspberry rejected, see /var/log/auth.log")

	_, err := s.ExecuteCommand(context.Background(), "echo hello", false)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.NotContains(t, err.Error(), "raspberry")
	assert.NotContains(t, err.Error(), "192.168.1.50")
	assert.NotContains(t, err.Error(), "/var/log")
	assert.Contains(t, err.Error(), sanitize.RedactedSecret)
	assert.Contains(t, err.Error(), sanitize.RedactedAddr)
}

func TestExecuteCommand_MissingElevationCredential(t *testing.T) {
	s, ft := newTestSession(t, testConfig(), nil) // no elevation password
	ft.result = &CommandResult{
		ExitCode: 1,
		Stderr:   "sudo: a terminal is required to read the password",
	}

	_, err := s.ExecuteCommand(context.Background(), "apt-get install vim", true)
	var missingErr *MissingElevationCredentialError
	assert.ErrorAs(t, err, &missingErr)
}

// =============================================================================
// ExecuteMonitoringCommand
// =============================================================================

func TestExecuteMonitoring_NoCommandTimeout(t *testing.T) {
	s, ft := newTestSession(t, testConfig(), nil)
	ft.result = &CommandResult{ExitCode: 0, Stdout: "frame", Success: true}

	_, err := s.ExecuteMonitoringCommand(context.Background(), "journalctl -f -n 10")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), ft.lastCall().timeout)
}

func TestExecuteMonitoring_PolicyStillApplies(t *testing.T) {
	s, ft := newTestSession(t, testConfig(), nil)

	_, err := s.ExecuteMonitoringCommand(context.Background(), "rm -rf /")
	var authErr *policy.AuthorizationError
	assert.ErrorAs(t, err, &authErr)
	assert.Equal(t, 0, ft.callCount())
}

func TestExecuteMonitoring_AbandonedCallReturnsCapturedOutput(t *testing.T) {
	s, ft := newTestSession(t, testConfig(), nil)
	ft.result = &CommandResult{ExitCode: -1, Stdout: "partial output"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.ExecuteMonitoringCommand(ctx, "dmesg -w")
	require.NoError(t, err)
	assert.Equal(t, "partial output", res.Stdout)
}

func TestExecuteMonitoring_OutputReachesObservers(t *testing.T) {
	s, ft := newTestSession(t, testConfig(), nil)
	ft.result = &CommandResult{ExitCode: 0, Stdout: "tick\n", Success: true}

	var buf strings.Builder
	var mu sync.Mutex
	unsubscribe, err := s.Observe(writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.WriteString(string(p))
	}))
	require.NoError(t, err)
	defer unsubscribe()

	_, err = s.ExecuteMonitoringCommand(context.Background(), "vcgencmd measure_temp")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(buf.String(), "tick")
	}, time.Second, 10*time.Millisecond)
}

type writerFunc func(p []byte) (int, error)

func (w writerFunc) Write(p []byte) (int, error) { return w(p) }

// =============================================================================
// Audit trail
// =============================================================================

func TestAudit_AllowedAndRejectedBothRecorded(t *testing.T) {
	sink := &memorySink{}
	s, ft := newTestSession(t, testConfig(), sink)
	ft.result = &CommandResult{ExitCode: 0, Success: true}

	_, _ = s.ExecuteCommand(context.Background(), "echo hello", false)
	_, _ = s.ExecuteCommand(context.Background(), "rm -rf /", false)

	records := sink.all()
	require.Len(t, records, 2)

	assert.True(t, records[0].Allowed)
	assert.Equal(t, "echo hello", records[0].Command)
	assert.NotEmpty(t, records[0].ID)
	assert.Equal(t, "192.168.1.50", records[0].Host)

	assert.False(t, records[1].Allowed)
	assert.Equal(t, policy.ClassDangerousCommand, records[1].Classification)
}

func TestAudit_BlankCommandRecordedAsInvalidInput(t *testing.T) {
	// A blank command is invalid input, not an injection: the caller gets a
	// *validate.ValidationError and the audit record says so, the transport
	// is never touched.
	sink := &memorySink{}
	s, ft := newTestSession(t, testConfig(), sink)

	_, err := s.ExecuteCommand(context.Background(), "   ", false)
	var valErr *validate.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "command", valErr.Field)
	assert.Equal(t, 0, ft.callCount())

	records := sink.all()
	require.Len(t, records, 1)
	assert.False(t, records[0].Allowed)
	assert.Equal(t, "INVALID_COMMAND", records[0].Classification)
}

// =============================================================================
// ValidateWritePath surface
// =============================================================================

func TestValidateWritePath_Classifications(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), nil)

	assert.NoError(t, s.ValidateWritePath("/home/pi/RetroPie/roms/game.nes"))

	err := s.ValidateWritePath("/home/pi/../etc/shadow")
	var pathErr *validate.PathError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, validate.ClassPathTraversal, pathErr.Classification)

	err = s.ValidateWritePath("roms/game.nes")
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, validate.ClassRelativePath, pathErr.Classification)
}

// =============================================================================
// Ordering — one command's output captured before the next is sent
// =============================================================================

func TestExecuteCommand_SequentialOrdering(t *testing.T) {
	s, ft := newTestSession(t, testConfig(), nil)
	ft.echo = true

	for _, cmd := range []string{"echo one", "echo two", "echo three"} {
		res, err := s.ExecuteCommand(context.Background(), cmd, false)
		require.NoError(t, err)
		assert.Equal(t, strings.TrimPrefix(cmd, "echo ")+"\n", res.Stdout)
	}
	assert.Equal(t, 3, ft.callCount())
}
