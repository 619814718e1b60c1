package gate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshTransport runs commands over an established *ssh.Client. Each run opens
// its own channel; the channel is torn down when the command completes, times
// out, or the context is cancelled.
type sshTransport struct {
	client *ssh.Client
}

// run executes command on a fresh SSH channel.
//
//   - stdin, when non-empty, is written to the command's input immediately
//     after submission and flushed by closing the pipe.
//   - stdout and stderr are drained concurrently to completion and decoded
//     as text with trailing whitespace trimmed.
//   - timeout > 0 bounds the whole exchange; exceeding it yields a
//     *TimeoutError, never an unclassified failure.
//   - ctx cancellation tears the channel down and returns whatever output
//     was captured alongside ctx.Err() — the monitoring path's contract.
func (t *sshTransport) run(ctx context.Context, command, stdin string, timeout time.Duration, tee io.Writer) (*CommandResult, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer sess.Close()

	stdinPipe, err := sess.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutPipe, err := sess.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := sess.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	started := time.Now()
	if err := sess.Start(command); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	// Elevation password (or any other payload) goes out immediately after
	// submission; closing the pipe flushes it and signals EOF.
	if stdin != "" {
		if _, err := io.WriteString(stdinPipe, stdin); err != nil {
			return nil, fmt.Errorf("write stdin: %w", err)
		}
	}
	stdinPipe.Close()

	var stdout, stderr capture

	// Drain both streams concurrently so neither can stall the channel.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		out := io.Writer(&stdout)
		if tee != nil {
			out = io.MultiWriter(&stdout, tee)
		}
		io.Copy(out, stdoutPipe) //nolint:errcheck
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderr, stderrPipe) //nolint:errcheck
	}()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- sess.Wait()
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case waitErr := <-done:
		return buildResult(command, &stdout, &stderr, started, waitErr)

	case <-timer:
		sess.Close()
		return nil, &TimeoutError{
			Command: command,
			Reason:  fmt.Sprintf("command exceeded %s budget", timeout),
		}

	case <-ctx.Done():
		sess.Close()
		res := &CommandResult{
			ExitCode: -1,
			Stdout:   stdout.text(),
			Stderr:   stderr.text(),
			Duration: time.Since(started),
		}
		return res, ctx.Err()
	}
}

func (t *sshTransport) close() error {
	return t.client.Close()
}

// buildResult decodes the exit status from Wait's error.
func buildResult(command string, stdout, stderr *capture, started time.Time, waitErr error) (*CommandResult, error) {
	exitCode := 0
	if waitErr != nil {
		exitErr, ok := waitErr.(*ssh.ExitError)
		if !ok {
			return nil, fmt.Errorf("wait for %q: %w", command, waitErr)
		}
		exitCode = exitErr.ExitStatus()
	}

	return &CommandResult{
		ExitCode: exitCode,
		Stdout:   stdout.text(),
		Stderr:   stderr.text(),
		Success:  exitCode == 0,
		Duration: time.Since(started),
	}, nil
}

// capture is a mutex-guarded buffer: drain goroutines write while the
// cancellation path may read a partial snapshot.
type capture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *capture) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimRight(c.buf.String(), " \t\r\n")
}

// readPrivateKey loads and parses an unencrypted private key file.
// Permissions were already checked at Session construction.
func readPrivateKey(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	return signer, nil
}
