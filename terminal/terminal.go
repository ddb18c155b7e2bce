//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

// Package terminal runs an interactive shell on a pseudo-terminal for one
// thread. The shell's working directory, environment, and running processes
// persist across commands, so a thread can cd somewhere, export variables,
// and keep using them. Sessions are live resources: they are never
// serialized and die with their thread.
package terminal

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/taskpilot-ai/taskpilot/log"
)

const (
	defaultShell          = "/bin/bash"
	defaultMaxOutputBytes = 100_000
	defaultCommandTimeout = 120 * time.Second

	// markerPrefix brackets command output so Execute can find where a
	// command's output ends and recover its exit code.
	markerPrefix = "__TASKPILOT_DONE_"
)

// ExecResult is the outcome of one command.
type ExecResult struct {
	// Output is the interleaved stdout/stderr of the command, truncated to
	// the session's output limit.
	Output string `json:"output"`
	// ExitCode is the command's exit status.
	ExitCode int `json:"exit_code"`
	// Truncated reports whether Output was cut at the limit.
	Truncated bool `json:"truncated,omitempty"`
	// Duration is how long the command ran.
	Duration time.Duration `json:"duration"`
}

// Option configures a Session.
type Option func(*options)

type options struct {
	shell          string
	workdir        string
	env            []string
	maxOutputBytes int
	timeout        time.Duration
}

// WithShell overrides the shell binary.
func WithShell(shell string) Option {
	return func(o *options) { o.shell = shell }
}

// WithWorkdir sets the shell's starting directory.
func WithWorkdir(dir string) Option {
	return func(o *options) { o.workdir = dir }
}

// WithEnv appends environment variables (KEY=VALUE) to the shell.
func WithEnv(env ...string) Option {
	return func(o *options) { o.env = append(o.env, env...) }
}

// WithMaxOutputBytes caps per-command output.
func WithMaxOutputBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxOutputBytes = n
		}
	}
}

// WithCommandTimeout sets the default per-command timeout, used when the
// caller's context has no earlier deadline.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Session is a single interactive shell on a pty. One command runs at a
// time; Execute serializes callers.
type Session struct {
	ptmx    *os.File
	cmd     *exec.Cmd
	output  chan []byte
	readErr chan error
	done    chan struct{}

	maxOutputBytes int
	timeout        time.Duration

	mu     sync.Mutex
	seq    int
	closed bool
}

// New starts a shell session. The shell keeps running until Close.
func New(ctx context.Context, opts ...Option) (*Session, error) {
	options := options{
		shell:          defaultShell,
		maxOutputBytes: defaultMaxOutputBytes,
		timeout:        defaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if _, err := exec.LookPath(options.shell); err != nil {
		// Fall back to sh for minimal images.
		options.shell = "/bin/sh"
	}

	var args []string
	if strings.HasSuffix(options.shell, "bash") {
		// Readline would re-enable echo on its own; take line editing out
		// so the pty's termios settings govern.
		args = append(args, "--noediting", "--norc")
	}
	cmd := exec.Command(options.shell, args...)
	cmd.Dir = options.workdir
	cmd.Env = append(os.Environ(), options.env...)
	// Keep the shell quiet and prompt-less; output parsing relies on it.
	cmd.Env = append(cmd.Env, "PS1=", "PS2=", "PROMPT_COMMAND=", "TERM=dumb")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start shell %s: %w", options.shell, err)
	}

	// Echo must be off before the first command is written, or the echoed
	// command line would carry the completion marker into the output.
	if err := disableEcho(ptmx); err != nil {
		_ = ptmx.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
		return nil, fmt.Errorf("failed to configure pty: %w", err)
	}

	s := &Session{
		ptmx:           ptmx,
		cmd:            cmd,
		output:         make(chan []byte, 64),
		readErr:        make(chan error, 1),
		done:           make(chan struct{}),
		maxOutputBytes: options.maxOutputBytes,
		timeout:        options.timeout,
	}
	go s.pump()
	return s, nil
}

// disableEcho clears the ECHO flag on the pty master so input written by
// Execute never reappears as output.
func disableEcho(f *os.File) error {
	fd := int(f.Fd())
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	termios.Lflag &^= unix.ECHO
	return unix.IoctlSetTermios(fd, unix.TCSETS, termios)
}

// pump moves pty output into the session channel until the pty closes or
// the session shuts down.
func (s *Session) pump() {
	for {
		buf := make([]byte, 4096)
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			select {
			case s.output <- buf[:n]:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case s.readErr <- err:
			default:
			}
			close(s.output)
			return
		}
	}
}

// Execute runs a command in the session shell and returns its output and
// exit code. The context bounds the wait; on timeout the session is left
// with the command still running and the caller should close the session.
func (s *Session) Execute(ctx context.Context, command string) (*ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("terminal session is closed")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.seq++
	marker := fmt.Sprintf("%s%d__", markerPrefix, s.seq)
	s.drain()

	// The marker line carries the exit status of the command before it.
	wrapped := fmt.Sprintf("%s; printf '\\n%s%%d\\n' $?\n", strings.TrimSpace(command), marker)
	start := time.Now()
	if _, err := s.ptmx.Write([]byte(wrapped)); err != nil {
		return nil, fmt.Errorf("failed to write command: %w", err)
	}

	var buf bytes.Buffer
	truncated := false
	for {
		select {
		case chunk, ok := <-s.output:
			if !ok {
				return nil, fmt.Errorf("shell exited while running command")
			}
			if buf.Len() < s.maxOutputBytes {
				buf.Write(chunk)
			} else {
				truncated = true
			}
			if output, exitCode, found := cutMarker(buf.String(), marker); found {
				if len(output) > s.maxOutputBytes {
					output = output[:s.maxOutputBytes]
					truncated = true
				}
				return &ExecResult{
					Output:    strings.TrimRight(output, "\r\n"),
					ExitCode:  exitCode,
					Truncated: truncated,
					Duration:  time.Since(start),
				}, nil
			}
		case err := <-s.readErr:
			return nil, fmt.Errorf("shell read failed: %w", err)
		case <-ctx.Done():
			return nil, fmt.Errorf("command timed out: %w", ctx.Err())
		}
	}
}

// drain discards output left over from a previous command.
func (s *Session) drain() {
	for {
		select {
		case <-s.output:
		default:
			return
		}
	}
}

// cutMarker finds the completion marker in accumulated output and extracts
// the exit code that follows it.
func cutMarker(accumulated, marker string) (output string, exitCode int, found bool) {
	idx := strings.Index(accumulated, marker)
	if idx < 0 {
		return "", 0, false
	}
	rest := accumulated[idx+len(marker):]
	end := strings.IndexAny(rest, "\r\n")
	if end < 0 {
		// Exit code not fully written yet.
		return "", 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(rest[:end]))
	if err != nil {
		code = -1
	}
	return accumulated[:idx], code, true
}

// Close terminates the shell and releases the pty.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	err := s.ptmx.Close()
	if s.cmd.Process != nil {
		if killErr := s.cmd.Process.Kill(); killErr != nil {
			log.Debugf("failed to kill shell process: %v", killErr)
		}
		_ = s.cmd.Wait()
	}
	return err
}
