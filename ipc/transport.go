// Package ipc spawns, talks to and supervises long-lived worker
// subprocesses over the line-framed protocol. It owns the retry, liveness
// and mutual-exclusion policy so connection-level failures never leak raw
// to the routing layer.
package ipc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tidewater-io/helmsman/internal/procutil"
)

// ErrReadTimeout marks one bounded read attempt that expired with no
// complete line available. Not an error condition: the caller loops again,
// which is exactly what keeps an idle-but-alive worker from looking dead.
var ErrReadTimeout = errors.New("ipc: read attempt timed out")

// ErrTransportClosed is returned once the transport is shut down.
var ErrTransportClosed = errors.New("ipc: transport closed")

// Transport moves protocol lines to and from one worker. ReadLine must
// never block past its wait ceiling: an unbounded blocking read would
// starve the read loop's watchdog and make "slow" indistinguishable from
// "dead".
type Transport interface {
	// ReadLine returns the next complete line, or ErrReadTimeout when no
	// line arrived within wait. Partial data is buffered across attempts.
	ReadLine(wait time.Duration) ([]byte, error)
	// WriteLine writes one already-framed line.
	WriteLine(line []byte) error
	// Close shuts the transport down, giving the peer the grace period to
	// exit cleanly before any force termination.
	Close(grace time.Duration) error
	// Pid returns the subprocess pid, or 0 for in-memory transports.
	Pid() int
}

// CommandTransport runs one worker subprocess and speaks over its
// stdin/stdout pipe pair. The read side uses pipe deadlines so every read
// attempt has an explicit ceiling.
type CommandTransport struct {
	cmd       *exec.Cmd
	stdin     *os.File // write end of the worker's stdin pipe
	stdout    *os.File // read end of the worker's stdout pipe
	buf       []byte
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// StartCommand launches the worker process. The process gets its own
// process group so a force kill takes any children of the wrapped tool
// down with it. Stderr lines are forwarded to the logger so crash
// diagnostics survive the subprocess.
func StartCommand(command []string, env []string, logger *zap.Logger) (*CommandTransport, error) {
	if len(command) == 0 {
		return nil, errors.New("ipc: empty worker command")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ipc: stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, fmt.Errorf("ipc: stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("ipc: stderr pipe: %w", err)
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, fmt.Errorf("ipc: start %q: %w", command[0], err)
	}

	// The child owns its ends now.
	inR.Close()
	outW.Close()
	errW.Close()

	go drainStderr(errR, logger)

	return &CommandTransport{cmd: cmd, stdin: inW, stdout: outR}, nil
}

// drainStderr logs the worker's stderr a line at a time, stopping at EOF
// once the child exits and its write end closes.
func drainStderr(r *os.File, logger *zap.Logger) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		logger.Warn("worker stderr", zap.String("line", scanner.Text()))
	}
}

// ReadLine implements the bounded-wait read: it sets a deadline on the
// pipe's read end for each attempt and returns control on expiry, leaving
// any partial line buffered for the next attempt.
func (t *CommandTransport) ReadLine(wait time.Duration) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	if line, ok := t.takeLine(); ok {
		return line, nil
	}

	deadline := time.Now().Add(wait)
	if err := t.stdout.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("ipc: set read deadline: %w", err)
	}

	chunk := make([]byte, 4096)
	for {
		n, err := t.stdout.Read(chunk)
		if n > 0 {
			t.buf = append(t.buf, chunk[:n]...)
			if line, ok := t.takeLine(); ok {
				return line, nil
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, ErrReadTimeout
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("ipc: read: %w", err)
		}
	}
}

func (t *CommandTransport) takeLine() ([]byte, bool) {
	idx := bytes.IndexByte(t.buf, '\n')
	if idx < 0 {
		return nil, false
	}
	line := make([]byte, idx+1)
	copy(line, t.buf[:idx+1])
	t.buf = t.buf[idx+1:]
	return line, true
}

func (t *CommandTransport) WriteLine(line []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(line); err != nil {
		return fmt.Errorf("ipc: write: %w", err)
	}
	return nil
}

// Close closes stdin (the conventional shutdown signal for a line-protocol
// worker), waits out the grace period, then force-kills the process group.
func (t *CommandTransport) Close(grace time.Duration) error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)

		t.stdin.Close()

		pid := t.Pid()
		done := make(chan error, 1)
		go func() { done <- t.cmd.Wait() }()

		select {
		case <-done:
		case <-time.After(grace):
			_ = procutil.KillGroup(pid)
			<-done
		}

		t.stdout.Close()
	})
	return nil
}

func (t *CommandTransport) Pid() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}
