// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/outpost-dev/outpost/lib/clock"
	"github.com/outpost-dev/outpost/wire"
)

// DefaultReadyTimeout bounds the wait for the child's READY message.
const DefaultReadyTimeout = 5 * time.Second

// killTimeout is how long a terminated child gets to exit on its own
// before SIGKILL.
const killTimeout = 5 * time.Second

// ErrReadyTimeout reports that the child never announced readiness.
var ErrReadyTimeout = errors.New("bridge: timed out waiting for child READY")

// ExitStatus describes how the child ended.
type ExitStatus struct {
	// Code is the exit code when the child exited normally.
	Code int

	// Signal names the terminating signal, empty for a normal exit.
	Signal string

	// Expected is true when the parent had requested termination, so
	// the exit is orderly rather than a crash.
	Expected bool
}

// Options configures a spawned child.
type Options struct {
	// Binary is the child executable path.
	Binary string

	// Args are the child's arguments, not including the binary name.
	Args []string

	// Env is the child's environment. Nil inherits the parent's.
	Env []string

	// ReadyTimeout bounds WaitReady. Zero means DefaultReadyTimeout.
	ReadyTimeout time.Duration

	// Clock drives the ready and kill timers. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives structured log output. Nil means
	// slog.Default().
	Logger *slog.Logger

	// OnConsole receives child console messages.
	OnConsole func(severity, message string)

	// OnDisconnected fires when the child reports that its client
	// socket dropped.
	OnDisconnected func()

	// OnExit fires once when the child process ends.
	OnExit func(status ExitStatus)
}

// Child is the parent's handle on a spawned child process and its IPC
// channel.
type Child struct {
	command *exec.Cmd // nil when attached to a bare channel in tests
	channel *ipcConn
	clk     clock.Clock
	logger  *slog.Logger

	readyTimeout   time.Duration
	consoleFn      func(severity, message string)
	disconnectedFn func()
	exitFn         func(ExitStatus)

	ready  chan struct{}
	exited chan struct{}

	mu          sync.Mutex
	terminating bool
	killTimer   *clock.Timer
}

// Spawn forks the child binary with its end of a fresh socketpair as
// file descriptor 3 and begins reading its messages. Call WaitReady
// before the first SendSocket.
func Spawn(opts Options) (*Child, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("bridge: creating socketpair: %w", err)
	}

	// fds[0] goes to the child as fd 3; fds[1] stays here. FileConn
	// dups its descriptor, so the intermediate file is closed either
	// way.
	childFile := os.NewFile(uintptr(fds[0]), "bridge-channel-child")
	parentFile := os.NewFile(uintptr(fds[1]), "bridge-channel-parent")
	parentConn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		childFile.Close()
		return nil, fmt.Errorf("bridge: converting channel to net.Conn: %w", err)
	}
	unixConn, ok := parentConn.(*net.UnixConn)
	if !ok {
		parentConn.Close()
		childFile.Close()
		return nil, fmt.Errorf("bridge: channel is %T, want *net.UnixConn", parentConn)
	}

	command := exec.Command(opts.Binary, opts.Args...)
	command.Env = opts.Env
	command.ExtraFiles = []*os.File{childFile} // becomes fd 3 in the child
	command.Stderr = os.Stderr

	child := attach(unixConn, opts)
	child.command = command

	if err := command.Start(); err != nil {
		unixConn.Close()
		childFile.Close()
		return nil, fmt.Errorf("bridge: starting child %q: %w", opts.Binary, err)
	}
	childFile.Close()

	go child.readLoop()
	go child.waitLoop()
	return child, nil
}

// Adopt builds a Child over an existing channel without spawning a
// process. The other end is driven in-process; exit reporting and the
// SIGKILL escalation are inert.
func Adopt(conn *net.UnixConn, opts Options) *Child {
	child := attach(conn, opts)
	go child.readLoop()
	return child
}

// attach builds a Child over an existing channel without a process.
func attach(conn *net.UnixConn, opts Options) *Child {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	readyTimeout := opts.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	return &Child{
		channel:        newIPCConn(conn),
		clk:            clk,
		logger:         logger,
		readyTimeout:   readyTimeout,
		consoleFn:      opts.OnConsole,
		disconnectedFn: opts.OnDisconnected,
		exitFn:         opts.OnExit,
		ready:          make(chan struct{}),
		exited:         make(chan struct{}),
	}
}

// WaitReady blocks until the child announces readiness, it exits, or
// the ready timeout elapses.
func (c *Child) WaitReady() error {
	select {
	case <-c.ready:
		return nil
	case <-c.exited:
		return errors.New("bridge: child exited before READY")
	case <-c.clk.After(c.readyTimeout):
		return ErrReadyTimeout
	}
}

// SendSocket ships a client socket to the child: the descriptor as
// ancillary data, plus the framing and compression state and any
// buffered-but-undelivered protocol data. The caller must have paused
// the socket's reads first and should close its copy afterwards.
func (c *Child) SendSocket(socket wire.Socket, initialData []byte) error {
	state := socket.HandoffState()
	file, err := socket.File()
	if err != nil {
		return fmt.Errorf("bridge: duplicating socket descriptor: %w", err)
	}
	defer file.Close()

	msg := ipcMessage{
		Type:              messageTypeSocket,
		InitialDataChunk:  initialData,
		SkipFraming:       state.SkipFraming,
		PermessageDeflate: state.PermessageDeflate,
		InflateBytes:      state.InflateBytes,
	}
	return c.channel.writeMessage(msg, int(file.Fd()))
}

// Terminate asks the child to exit, both over the channel and with
// SIGTERM so a child stuck before its read loop still gets the
// request, escalating to SIGKILL if it lingers. Subsequent exit
// notifications are marked Expected.
func (c *Child) Terminate() {
	c.mu.Lock()
	if c.terminating {
		c.mu.Unlock()
		return
	}
	c.terminating = true
	if c.command != nil {
		if err := c.command.Process.Signal(unix.SIGTERM); err != nil {
			c.logger.Debug("signaling child", "error", err)
		}
		c.killTimer = c.clk.AfterFunc(killTimeout, func() {
			c.logger.Warn("child ignored terminate request, killing")
			c.command.Process.Kill()
		})
	}
	c.mu.Unlock()

	if err := c.channel.writeMessage(ipcMessage{Type: messageTypeTerminate}, -1); err != nil {
		c.logger.Debug("terminate message not delivered", "error", err)
	}
}

// Exited reports whether the child process has ended.
func (c *Child) Exited() bool {
	select {
	case <-c.exited:
		return true
	default:
		return false
	}
}

// readLoop dispatches child messages until the channel closes.
func (c *Child) readLoop() {
	for {
		msg, err := c.channel.readMessage()
		if err != nil {
			c.logger.Debug("bridge channel closed", "error", err)
			return
		}
		switch msg.Type {
		case messageTypeReady:
			select {
			case <-c.ready:
			default:
				close(c.ready)
			}
		case messageTypeConsole:
			if c.consoleFn != nil {
				c.consoleFn(msg.Severity, msg.Message)
			}
		case messageTypeDisconnected:
			if c.disconnectedFn != nil {
				c.disconnectedFn()
			}
		default:
			c.logger.Warn("unexpected bridge message from child", "type", msg.Type)
		}
	}
}

// waitLoop reaps the child process and reports its exit.
func (c *Child) waitLoop() {
	err := c.command.Wait()

	c.mu.Lock()
	status := ExitStatus{Expected: c.terminating}
	if c.killTimer != nil {
		c.killTimer.Stop()
	}
	c.mu.Unlock()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if waitStatus, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if waitStatus.Signaled() {
				status.Signal = waitStatus.Signal().String()
			} else {
				status.Code = waitStatus.ExitStatus()
			}
		}
	}

	c.channel.close()
	close(c.exited)
	if c.exitFn != nil {
		c.exitFn(status)
	}
}
