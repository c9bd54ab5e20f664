package shell

import (
	"context"
	"math"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/creack/pty"

	sgerrors "github.com/odvcencio/shellgate/pkg/errors"
	"github.com/odvcencio/shellgate/pkg/logging"
)

// PTYConfig configures the local pseudo-terminal transport used when no
// server is reachable.
type PTYConfig struct {
	// Shell overrides $SHELL. Empty picks the platform default.
	Shell string
	// Dir is the shell's working directory.
	Dir string
	// Initial terminal size. Zero values let the shell decide.
	Rows, Cols int
}

// NewPTYDialer returns a DialFunc that spawns a local login shell on a
// pseudo-terminal.
func NewPTYDialer(cfg PTYConfig, logger *logging.Logger) DialFunc {
	if logger == nil {
		logger = logging.Discard()
	}
	return func(ctx context.Context, sessionID string) (Transport, error) {
		shell := cfg.Shell
		if shell == "" {
			shell = os.Getenv("SHELL")
		}
		if shell == "" {
			if runtime.GOOS == "windows" {
				shell = "cmd.exe"
			} else {
				shell = "/bin/bash"
			}
		}

		var cmd *exec.Cmd
		if runtime.GOOS == "windows" {
			cmd = exec.Command(shell)
		} else {
			cmd = exec.Command(shell, "-l")
		}
		cmd.Dir = cfg.Dir
		cmd.Env = os.Environ()

		var ptmx *os.File
		var err error
		if rows, cols, ok := clampSize(cfg.Rows, cfg.Cols); ok {
			ptmx, err = pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
		} else {
			ptmx, err = pty.Start(cmd)
		}
		if err != nil {
			return nil, sgerrors.Wrap(err, sgerrors.ErrCodeTransportDropped, "start local shell")
		}

		t := &ptyTransport{
			ptmx:   ptmx,
			cmd:    cmd,
			events: make(chan Event, 64),
			done:   make(chan struct{}),
			logger: logger,
		}
		go t.readPump()
		return t, nil
	}
}

// ptyTransport runs a shell on a local pseudo-terminal.
type ptyTransport struct {
	ptmx   *os.File
	cmd    *exec.Cmd
	events chan Event

	done      chan struct{}
	closeOnce sync.Once
	logger    *logging.Logger
}

func (t *ptyTransport) Send(text string) error {
	if _, err := t.ptmx.Write([]byte(text)); err != nil {
		return sgerrors.Wrap(err, sgerrors.ErrCodeTransportDropped, "pty write").WithRetryable(true)
	}
	return nil
}

func (t *ptyTransport) Resize(rows, cols int) error {
	r, c, ok := clampSize(rows, cols)
	if !ok {
		return sgerrors.New(sgerrors.ErrCodeInvalidInput, "terminal size out of range")
	}
	if err := pty.Setsize(t.ptmx, &pty.Winsize{Rows: r, Cols: c}); err != nil {
		return sgerrors.Wrap(err, sgerrors.ErrCodeTransportDropped, "pty resize")
	}
	return nil
}

// Signal delivers signals as terminal control bytes; on a pty they reach
// the foreground process group, which is the process being targeted.
func (t *ptyTransport) Signal(kind SignalKind, pid string) error {
	var bytes []byte
	switch kind {
	case SignalInterrupt:
		bytes = []byte{0x03} // ^C
	case SignalKill:
		bytes = []byte{0x03, 0x1c} // ^C then ^\ for stubborn processes
	default:
		return sgerrors.New(sgerrors.ErrCodeInvalidInput, "unknown signal "+string(kind))
	}
	if _, err := t.ptmx.Write(bytes); err != nil {
		return sgerrors.Wrap(err, sgerrors.ErrCodeTransportDropped, "pty signal").WithRetryable(true)
	}
	return nil
}

func (t *ptyTransport) Events() <-chan Event { return t.events }

func (t *ptyTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.ptmx.Close()
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		// Reap the shell so it does not linger as a zombie.
		go func() { _ = t.cmd.Wait() }()
	})
	return err
}

// readPump forwards shell output until the pty closes, then closes the
// events channel so the session manager sees the drop.
func (t *ptyTransport) readPump() {
	defer close(t.events)

	buffer := make([]byte, 4096)
	for {
		n, err := t.ptmx.Read(buffer)
		if n > 0 {
			event := Event{Type: EventOutput, Data: string(buffer[:n])}
			select {
			case t.events <- event:
			case <-t.done:
				return
			}
		}
		if err != nil {
			select {
			case <-t.done:
			default:
				t.logger.Debug(logging.CategoryTransport, "pty_closed", err.Error(), nil)
			}
			return
		}
	}
}

func clampSize(rows, cols int) (uint16, uint16, bool) {
	if rows <= 0 || cols <= 0 || rows > math.MaxUint16 || cols > math.MaxUint16 {
		return 0, 0, false
	}
	return uint16(rows), uint16(cols), true
}
