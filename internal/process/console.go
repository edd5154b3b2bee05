package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// Console runs the engine under a pseudo-terminal wired to the caller's
// terminal, so protocol commands can be typed by hand.
type Console struct {
	Launcher ExecLauncher
	In       *os.File
	Out      io.Writer
}

const (
	defaultCols = 120
	defaultRows = 32
)

// Run blocks until the engine exits or ctx is done. When In is a terminal
// it is switched to raw mode for the duration.
func (c Console) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.Launcher.Binary, c.Launcher.Flags...)
	cmd.Dir = c.Launcher.Dir
	if len(c.Launcher.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Launcher.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	size := &pty.Winsize{Cols: defaultCols, Rows: defaultRows}
	fd := int(c.In.Fd())
	isTerm := term.IsTerminal(fd)
	if isTerm {
		if w, h, err := term.GetSize(fd); err == nil {
			size = &pty.Winsize{Cols: uint16(w), Rows: uint16(h)}
		}
	}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpawn, c.Launcher, err)
	}
	defer ptmx.Close()

	if isTerm {
		old, err := term.MakeRaw(fd)
		if err != nil {
			_ = cmd.Process.Kill()
			return err
		}
		defer func() { _ = term.Restore(fd, old) }()
	}

	go func() { _, _ = io.Copy(ptmx, c.In) }()
	if _, err := io.Copy(c.Out, ptmx); err != nil && !errors.Is(err, syscall.EIO) {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}
	waitErr := cmd.Wait()
	if code, sig := ExitStatus(waitErr); code != 0 || sig != "" {
		if sig != "" {
			return fmt.Errorf("%w: killed by %s", ErrExited, sig)
		}
		return fmt.Errorf("%w: status %d", ErrExited, code)
	}
	return nil
}
