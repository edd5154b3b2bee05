package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Proc is one running engine process.
type Proc interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Wait blocks until the process exits.
	Wait() error
	Kill() error
	Pid() int
}

type Launcher interface {
	Launch(ctx context.Context) (Proc, error)
}

// ExecLauncher starts Binary with Flags appended verbatim. Stderr is
// inherited so engine warnings reach the daemon's log.
type ExecLauncher struct {
	Binary string
	Flags  []string
	Dir    string
	Env    map[string]string
}

func (l ExecLauncher) String() string {
	return strings.TrimSpace(l.Binary + " " + strings.Join(l.Flags, " "))
}

func (l ExecLauncher) Launch(ctx context.Context) (Proc, error) {
	// The process outlives the request that started it, so ctx only guards
	// the launch itself.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(l.Binary, l.Flags...)
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range l.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, err
	}
	return &execProc{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *execProc) Stdin() io.WriteCloser { return p.stdin }
func (p *execProc) Stdout() io.Reader     { return p.stdout }
func (p *execProc) Wait() error           { return p.cmd.Wait() }
func (p *execProc) Pid() int              { return p.cmd.Process.Pid }

func (p *execProc) Kill() error {
	_ = p.stdin.Close()
	return p.cmd.Process.Kill()
}
