// Package processtest provides an in-memory engine that speaks the wire
// protocol over pipes, for tests of the supervisor and everything above it.
package processtest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/samiralibabic/merlind/internal/process"
)

// Handler answers one decoded command with a raw reply line. An empty reply
// sends nothing; Exit makes the process terminate instead of replying.
type Handler func(cmd []any) string

const Exit = "\x00exit"

func Return(v any) string {
	raw, _ := json.Marshal([]any{"return", v})
	return string(raw)
}

func Failure(v any) string {
	raw, _ := json.Marshal([]any{"failure", v})
	return string(raw)
}

func Error(v any) string {
	raw, _ := json.Marshal([]any{"error", v})
	return string(raw)
}

func Exception(v any) string {
	raw, _ := json.Marshal([]any{"exception", v})
	return string(raw)
}

func Cursor(line, col int, marker bool) string {
	return Return(map[string]any{
		"cursor": map[string]int{"line": line, "col": col},
		"marker": marker,
	})
}

// Label returns the command name and, if present, its first string argument.
func Label(cmd []any) string {
	if len(cmd) == 0 {
		return ""
	}
	name, _ := cmd[0].(string)
	if len(cmd) > 1 {
		if sub, ok := cmd[1].(string); ok {
			return name + " " + sub
		}
	}
	return name
}

// Default replies the way a well-behaved engine would for an empty project.
func Default(cmd []any) string {
	switch Label(cmd) {
	case "tell start", "tell marker", "tell source", "tell eof", "seek before":
		return Cursor(1, 0, false)
	case "complete prefix", "errors", "find list":
		return Return([]any{})
	default:
		return Return(nil)
	}
}

type Engine struct {
	mu        sync.Mutex
	handler   Handler
	commands  []string
	launches  int
	launchErr error
	current   *proc
}

func NewEngine(h Handler) *Engine {
	if h == nil {
		h = Default
	}
	return &Engine{handler: h}
}

func (e *Engine) SetHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// FailLaunch makes subsequent launches fail with err; nil restores them.
func (e *Engine) FailLaunch(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.launchErr = err
}

// Commands returns every command received so far, as raw JSON in arrival
// order across all launches.
func (e *Engine) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.commands))
	copy(out, e.commands)
	return out
}

func (e *Engine) ClearCommands() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = nil
}

func (e *Engine) Launches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.launches
}

// Crash terminates the current process as if it died on its own.
func (e *Engine) Crash() {
	e.mu.Lock()
	p := e.current
	e.mu.Unlock()
	if p != nil {
		_ = p.Kill()
		<-p.done
	}
}

func (e *Engine) String() string {
	return "processtest engine"
}

func (e *Engine) Launch(ctx context.Context) (process.Proc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.launchErr != nil {
		return nil, e.launchErr
	}
	e.launches++
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &proc{
		pid:  1000 + e.launches,
		inR:  inR,
		inW:  inW,
		outR: outR,
		outW: outW,
		done: make(chan struct{}),
	}
	e.current = p
	go e.serve(p)
	return p, nil
}

func (e *Engine) serve(p *proc) {
	defer close(p.done)
	defer p.outW.Close()
	defer p.inR.CloseWithError(errKilled)
	dec := json.NewDecoder(p.inR)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return
		}
		var cmd []any
		_ = json.Unmarshal(raw, &cmd)
		e.mu.Lock()
		e.commands = append(e.commands, string(raw))
		h := e.handler
		e.mu.Unlock()

		reply := h(cmd)
		if reply == Exit {
			return
		}
		if reply == "" {
			continue
		}
		if _, err := io.WriteString(p.outW, reply+"\n"); err != nil {
			return
		}
	}
}

type proc struct {
	pid  int
	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	outW *io.PipeWriter
	done chan struct{}
}

var errKilled = errors.New("signal: killed")

func (p *proc) Stdin() io.WriteCloser { return p.inW }
func (p *proc) Stdout() io.Reader     { return p.outR }
func (p *proc) Pid() int              { return p.pid }

func (p *proc) Wait() error {
	<-p.done
	return nil
}

func (p *proc) Kill() error {
	_ = p.inR.CloseWithError(errKilled)
	_ = p.outW.CloseWithError(io.EOF)
	return nil
}
