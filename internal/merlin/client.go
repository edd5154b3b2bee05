package merlin

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
)

// Sender delivers one command and returns the engine's reply. Errors are
// reserved for transport and codec faults; protocol-level failures come back
// as envelopes.
type Sender interface {
	Send(ctx context.Context, cmd Command) (Envelope, error)
}

// DefaultEntryPoints maps build entry-point file names to the helper
// modules loaded after a reset of that file.
func DefaultEntryPoints() map[string][]string {
	return map[string][]string{
		"myocamlbuild.ml": {"ocamlbuild"},
	}
}

// Client exposes the engine commands as typed calls.
type Client struct {
	sender      Sender
	entryPoints map[string][]string
}

func NewClient(sender Sender, entryPoints map[string][]string) *Client {
	if entryPoints == nil {
		entryPoints = DefaultEntryPoints()
	}
	return &Client{sender: sender, entryPoints: entryPoints}
}

// Call sends an arbitrary command and returns the return payload.
func (c *Client) Call(ctx context.Context, cmd Command) (json.RawMessage, error) {
	env, err := c.sender.Send(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return env.Result(cmd)
}

func (c *Client) cursor(ctx context.Context, cmd Command) (Cursor, error) {
	payload, err := c.Call(ctx, cmd)
	if err != nil {
		return Cursor{}, err
	}
	return DecodeCursor(payload)
}

// Refresh asks the engine to reload compiled interfaces changed on disk.
func (c *Client) Refresh(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, NewCommand("refresh"))
}

// Reset clears the engine buffer and prepares a parser for kind ("ml" or
// "mli"). Resetting a configured build entry point also loads its helper
// modules.
func (c *Client) Reset(ctx context.Context, kind, name string) (json.RawMessage, error) {
	if kind == "" {
		kind = KindFromPath(name)
	}
	cmd := NewCommand("reset", kind)
	if name != "" {
		cmd = NewCommand("reset", kind, name)
	}
	out, err := c.Call(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if name != "" {
		if helpers, ok := c.entryPoints[filepath.Base(name)]; ok && len(helpers) > 0 {
			if _, err := c.FindUse(ctx, helpers...); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

// KindFromPath returns "mli" for interface files and "ml" otherwise.
func KindFromPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".mli") {
		return "mli"
	}
	return "ml"
}

func (c *Client) TellStart(ctx context.Context) (Cursor, error) {
	return c.cursor(ctx, NewCommand("tell", "start"))
}

func (c *Client) TellMarker(ctx context.Context) (Cursor, error) {
	return c.cursor(ctx, NewCommand("tell", "marker"))
}

func (c *Client) TellEOF(ctx context.Context) (Cursor, error) {
	return c.cursor(ctx, NewCommand("tell", "eof"))
}

// TellSource feeds text verbatim.
func (c *Client) TellSource(ctx context.Context, text string) (Cursor, error) {
	return c.cursor(ctx, NewCommand("tell", "source", text))
}

// TellLines feeds lines joined with newlines, plus a final newline.
func (c *Client) TellLines(ctx context.Context, lines []string) (Cursor, error) {
	return c.TellSource(ctx, strings.Join(lines, "\n")+"\n")
}

func (c *Client) SeekBefore(ctx context.Context, pos Position) (Cursor, error) {
	return c.cursor(ctx, NewCommand("seek", "before", pos))
}

// SeekStart moves the engine cursor to the beginning of the buffer.
func (c *Client) SeekStart(ctx context.Context) (Cursor, error) {
	return c.SeekBefore(ctx, Position{Line: 1, Col: 0})
}

// Complete lists candidates for prefix at the given position, in engine
// order. The buffer must already be synchronized up to the cursor.
func (c *Client) Complete(ctx context.Context, prefix string, line, col int) ([]Candidate, error) {
	payload, err := c.Call(ctx, NewCommand("complete", "prefix", prefix, "at", Position{Line: line, Col: col}))
	if err != nil {
		return nil, err
	}
	return DecodeCandidates(payload)
}

// Errors reports the diagnostics of the fed buffer.
func (c *Client) Errors(ctx context.Context) ([]Diagnostic, error) {
	payload, err := c.Call(ctx, NewCommand("errors"))
	if err != nil {
		return nil, err
	}
	return DecodeDiagnostics(payload)
}

func (c *Client) FindList(ctx context.Context) ([]string, error) {
	payload, err := c.Call(ctx, NewCommand("find", "list"))
	if err != nil {
		return nil, err
	}
	return DecodeStrings(payload)
}

func (c *Client) FindUse(ctx context.Context, names ...string) (json.RawMessage, error) {
	if names == nil {
		names = []string{}
	}
	return c.Call(ctx, NewCommand("find", "use", names))
}

// ProjectFind looks for a .merlin file starting from path.
func (c *Client) ProjectFind(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Call(ctx, NewCommand("project", "find", path))
}

// ProjectLoad loads path as the project file.
func (c *Client) ProjectLoad(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Call(ctx, NewCommand("project", "load", path))
}
