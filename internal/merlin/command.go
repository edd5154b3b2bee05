package merlin

import (
	"encoding/json"
	"errors"
)

// Position is a location in the engine's coordinate space: 1-based line,
// 0-based column.
type Position struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

// Command is one protocol request. The first atom is the command name;
// atoms are strings, ints, Position values or []string.
type Command []any

func NewCommand(name string, args ...any) Command {
	cmd := make(Command, 0, len(args)+1)
	cmd = append(cmd, name)
	return append(cmd, args...)
}

func (c Command) Name() string {
	if len(c) == 0 {
		return ""
	}
	name, _ := c[0].(string)
	return name
}

// Label is the command name plus its first string argument, e.g. "tell source".
// Used for metrics and spans, never for the payload.
func (c Command) Label() string {
	name := c.Name()
	if len(c) > 1 {
		if sub, ok := c[1].(string); ok {
			return name + " " + sub
		}
	}
	return name
}

var errEmptyCommand = errors.New("empty command")

// Encode serializes cmd as a single JSON array. No terminator is appended:
// the engine reads a stream of JSON values.
func Encode(cmd Command) ([]byte, error) {
	if cmd.Name() == "" {
		return nil, errEmptyCommand
	}
	return json.Marshal([]any(cmd))
}
