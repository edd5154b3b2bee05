package merlin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Tag identifies the variant of a response envelope.
type Tag int

const (
	TagReturn Tag = iota
	TagFailure
	TagError
	TagException
)

func (t Tag) String() string {
	switch t {
	case TagReturn:
		return "return"
	case TagFailure:
		return "failure"
	case TagError:
		return "error"
	case TagException:
		return "exception"
	default:
		return "unknown"
	}
}

func parseTag(s string) (Tag, bool) {
	switch s {
	case "return":
		return TagReturn, true
	case "failure":
		return TagFailure, true
	case "error":
		return TagError, true
	case "exception":
		return TagException, true
	}
	return 0, false
}

// Envelope is one decoded engine reply. Payload is nil when the reply
// carried no second element.
type Envelope struct {
	Tag     Tag
	Payload json.RawMessage
}

// ErrCodec marks replies that could not be decoded. The byte stream can no
// longer be trusted once this happens.
var ErrCodec = errors.New("engine protocol desynchronized")

type CodecError struct {
	Line   string
	Reason string
}

func (e *CodecError) Error() string {
	line := e.Line
	if len(line) > 120 {
		line = line[:120] + "..."
	}
	return fmt.Sprintf("decode engine reply: %s: %q", e.Reason, line)
}

func (e *CodecError) Is(target error) bool {
	return target == ErrCodec
}

// Decode parses one reply line of the form [tag, payload?]. It does not
// look inside the payload.
func Decode(line []byte) (Envelope, error) {
	line = bytes.TrimSpace(line)
	var parts []json.RawMessage
	if err := json.Unmarshal(line, &parts); err != nil {
		return Envelope{}, &CodecError{Line: string(line), Reason: "not a json array"}
	}
	if len(parts) == 0 || len(parts) > 2 {
		return Envelope{}, &CodecError{Line: string(line), Reason: fmt.Sprintf("expected 1 or 2 elements, got %d", len(parts))}
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return Envelope{}, &CodecError{Line: string(line), Reason: "tag is not a string"}
	}
	tag, ok := parseTag(name)
	if !ok {
		return Envelope{}, &CodecError{Line: string(line), Reason: "unrecognized tag " + name}
	}
	env := Envelope{Tag: tag}
	if len(parts) == 2 && !bytes.Equal(parts[1], []byte("null")) {
		env.Payload = parts[1]
	}
	return env, nil
}

// Kind classifies a non-return reply.
type Kind int

const (
	KindFailure Kind = iota
	KindError
	KindException
)

func (k Kind) String() string {
	switch k {
	case KindFailure:
		return "failure"
	case KindError:
		return "error"
	case KindException:
		return "exception"
	default:
		return "unknown"
	}
}

// EngineError carries a failure, error or exception reply. The session that
// produced it stays usable.
type EngineError struct {
	Kind    Kind
	Command string
	Payload json.RawMessage
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s on %q: %s", e.Kind, e.Command, e.Message())
}

// Message returns the payload as text: strings are unquoted, objects with a
// "message" field yield that field, anything else is returned raw.
func (e *EngineError) Message() string {
	if len(e.Payload) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Payload, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Payload, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(e.Payload)
}

// Result converts an envelope into its payload or an *EngineError.
func (env Envelope) Result(cmd Command) (json.RawMessage, error) {
	switch env.Tag {
	case TagReturn:
		return env.Payload, nil
	case TagFailure:
		return nil, &EngineError{Kind: KindFailure, Command: cmd.Label(), Payload: env.Payload}
	case TagError:
		return nil, &EngineError{Kind: KindError, Command: cmd.Label(), Payload: env.Payload}
	default:
		return nil, &EngineError{Kind: KindException, Command: cmd.Label(), Payload: env.Payload}
	}
}
