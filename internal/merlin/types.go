package merlin

import (
	"encoding/json"
	"fmt"
)

// Cursor is the engine's position in its fed input and whether a marker
// still expects more input.
type Cursor struct {
	Line   int
	Col    int
	Marker bool
}

type cursorPayload struct {
	Cursor Position `json:"cursor"`
	Marker bool     `json:"marker"`
}

type Diagnostic struct {
	Start   Position `json:"start"`
	End     Position `json:"end"`
	Message string   `json:"message"`
}

type Candidate struct {
	Name string `json:"name"`
	Desc string `json:"desc"`
}

func DecodeCursor(payload json.RawMessage) (Cursor, error) {
	if len(payload) == 0 {
		return Cursor{}, fmt.Errorf("decode cursor: empty payload")
	}
	var p cursorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	return Cursor{Line: p.Cursor.Line, Col: p.Cursor.Col, Marker: p.Marker}, nil
}

func DecodeDiagnostics(payload json.RawMessage) ([]Diagnostic, error) {
	out := []Diagnostic{}
	if len(payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode diagnostics: %w", err)
	}
	return out, nil
}

func DecodeCandidates(payload json.RawMessage) ([]Candidate, error) {
	out := []Candidate{}
	if len(payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return out, nil
}

func DecodeStrings(payload json.RawMessage) ([]string, error) {
	out := []string{}
	if len(payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return out, nil
}
