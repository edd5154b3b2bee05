package bufsync

import (
	"sort"

	"github.com/samiralibabic/merlind/internal/merlin"
)

// Text is an immutable editor buffer indexed by rune offset.
type Text struct {
	runes      []rune
	lineStarts []int
}

func NewText(s string) *Text {
	runes := []rune(s)
	starts := []int{0}
	for i, r := range runes {
		if r == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &Text{runes: runes, lineStarts: starts}
}

func (t *Text) Len() int { return len(t.runes) }

func (t *Text) String() string { return string(t.runes) }

// Slice returns the text in [from, to), clamped to the buffer.
func (t *Text) Slice(from, to int) string {
	from = clamp(from, 0, len(t.runes))
	to = clamp(to, from, len(t.runes))
	return string(t.runes[from:to])
}

func (t *Text) Lines() int { return len(t.lineStarts) }

// Offset converts an engine position to a rune offset. Lines past the end
// map to the buffer length, columns past the end of a line to its newline.
func (t *Text) Offset(pos merlin.Position) int {
	if pos.Line < 1 {
		return 0
	}
	if pos.Line > len(t.lineStarts) {
		return len(t.runes)
	}
	start := t.lineStarts[pos.Line-1]
	return start + clamp(pos.Col, 0, t.lineEnd(pos.Line-1)-start)
}

// Position converts a rune offset to an engine position.
func (t *Text) Position(offset int) merlin.Position {
	offset = clamp(offset, 0, len(t.runes))
	line := sort.Search(len(t.lineStarts), func(i int) bool { return t.lineStarts[i] > offset }) - 1
	return merlin.Position{Line: line + 1, Col: offset - t.lineStarts[line]}
}

// LineBefore returns the text from the start of offset's line up to offset.
func (t *Text) LineBefore(offset int) string {
	offset = clamp(offset, 0, len(t.runes))
	pos := t.Position(offset)
	return string(t.runes[offset-pos.Col : offset])
}

// lineEnd is the offset of the newline ending line i (0-based), or the
// buffer length for the last line.
func (t *Text) lineEnd(i int) int {
	if i+1 < len(t.lineStarts) {
		return t.lineStarts[i+1] - 1
	}
	return len(t.runes)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
