package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"
)

type Decoder struct {
	reader *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReaderSize(r, 64*1024)}
}

// ReadLine returns the next non-blank line without its terminator. A final
// line without a newline is returned before io.EOF.
func (d *Decoder) ReadLine() ([]byte, error) {
	for {
		line, err := d.reader.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			return trimmed, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (d *Decoder) Decode(v any) error {
	line, err := d.ReadLine()
	if err != nil {
		return err
	}
	return json.Unmarshal(line, v)
}

// Encoder writes one JSON value per call and flushes it. Values are
// separated by the delimiter given at construction.
type Encoder struct {
	writer *bufio.Writer
	delim  []byte
	mu     sync.Mutex
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: bufio.NewWriter(w), delim: []byte("\n")}
}

// NewStreamEncoder writes values back to back with no separator, for peers
// that read a stream of JSON values rather than lines.
func NewStreamEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: bufio.NewWriter(w)}
}

func (e *Encoder) Encode(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.WriteRaw(payload)
}

// WriteRaw writes an already encoded value followed by the delimiter and
// flushes.
func (e *Encoder) WriteRaw(payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.writer.Write(payload); err != nil {
		return err
	}
	if len(e.delim) > 0 {
		if _, err := e.writer.Write(e.delim); err != nil {
			return err
		}
	}
	return e.writer.Flush()
}
