package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l := New(true, path)
	l.Write(Entry{Command: "tell source", Outcome: "return", Bytes: 42})
	l.Write(Entry{Command: "errors", Outcome: "error", Error: "boom"})

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var got []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "tell source", got[0].Command)
	assert.Equal(t, 42, got[0].Bytes)
	assert.NotEmpty(t, got[0].Timestamp)
	assert.Equal(t, "boom", got[1].Error)
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	New(false, path).Write(Entry{Command: "errors"})
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	var nilLogger *Logger
	assert.False(t, nilLogger.Enabled())
	nilLogger.Write(Entry{Command: "errors"})
}
