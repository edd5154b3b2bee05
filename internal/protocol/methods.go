package protocol

import "encoding/json"

// PathParams names the project key: the path of the file being edited.
// An empty path selects the session for buffers without a file.
type PathParams struct {
	Path string `json:"path"`
}

type SessionOpenResult struct {
	SessionID string `json:"session_id"`
	Key       string `json:"key"`
	Engine    string `json:"engine"`
}

type SessionInfo struct {
	SessionID  string `json:"session_id"`
	Key        string `json:"key"`
	CreatedAt  string `json:"created_at"`
	State      string `json:"state"`
	Generation int    `json:"generation"`
	Stale      bool   `json:"stale"`
}

type SessionListResult struct {
	Sessions []SessionInfo `json:"sessions"`
}

// BufferParams carries the full editor text. Offset is the cursor as a
// character offset; nil means the end of the buffer.
type BufferParams struct {
	Path   string `json:"path"`
	Text   string `json:"text"`
	Offset *int   `json:"offset,omitempty"`
}

type Cursor struct {
	Line   int  `json:"line"`
	Col    int  `json:"col"`
	Marker bool `json:"marker"`
}

type BufferSyncResult struct {
	Cursor Cursor `json:"cursor"`
	Fed    int    `json:"fed"`
	Chunks int    `json:"chunks"`
	EOF    bool   `json:"eof"`
}

type CompleteParams struct {
	Path   string  `json:"path"`
	Text   string  `json:"text"`
	Offset int     `json:"offset"`
	Prefix *string `json:"prefix,omitempty"`
}

type Candidate struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type CompleteResult struct {
	Prefix     string      `json:"prefix"`
	Line       int         `json:"line"`
	Col        int         `json:"col"`
	Candidates []Candidate `json:"candidates"`
}

type Diagnostic struct {
	Start     int    `json:"start"`
	End       int    `json:"end"`
	StartLine int    `json:"start_line"`
	StartCol  int    `json:"start_col"`
	EndLine   int    `json:"end_line"`
	EndCol    int    `json:"end_col"`
	Message   string `json:"message"`
}

type ErrorsResult struct {
	Diagnostics []Diagnostic `json:"diagnostics"`
	// Message is the diagnostic under the cursor, for a status bar.
	Message string `json:"message"`
}

type ModulesListResult struct {
	Modules []string `json:"modules"`
	Cached  bool     `json:"cached"`
}

type ModulesLoadParams struct {
	Path  string   `json:"path"`
	Names []string `json:"names"`
}

type ProjectParams struct {
	Path    string `json:"path"`
	Project string `json:"project,omitempty"`
}

type ResetParams struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
	Name string `json:"name,omitempty"`
}

// EngineResult wraps a payload returned by the engine as is.
type EngineResult struct {
	Payload json.RawMessage `json:"payload"`
}

type EngineConfigureParams struct {
	Binary string   `json:"binary,omitempty"`
	Flags  []string `json:"flags,omitempty"`
}

type OKResult struct {
	OK bool `json:"ok"`
}

// DiagnosticsParams is published after every errors query.
type DiagnosticsParams struct {
	Path        string       `json:"path"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// MessageParams is a transient message for the editor's status line.
type MessageParams struct {
	Path  string `json:"path"`
	Level string `json:"level"`
	Text  string `json:"text"`
}
