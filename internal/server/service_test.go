package server_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samiralibabic/merlind/internal/bufsync"
	"github.com/samiralibabic/merlind/internal/config"
	"github.com/samiralibabic/merlind/internal/process/processtest"
	"github.com/samiralibabic/merlind/internal/protocol"
	"github.com/samiralibabic/merlind/internal/server"
)

func newService(t *testing.T, eng *processtest.Engine, mutate ...func(*config.Config)) *server.Service {
	t.Helper()
	cfg := config.Default()
	for _, fn := range mutate {
		fn(&cfg)
	}
	svc, err := server.NewService(cfg, eng, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func call(t *testing.T, svc *server.Service, method string, params any) protocol.Response {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return svc.Handle(context.Background(), protocol.Request{
		JSONRPC: protocol.Version,
		ID:      json.RawMessage(`1`),
		Method:  method,
		Params:  raw,
	})
}

func TestSessionOpenListClose(t *testing.T) {
	eng := processtest.NewEngine(nil)
	svc := newService(t, eng)

	resp := call(t, svc, "session.open", map[string]any{"path": "/proj/src/a.ml"})
	require.Nil(t, resp.Error)
	opened := resp.Result.(protocol.SessionOpenResult)
	assert.Equal(t, "/proj/src/a.ml", opened.Key)
	assert.NotEmpty(t, opened.SessionID)
	assert.Equal(t, "processtest engine", opened.Engine)

	resp = call(t, svc, "session.open", map[string]any{"path": "/proj/src/a.ml"})
	assert.Equal(t, opened.SessionID, resp.Result.(protocol.SessionOpenResult).SessionID)

	resp = call(t, svc, "session.list", nil)
	list := resp.Result.(protocol.SessionListResult)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "running", list.Sessions[0].State)
	assert.Equal(t, 1, list.Sessions[0].Generation)

	resp = call(t, svc, "session.close", map[string]any{"path": "/proj/src/a.ml"})
	require.Nil(t, resp.Error)
	resp = call(t, svc, "session.close", map[string]any{"path": "/proj/src/a.ml"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrInvalidParams, resp.Error.Code)
}

func TestCompleteEmptyBuffer(t *testing.T) {
	eng := processtest.NewEngine(nil)
	svc := newService(t, eng)

	resp := call(t, svc, "complete", map[string]any{"path": "", "text": "", "offset": 0})
	require.Nil(t, resp.Error)
	out := resp.Result.(protocol.CompleteResult)
	assert.Equal(t, "", out.Prefix)
	assert.Equal(t, 1, out.Line)
	assert.Equal(t, 0, out.Col)
	assert.Empty(t, out.Candidates)

	cmds := eng.Commands()
	assert.Equal(t, `["complete","prefix","","at",{"line":1,"col":0}]`, cmds[len(cmds)-1])
}

func TestCompleteInfersPrefixAndKeepsEngineOrder(t *testing.T) {
	eng := processtest.NewEngine(func(cmd []any) string {
		if processtest.Label(cmd) == "complete prefix" {
			return processtest.Return([]map[string]string{
				{"name": "mem", "desc": "'a -> 'a list -> bool"},
				{"name": "map", "desc": "('a -> 'b) -> 'a list -> 'b list"},
			})
		}
		return processtest.Default(cmd)
	})
	svc := newService(t, eng)

	text := "let f l =\n  List.m"
	resp := call(t, svc, "complete", map[string]any{"path": "/proj/a.ml", "text": text, "offset": len(text)})
	require.Nil(t, resp.Error)
	out := resp.Result.(protocol.CompleteResult)
	assert.Equal(t, "List.m", out.Prefix)
	assert.Equal(t, 2, out.Line)
	assert.Equal(t, 8, out.Col)
	assert.Equal(t, []protocol.Candidate{
		{Name: "mem", Description: "'a -> 'a list -> bool"},
		{Name: "map", Description: "('a -> 'b) -> 'a list -> 'b list"},
	}, out.Candidates)

	cmds := eng.Commands()
	assert.Equal(t, `["complete","prefix","List.m","at",{"line":2,"col":8}]`, cmds[len(cmds)-1])
}

func TestErrorsReturnsOffsetsAndStatusMessage(t *testing.T) {
	eng := processtest.NewEngine(func(cmd []any) string {
		if processtest.Label(cmd) == "errors" {
			return processtest.Return([]map[string]any{{
				"start":   map[string]int{"line": 2, "col": 8},
				"end":     map[string]int{"line": 2, "col": 9},
				"message": "Unbound value z",
			}})
		}
		return processtest.Default(cmd)
	})
	svc := newService(t, eng)
	notes, cancel := svc.Subscribe("/proj/a.ml")
	defer cancel()

	offset := 12
	resp := call(t, svc, "errors", map[string]any{"path": "/proj/a.ml", "text": "let x = 1\nlet y = z\n", "offset": offset})
	require.Nil(t, resp.Error)
	out := resp.Result.(protocol.ErrorsResult)
	require.Len(t, out.Diagnostics, 1)
	assert.Equal(t, 18, out.Diagnostics[0].Start)
	assert.Equal(t, 19, out.Diagnostics[0].End)
	assert.Equal(t, "Unbound value z", out.Message)

	n := <-notes
	assert.Equal(t, "diagnostics", n.Method)
	assert.Equal(t, out.Diagnostics, n.Params.(protocol.DiagnosticsParams).Diagnostics)
}

func TestEngineRepliesMapToErrorCodes(t *testing.T) {
	eng := processtest.NewEngine(func(cmd []any) string {
		switch processtest.Label(cmd) {
		case "project load":
			return processtest.Failure("cannot read .merlin")
		case "refresh":
			return processtest.Error(map[string]string{"message": "bad cmi"})
		case "find list":
			return processtest.Exception("Not_found")
		}
		return processtest.Default(cmd)
	})
	svc := newService(t, eng)

	resp := call(t, svc, "project.load", map[string]any{"path": "/proj/a.ml", "project": "/proj/.merlin"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrEngineFailure, resp.Error.Code)
	assert.Equal(t, "cannot read .merlin", resp.Error.Message)
	data := resp.Error.Data.(map[string]any)
	assert.Equal(t, "failure", data["kind"])
	assert.JSONEq(t, `"cannot read .merlin"`, string(data["payload"].(json.RawMessage)))

	resp = call(t, svc, "refresh", map[string]any{"path": "/proj/a.ml"})
	assert.Equal(t, protocol.ErrEngineError, resp.Error.Code)
	assert.Equal(t, "bad cmi", resp.Error.Message)

	resp = call(t, svc, "modules.list", map[string]any{"path": "/proj/a.ml"})
	assert.Equal(t, protocol.ErrEngineExcept, resp.Error.Code)

	resp = call(t, svc, "project.find", map[string]any{"path": "/proj/a.ml"})
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, eng.Launches())
}

func TestProtocolErrors(t *testing.T) {
	svc := newService(t, processtest.NewEngine(nil))

	resp := call(t, svc, "no.such.method", nil)
	assert.Equal(t, protocol.ErrMethodNotFound, resp.Error.Code)

	resp = call(t, svc, "complete", "not an object")
	assert.Equal(t, protocol.ErrInvalidParams, resp.Error.Code)

	resp = call(t, svc, "modules.load", map[string]any{"path": "/proj/a.ml"})
	assert.Equal(t, protocol.ErrInvalidParams, resp.Error.Code)

	resp = call(t, svc, "reset", map[string]any{"path": "/proj/a.ml", "kind": "mll"})
	assert.Equal(t, protocol.ErrInvalidParams, resp.Error.Code)

	resp = svc.Handle(context.Background(), protocol.Request{JSONRPC: "1.0", Method: "session.list"})
	assert.Equal(t, protocol.ErrInvalidRequest, resp.Error.Code)
}

func TestEngineConfigureWithMissingBinaryIsTransportError(t *testing.T) {
	svc := newService(t, processtest.NewEngine(nil))

	resp := call(t, svc, "engine.configure", map[string]any{"binary": "/nonexistent/ocamlmerlin", "flags": []string{"-x"}})
	require.Nil(t, resp.Error)

	resp = call(t, svc, "session.open", map[string]any{"path": "/proj/a.ml"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrTransport, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "/nonexistent/ocamlmerlin -x")
}

func TestTimeoutMapsToTimeoutCode(t *testing.T) {
	eng := processtest.NewEngine(func(cmd []any) string {
		if processtest.Label(cmd) == "refresh" {
			return ""
		}
		return processtest.Default(cmd)
	})
	svc := newService(t, eng, func(c *config.Config) { c.Engine.ReadTimeoutMs = 50 })

	resp := call(t, svc, "refresh", map[string]any{"path": "/proj/a.ml"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrTimeout, resp.Error.Code)

	resp = call(t, svc, "modules.list", map[string]any{"path": "/proj/a.ml"})
	require.Nil(t, resp.Error)
}

func TestResetDefaultsToSessionFile(t *testing.T) {
	eng := processtest.NewEngine(nil)
	svc := newService(t, eng)

	resp := call(t, svc, "session.open", map[string]any{"path": "/proj/myocamlbuild.ml"})
	require.Nil(t, resp.Error)
	eng.ClearCommands()

	resp = call(t, svc, "reset", map[string]any{"path": "/proj/myocamlbuild.ml"})
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{
		`["reset","ml","/proj/myocamlbuild.ml"]`,
		`["find","use",["ocamlbuild"]]`,
	}, eng.Commands())
}

func TestBufferSyncToOffset(t *testing.T) {
	eng := processtest.NewEngine(nil)
	svc := newService(t, eng)

	resp := call(t, svc, "buffer.sync", map[string]any{"path": "/proj/a.ml", "text": "let x = 1\nlet y = 2\n", "offset": 10})
	require.Nil(t, resp.Error)
	out := resp.Result.(protocol.BufferSyncResult)
	assert.Equal(t, 10, out.Fed)
	assert.Contains(t, eng.Commands(), `["tell","source","let x = 1\n"]`)
}

func TestCompletionPrefix(t *testing.T) {
	cases := map[string]string{
		"":                "",
		"let x = ":        "",
		"let x = Lis":     "Lis",
		"  List.Assoc.fi": "List.Assoc.fi",
		"obj->fie":        "obj->fie",
		"f (String.conc":  "String.conc",
		"a\nb.c":          "b.c",
		"let é = List.le": "List.le",
	}
	for text, want := range cases {
		buf := bufsync.NewText(text)
		assert.Equal(t, want, server.CompletionPrefix(buf, buf.Len()), text)
	}
}
