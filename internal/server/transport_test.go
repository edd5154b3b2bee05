package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samiralibabic/merlind/internal/config"
	"github.com/samiralibabic/merlind/internal/process/processtest"
	"github.com/samiralibabic/merlind/internal/server"
)

func readLine(reader *bufio.Reader, out any) error {
	raw, err := reader.ReadBytes('\n')
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func rpc(id int, method string, params any) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params}
}

func TestStdioCompleteAndDiagnostics(t *testing.T) {
	eng := processtest.NewEngine(func(cmd []any) string {
		if processtest.Label(cmd) == "errors" {
			return processtest.Return([]map[string]any{{
				"start":   map[string]int{"line": 1, "col": 4},
				"end":     map[string]int{"line": 1, "col": 5},
				"message": "Syntax error",
			}})
		}
		return processtest.Default(cmd)
	})
	svc := newService(t, eng)

	client, srv := net.Pipe()
	defer client.Close()
	go func() {
		_ = server.RunStdio(context.Background(), svc, srv, srv)
	}()
	enc := json.NewEncoder(client)
	dec := bufio.NewReader(client)

	require.NoError(t, enc.Encode(rpc(1, "session.open", map[string]any{"path": "/proj/a.ml"})))
	var line map[string]any
	require.NoError(t, readLine(dec, &line))
	result := line["result"].(map[string]any)
	assert.Equal(t, "/proj/a.ml", result["key"])

	require.NoError(t, enc.Encode(rpc(2, "complete", map[string]any{"path": "/proj/a.ml", "text": "", "offset": 0})))
	line = nil
	require.NoError(t, readLine(dec, &line))
	assert.Nil(t, line["error"])
	assert.Equal(t, []any{}, line["result"].(map[string]any)["candidates"])

	require.NoError(t, enc.Encode(rpc(3, "errors", map[string]any{"path": "/proj/a.ml", "text": "let = 1"})))
	var gotResponse, gotNotification bool
	for i := 0; i < 2; i++ {
		line = nil
		require.NoError(t, readLine(dec, &line))
		switch {
		case line["id"] != nil:
			gotResponse = true
			diags := line["result"].(map[string]any)["diagnostics"].([]any)
			require.Len(t, diags, 1)
			assert.Equal(t, float64(4), diags[0].(map[string]any)["start"])
		case line["method"] == "diagnostics":
			gotNotification = true
		}
	}
	assert.True(t, gotResponse)
	assert.True(t, gotNotification)
}

func TestStdioReportsParseErrorsAndStopsAtEOF(t *testing.T) {
	svc := newService(t, processtest.NewEngine(nil))
	in := strings.NewReader("this is not json\n\n")
	var out bytes.Buffer

	require.NoError(t, server.RunStdio(context.Background(), svc, in, &out))
	var resp map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	assert.Equal(t, float64(-32700), resp["error"].(map[string]any)["code"])
}

func TestHTTPJSONRPCAndMetrics(t *testing.T) {
	cfg := config.Default()
	svc := newService(t, processtest.NewEngine(nil))
	ts := httptest.NewServer(server.NewHTTPHandler(cfg, svc))
	defer ts.Close()

	raw, _ := json.Marshal(rpc(1, "modules.list", map[string]any{"path": "/proj/a.ml"}))
	resp, err := http.Post(ts.URL+cfg.Server.HTTPPath, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Nil(t, decoded["error"])
	assert.Equal(t, []any{}, decoded["result"].(map[string]any)["modules"])

	get, err := http.Get(ts.URL + cfg.Server.HTTPPath)
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)

	metrics, err := http.Get(ts.URL + cfg.Server.MetricsPath)
	require.NoError(t, err)
	defer metrics.Body.Close()
	body, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "merlind_engine_requests_total")
	assert.Contains(t, string(body), "merlind_sessions")
}

func TestWebSocketJSONRPCRoundTrip(t *testing.T) {
	cfg := config.Default()
	svc := newService(t, processtest.NewEngine(nil))
	ts := httptest.NewServer(server.NewHTTPHandler(cfg, svc))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Server.WSPath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(rpc(1, "session.open", map[string]any{"path": ""})))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp map[string]any
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Nil(t, resp["error"])
	assert.Equal(t, "", resp["result"].(map[string]any)["key"])

	require.NoError(t, conn.WriteJSON(rpc(2, "engine.bogus", nil)))
	resp = nil
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, float64(-32601), resp["error"].(map[string]any)["code"])
}

func diagnosticEngine() *processtest.Engine {
	return processtest.NewEngine(func(cmd []any) string {
		if processtest.Label(cmd) == "errors" {
			return processtest.Return([]map[string]any{{
				"start":   map[string]int{"line": 1, "col": 4},
				"end":     map[string]int{"line": 1, "col": 5},
				"message": "Syntax error",
			}})
		}
		return processtest.Default(cmd)
	})
}

func TestStdioForwardsNotificationsOfFirstRequestOnPath(t *testing.T) {
	svc := newService(t, diagnosticEngine())

	client, srv := net.Pipe()
	defer client.Close()
	go func() {
		_ = server.RunStdio(context.Background(), svc, srv, srv)
	}()
	_ = client.SetDeadline(time.Now().Add(5 * time.Second))
	enc := json.NewEncoder(client)
	dec := bufio.NewReader(client)

	require.NoError(t, enc.Encode(rpc(1, "errors", map[string]any{"path": "/proj/b.ml", "text": "let = 1"})))
	var gotResponse, gotNotification bool
	for i := 0; i < 2; i++ {
		var line map[string]any
		require.NoError(t, readLine(dec, &line))
		switch {
		case line["id"] != nil:
			gotResponse = true
			assert.Nil(t, line["error"])
		case line["method"] == "diagnostics":
			gotNotification = true
			assert.Equal(t, "/proj/b.ml", line["params"].(map[string]any)["path"])
		}
	}
	assert.True(t, gotResponse)
	assert.True(t, gotNotification)
}

func TestWebSocketForwardsSpawnFaultMessage(t *testing.T) {
	cfg := config.Default()
	eng := processtest.NewEngine(nil)
	eng.FailLaunch(errors.New("no such file or directory"))
	svc := newService(t, eng)
	ts := httptest.NewServer(server.NewHTTPHandler(cfg, svc))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Server.WSPath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(rpc(1, "complete", map[string]any{"path": "/proj/a.ml", "text": "", "offset": 0})))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var gotResponse, gotMessage bool
	for i := 0; i < 2; i++ {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		switch {
		case msg["id"] != nil:
			gotResponse = true
			assert.Equal(t, float64(-32020), msg["error"].(map[string]any)["code"])
		case msg["method"] == "message":
			gotMessage = true
			assert.Equal(t, "error", msg["params"].(map[string]any)["level"])
		}
	}
	assert.True(t, gotResponse)
	assert.True(t, gotMessage)
}
