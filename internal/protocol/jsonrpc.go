package protocol

import "encoding/json"

const Version = "2.0"

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func ErrorResponse(id any, code int, msg string, data any) Response {
	return Response{
		JSONRPC: Version,
		ID:      id,
		Error: &RPCError{
			Code:    code,
			Message: msg,
			Data:    data,
		},
	}
}

const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrInvalidParams  = -32602
	ErrMethodNotFound = -32601
	ErrInternal       = -32603
	ErrTimeout        = -32003
	ErrEngineFailure  = -32010
	ErrEngineError    = -32011
	ErrEngineExcept   = -32012
	ErrTransport      = -32020
	ErrCodec          = -32021
)

// PathOf extracts the "path" member of request params, if present.
func PathOf(params json.RawMessage) (string, bool) {
	var p struct {
		Path *string `json:"path"`
	}
	if len(params) == 0 || json.Unmarshal(params, &p) != nil || p.Path == nil {
		return "", false
	}
	return *p.Path, true
}
