package httpjsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/samiralibabic/merlind/internal/protocol"
)

// DefaultMaxBody bounds one request. Requests carry whole editor buffers.
const DefaultMaxBody = 16 << 20

type RequestHandler func(context.Context, protocol.Request) protocol.Response

// Handler serves one JSON-RPC request per POST. Requests without an id are
// notifications and get 204 with no body.
func Handler(handle RequestHandler, maxBody int64) http.HandlerFunc {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req protocol.Request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				reply(w, http.StatusRequestEntityTooLarge, protocol.ErrorResponse(nil, protocol.ErrInvalidRequest, "request too large", map[string]int64{"limit": tooLarge.Limit}))
				return
			}
			reply(w, http.StatusBadRequest, protocol.ErrorResponse(nil, protocol.ErrParse, "parse error", nil))
			return
		}
		resp := handle(r.Context(), req)
		if req.ID == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		reply(w, http.StatusOK, resp)
	}
}

func reply(w http.ResponseWriter, status int, resp protocol.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
