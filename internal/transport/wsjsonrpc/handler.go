package wsjsonrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/samiralibabic/merlind/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type RequestHandler func(context.Context, protocol.Request) protocol.Response
type SubscribeFunc func(string) (chan protocol.Notification, func())

func Handler(handle RequestHandler, subscribe SubscribeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// gorilla connections allow one concurrent writer.
		var writeMu sync.Mutex
		write := func(v any) error {
			raw, err := json.Marshal(v)
			if err != nil {
				return err
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteMessage(websocket.TextMessage, raw)
		}

		subscriptions := map[string]func(){}
		defer func() {
			for _, unsub := range subscriptions {
				unsub()
			}
		}()

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req protocol.Request
			if err := json.Unmarshal(payload, &req); err != nil {
				if err := write(protocol.ErrorResponse(nil, protocol.ErrParse, "parse error", nil)); err != nil {
					return
				}
				continue
			}
			if path, ok := protocol.PathOf(req.Params); ok {
				if _, ok := subscriptions[path]; !ok {
					ch, unsub := subscribe(path)
					subscriptions[path] = unsub
					go func() {
						for evt := range ch {
							_ = write(evt)
						}
					}()
				}
			}
			resp := handle(r.Context(), req)
			if req.ID != nil {
				if err := write(resp); err != nil {
					return
				}
			}
		}
	}
}
