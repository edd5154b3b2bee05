package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/samiralibabic/merlind/internal/protocol"
	"github.com/samiralibabic/merlind/internal/transport/ndjson"
)

// RunStdio serves newline-delimited JSON-RPC on in/out until in is closed.
// Notifications for every path a request touched are forwarded on out.
func RunStdio(ctx context.Context, svc *Service, in io.Reader, out io.Writer) error {
	dec := ndjson.NewDecoder(in)
	enc := ndjson.NewEncoder(out)
	subs := map[string]func(){}
	defer func() {
		for _, unsub := range subs {
			unsub()
		}
	}()

	for {
		line, err := dec.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			if err := enc.Encode(protocol.ErrorResponse(nil, protocol.ErrParse, "parse error", nil)); err != nil {
				return err
			}
			continue
		}
		// Subscribe first so notifications raised by this request are
		// forwarded too.
		if path, ok := protocol.PathOf(req.Params); ok {
			if _, ok := subs[path]; !ok {
				ch, unsub := svc.Subscribe(path)
				subs[path] = unsub
				go func() {
					for evt := range ch {
						_ = enc.Encode(evt)
					}
				}()
			}
		}
		if req.ID != nil {
			resp := svc.Handle(ctx, req)
			if err := enc.Encode(resp); err != nil {
				return err
			}
		} else {
			_ = svc.Handle(ctx, req)
		}
	}
}
