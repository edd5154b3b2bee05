package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/samiralibabic/merlind/internal/bufsync"
	"github.com/samiralibabic/merlind/internal/config"
	"github.com/samiralibabic/merlind/internal/events"
	"github.com/samiralibabic/merlind/internal/merlin"
	"github.com/samiralibabic/merlind/internal/process"
	"github.com/samiralibabic/merlind/internal/project"
	"github.com/samiralibabic/merlind/internal/protocol"
	"github.com/samiralibabic/merlind/internal/session"
)

const ServerVersion = "0.1.0"

var errInvalidParams = errors.New("invalid params")

var tracer = otel.Tracer("github.com/samiralibabic/merlind/internal/server")

type Service struct {
	cfg      config.Config
	sessions *session.Registry
	bus      *events.Bus
	log      *slog.Logger
}

// NewService builds the registry for cfg. A nil launcher starts the
// configured engine binary.
func NewService(cfg config.Config, launcher process.Launcher, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	bus := events.NewBus()
	opts := session.OptionsFromConfig(cfg)
	if launcher != nil {
		opts.Launcher = launcher
	}
	opts.Bus = bus
	opts.Logger = log
	reg := session.NewRegistry(opts)
	if cfg.Watch.Enabled {
		if err := reg.Watch(cfg.Watch.Extensions); err != nil {
			return nil, fmt.Errorf("start project watcher: %w", err)
		}
	}
	return &Service{
		cfg:      cfg,
		sessions: reg,
		bus:      bus,
		log:      log,
	}, nil
}

func (s *Service) Bus() *events.Bus {
	return s.bus
}

func (s *Service) Sessions() *session.Registry {
	return s.sessions
}

// Subscribe follows notifications for the session of path.
func (s *Service) Subscribe(path string) (chan protocol.Notification, func()) {
	key, err := project.NormalizeKey(path)
	if err != nil {
		key = path
	}
	return s.bus.Subscribe(key)
}

func (s *Service) Close(ctx context.Context) error {
	return s.sessions.Shutdown(ctx)
}

func parseID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var id any
	_ = json.Unmarshal(raw, &id)
	return id
}

func (s *Service) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	id := parseID(req.ID)
	if req.JSONRPC != protocol.Version {
		return protocol.ErrorResponse(id, protocol.ErrInvalidRequest, "jsonrpc must be 2.0", nil)
	}
	ctx, span := tracer.Start(ctx, "rpc."+req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.method", req.Method)))
	defer span.End()
	start := time.Now()
	out, err := s.dispatch(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.log.Debug("rpc failed", "method", req.Method, "duration", time.Since(start), "err", err)
		return s.errResp(id, req.Method, err)
	}
	s.log.Debug("rpc", "method", req.Method, "duration", time.Since(start))
	return protocol.Response{JSONRPC: protocol.Version, ID: id, Result: out}
}

var errMethodNotFound = errors.New("method not found")

func (s *Service) dispatch(ctx context.Context, req protocol.Request) (any, error) {
	switch req.Method {
	case "session.open":
		return s.sessionOpen(ctx, req.Params)
	case "session.list":
		return s.sessionList()
	case "session.close":
		return s.sessionClose(req.Params)
	case "buffer.sync":
		return s.bufferSync(ctx, req.Params)
	case "complete":
		return s.complete(ctx, req.Params)
	case "errors":
		return s.listErrors(ctx, req.Params)
	case "modules.list":
		return s.modulesList(ctx, req.Params)
	case "modules.load":
		return s.modulesLoad(ctx, req.Params)
	case "project.find":
		return s.project(ctx, req.Params, (*merlin.Client).ProjectFind)
	case "project.load":
		return s.project(ctx, req.Params, (*merlin.Client).ProjectLoad)
	case "refresh":
		return s.refresh(ctx, req.Params)
	case "reset":
		return s.reset(ctx, req.Params)
	case "engine.configure":
		return s.engineConfigure(req.Params)
	default:
		return nil, errMethodNotFound
	}
}

func (s *Service) errResp(id any, method string, err error) protocol.Response {
	var ee *merlin.EngineError
	switch {
	case errors.As(err, &ee):
		code := protocol.ErrEngineFailure
		switch ee.Kind {
		case merlin.KindError:
			code = protocol.ErrEngineError
		case merlin.KindException:
			code = protocol.ErrEngineExcept
		}
		return protocol.ErrorResponse(id, code, ee.Message(), map[string]any{
			"kind":    ee.Kind.String(),
			"command": ee.Command,
			"payload": ee.Payload,
		})
	case errors.Is(err, errMethodNotFound):
		return protocol.ErrorResponse(id, protocol.ErrMethodNotFound, "method not found", map[string]any{"method": method})
	case errors.Is(err, errInvalidParams), errors.Is(err, session.ErrNotFound):
		return protocol.ErrorResponse(id, protocol.ErrInvalidParams, err.Error(), nil)
	case errors.Is(err, process.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrorResponse(id, protocol.ErrTimeout, err.Error(), nil)
	case errors.Is(err, merlin.ErrCodec):
		return protocol.ErrorResponse(id, protocol.ErrCodec, err.Error(), nil)
	case process.IsTransport(err):
		return protocol.ErrorResponse(id, protocol.ErrTransport, err.Error(), nil)
	default:
		return protocol.ErrorResponse(id, protocol.ErrInternal, err.Error(), nil)
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return v, nil
}

func (s *Service) sessionOpen(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[protocol.PathParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	return protocol.SessionOpenResult{
		SessionID: sess.ID,
		Key:       sess.Key,
		Engine:    fmt.Sprint(s.sessions.Launcher()),
	}, nil
}

func (s *Service) sessionList() (any, error) {
	out := protocol.SessionListResult{Sessions: []protocol.SessionInfo{}}
	for _, sess := range s.sessions.List() {
		out.Sessions = append(out.Sessions, protocol.SessionInfo{
			SessionID:  sess.ID,
			Key:        sess.Key,
			CreatedAt:  sess.CreatedAt.Format(time.RFC3339),
			State:      sess.State().String(),
			Generation: sess.Generation(),
			Stale:      sess.Stale(),
		})
	}
	return out, nil
}

func (s *Service) sessionClose(raw json.RawMessage) (any, error) {
	p, err := decode[protocol.PathParams](raw)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Close(p.Path); err != nil {
		return nil, err
	}
	return protocol.OKResult{OK: true}, nil
}

func (s *Service) bufferSync(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[protocol.BufferParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	buf := bufsync.NewText(p.Text)
	target := buf.Len()
	if p.Offset != nil {
		target = *p.Offset
	}
	res, err := sess.SyncTo(ctx, buf, target)
	if err != nil {
		return nil, err
	}
	return protocol.BufferSyncResult{
		Cursor: cursorOf(res.Cursor),
		Fed:    res.Fed,
		Chunks: res.Chunks,
		EOF:    res.EOF,
	}, nil
}

// identBeforeCursor matches the dotted identifier (or field access through
// ->) that ends at the cursor.
var identBeforeCursor = regexp.MustCompile(`(?:[\w.]|->)+$`)

// CompletionPrefix returns the text completed at offset.
func CompletionPrefix(buf *bufsync.Text, offset int) string {
	return identBeforeCursor.FindString(buf.LineBefore(offset))
}

func (s *Service) complete(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[protocol.CompleteParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	buf := bufsync.NewText(p.Text)
	offset := min(max(p.Offset, 0), buf.Len())
	prefix := CompletionPrefix(buf, offset)
	if p.Prefix != nil {
		prefix = *p.Prefix
	}
	cands, err := sess.Complete(ctx, buf, offset, prefix)
	if err != nil {
		return nil, err
	}
	pos := buf.Position(offset)
	out := protocol.CompleteResult{
		Prefix:     prefix,
		Line:       pos.Line,
		Col:        pos.Col,
		Candidates: make([]protocol.Candidate, 0, len(cands)),
	}
	for _, c := range cands {
		out.Candidates = append(out.Candidates, protocol.Candidate{Name: c.Name, Description: c.Desc})
	}
	return out, nil
}

func (s *Service) listErrors(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[protocol.BufferParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	buf := bufsync.NewText(p.Text)
	diags, err := sess.Errors(ctx, buf)
	if err != nil {
		return nil, err
	}
	regions := bufsync.Regions(buf, diags)
	out := protocol.ErrorsResult{Diagnostics: make([]protocol.Diagnostic, 0, len(diags))}
	for i, d := range diags {
		out.Diagnostics = append(out.Diagnostics, protocol.Diagnostic{
			Start:     regions[i].Start,
			End:       regions[i].End,
			StartLine: d.Start.Line,
			StartCol:  d.Start.Col,
			EndLine:   d.End.Line,
			EndCol:    d.End.Col,
			Message:   d.Message,
		})
	}
	if p.Offset != nil {
		out.Message = bufsync.MessageAt(buf, regions, *p.Offset)
	}
	s.bus.Publish(sess.Key, events.Diagnostics, protocol.DiagnosticsParams{Path: sess.Key, Diagnostics: out.Diagnostics})
	return out, nil
}

func (s *Service) modulesList(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[protocol.PathParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	mods, cached, err := sess.Modules(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.ModulesListResult{Modules: mods, Cached: cached}, nil
}

func (s *Service) modulesLoad(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[protocol.ModulesLoadParams](raw)
	if err != nil {
		return nil, err
	}
	if len(p.Names) == 0 {
		return nil, fmt.Errorf("%w: names is required", errInvalidParams)
	}
	sess, err := s.sessions.Get(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	if err := sess.UseModules(ctx, p.Names); err != nil {
		return nil, err
	}
	return protocol.OKResult{OK: true}, nil
}

func (s *Service) project(ctx context.Context, raw json.RawMessage, op func(*merlin.Client, context.Context, string) (json.RawMessage, error)) (any, error) {
	p, err := decode[protocol.ProjectParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	target := p.Project
	if target == "" {
		target = sess.Key
	}
	payload, err := sess.Call(ctx, func(ctx context.Context, c *merlin.Client) (json.RawMessage, error) {
		return op(c, ctx, target)
	})
	if err != nil {
		return nil, err
	}
	return protocol.EngineResult{Payload: payload}, nil
}

func (s *Service) refresh(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[protocol.PathParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	payload, err := sess.Call(ctx, func(ctx context.Context, c *merlin.Client) (json.RawMessage, error) {
		return c.Refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return protocol.EngineResult{Payload: payload}, nil
}

func (s *Service) reset(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[protocol.ResetParams](raw)
	if err != nil {
		return nil, err
	}
	if p.Kind != "" && p.Kind != "ml" && p.Kind != "mli" {
		return nil, fmt.Errorf("%w: kind must be ml or mli", errInvalidParams)
	}
	sess, err := s.sessions.Get(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	name := p.Name
	if name == "" {
		name = sess.Key
	}
	payload, err := sess.Call(ctx, func(ctx context.Context, c *merlin.Client) (json.RawMessage, error) {
		return c.Reset(ctx, p.Kind, name)
	})
	if err != nil {
		return nil, err
	}
	return protocol.EngineResult{Payload: payload}, nil
}

func (s *Service) engineConfigure(raw json.RawMessage) (any, error) {
	p, err := decode[protocol.EngineConfigureParams](raw)
	if err != nil {
		return nil, err
	}
	l := process.ExecLauncher{Binary: s.cfg.Engine.Binary, Flags: s.cfg.Engine.Flags}
	if cur, ok := s.sessions.Launcher().(process.ExecLauncher); ok {
		l = cur
	}
	if p.Binary != "" {
		l.Binary = p.Binary
	}
	if p.Flags != nil {
		l.Flags = p.Flags
	}
	s.sessions.SetLauncher(l)
	return protocol.OKResult{OK: true}, nil
}

func cursorOf(c merlin.Cursor) protocol.Cursor {
	return protocol.Cursor{Line: c.Line, Col: c.Col, Marker: c.Marker}
}
