package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/samiralibabic/merlind/internal/bufsync"
	"github.com/samiralibabic/merlind/internal/events"
	"github.com/samiralibabic/merlind/internal/merlin"
	"github.com/samiralibabic/merlind/internal/process"
	"github.com/samiralibabic/merlind/internal/project"
)

const modulesCacheKey = "find list"

// Session binds one project key to one engine process and the parse state
// the engine holds for it.
type Session struct {
	ID        string
	Key       string
	CreatedAt time.Time

	// mu serializes requests: the protocol has no request ids.
	mu      sync.Mutex
	sup     *process.Supervisor
	pinned  *pinnedSender
	client  *merlin.Client
	sync    *bufsync.Synchronizer
	bootGen int
	modules *ttlcache.Cache[string, []string]
	bus     *events.Bus
	log     *slog.Logger

	staleMu         sync.Mutex
	staleProject    bool
	staleInterfaces bool
}

func newSession(key string, opts Options) *Session {
	id := uuid.NewString()
	sup := process.NewSupervisor(opts.Launcher, process.Options{
		Project:           key,
		SessionID:         id,
		ReadTimeout:       opts.ReadTimeout,
		RestartsPerMinute: opts.RestartsPerMinute,
		RestartBurst:      opts.RestartBurst,
		Audit:             opts.Audit,
		Logger:            opts.Logger,
	})
	pinned := &pinnedSender{sup: sup}
	s := &Session{
		ID:        id,
		Key:       key,
		CreatedAt: time.Now().UTC(),
		sup:       sup,
		pinned:    pinned,
		client:    merlin.NewClient(pinned, opts.EntryPoints),
		sync:      bufsync.New(opts.ChunkSize),
		bus:       opts.Bus,
		log:       opts.Logger.With("session", id, "key", key),
	}
	if opts.ModuleTTL > 0 {
		s.modules = ttlcache.New[string, []string](
			ttlcache.WithTTL[string, []string](opts.ModuleTTL),
			ttlcache.WithDisableTouchOnHit[string, []string](),
		)
	}
	return s
}

func (s *Session) State() process.State { return s.sup.State() }

func (s *Session) Generation() int { return s.sup.Generation() }

func (s *Session) Stale() bool {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()
	return s.staleProject || s.staleInterfaces
}

// start launches the engine and runs the bootstrap.
func (s *Session) start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepare(ctx)
}

// Do runs fn with exclusive use of the engine. The engine is started if
// needed and its project state rebuilt when it was restarted since the
// last request. A codec fault or an engine that died mid-request gets one
// retry on a fresh process; other transport faults are returned and the
// next call starts over.
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context, c *merlin.Client) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for attempt := 0; ; attempt++ {
		err := s.prepare(ctx)
		if err == nil {
			err = fn(ctx, s.client)
		}
		if err == nil {
			return nil
		}
		if attempt == 0 && retryable(err) {
			s.log.Warn("engine fault, retrying on a fresh process", "err", err)
			continue
		}
		s.report(err)
		return err
	}
}

func retryable(err error) bool {
	return errors.Is(err, merlin.ErrCodec) || errors.Is(err, process.ErrExited)
}

// report forwards faults worth a status-line message to the editor.
func (s *Session) report(err error) {
	var ee *merlin.EngineError
	switch {
	case errors.As(err, &ee):
		if ee.Kind != merlin.KindFailure {
			s.bus.PublishMessage(s.Key, ee.Kind.String(), ee.Message())
		}
	case process.IsTransport(err), errors.Is(err, merlin.ErrCodec):
		s.bus.PublishMessage(s.Key, "error", err.Error())
	}
}

func (s *Session) prepare(ctx context.Context) error {
	if err := s.sup.EnsureRunning(ctx); err != nil {
		return err
	}
	gen := s.sup.Generation()
	s.pinned.pin(gen)
	if gen != s.bootGen {
		return s.bootstrap(ctx, gen)
	}
	return s.reloadIfStale(ctx)
}

// bootstrap points a freshly launched engine at the project. Engine-level
// rejections are expected for files without a project and are tolerated.
func (s *Session) bootstrap(ctx context.Context, gen int) error {
	s.log.Debug("bootstrapping engine", "generation", gen)
	_, err := s.client.ProjectFind(ctx, s.Key)
	if err := s.tolerate("project find", err); err != nil {
		return err
	}
	_, err = s.client.Reset(ctx, "", s.Key)
	if err := s.tolerate("reset", err); err != nil {
		return err
	}
	s.bootGen = gen
	s.staleMu.Lock()
	s.staleProject, s.staleInterfaces = false, false
	s.staleMu.Unlock()
	s.purgeModules()
	return nil
}

func (s *Session) reloadIfStale(ctx context.Context) error {
	s.staleMu.Lock()
	proj, ifaces := s.staleProject, s.staleInterfaces
	s.staleProject, s.staleInterfaces = false, false
	s.staleMu.Unlock()
	if proj {
		_, err := s.client.ProjectLoad(ctx, filepath.Join(project.Dir(s.Key), project.ProjectFile))
		if err := s.tolerate("project load", err); err != nil {
			return err
		}
	}
	if ifaces {
		_, err := s.client.Refresh(ctx)
		if err := s.tolerate("refresh", err); err != nil {
			return err
		}
	}
	if proj || ifaces {
		s.purgeModules()
	}
	return nil
}

func (s *Session) tolerate(step string, err error) error {
	var ee *merlin.EngineError
	if errors.As(err, &ee) {
		s.log.Info("engine rejected "+step, "kind", ee.Kind, "message", ee.Message())
		return nil
	}
	return err
}

func (s *Session) markStale(c project.Change) {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()
	if c == project.ChangeProject {
		s.staleProject = true
	} else {
		s.staleInterfaces = true
	}
}

func (s *Session) purgeModules() {
	if s.modules != nil {
		s.modules.DeleteAll()
	}
}

func (s *Session) close() error {
	if s.modules != nil {
		s.modules.DeleteAll()
	}
	return s.sup.Close()
}

// SyncTo brings the engine up to date with buf[0:target].
func (s *Session) SyncTo(ctx context.Context, buf bufsync.Buffer, target int) (bufsync.Result, error) {
	var res bufsync.Result
	err := s.Do(ctx, func(ctx context.Context, c *merlin.Client) error {
		var err error
		res, err = s.sync.SyncTo(ctx, c, buf, target)
		return err
	})
	return res, err
}

// Complete synchronizes buf up to offset and asks for completions of
// prefix there.
func (s *Session) Complete(ctx context.Context, buf *bufsync.Text, offset int, prefix string) ([]merlin.Candidate, error) {
	var out []merlin.Candidate
	err := s.Do(ctx, func(ctx context.Context, c *merlin.Client) error {
		if _, err := s.sync.SyncTo(ctx, c, buf, offset); err != nil {
			return err
		}
		pos := buf.Position(offset)
		var err error
		out, err = c.Complete(ctx, prefix, pos.Line, pos.Col)
		return err
	})
	return out, err
}

// Errors synchronizes the whole buffer and lists its diagnostics.
func (s *Session) Errors(ctx context.Context, buf bufsync.Buffer) ([]merlin.Diagnostic, error) {
	var out []merlin.Diagnostic
	err := s.Do(ctx, func(ctx context.Context, c *merlin.Client) error {
		if _, err := s.sync.Sync(ctx, c, buf); err != nil {
			return err
		}
		var err error
		out, err = c.Errors(ctx)
		return err
	})
	return out, err
}

// Modules lists loadable modules, from cache when fresh.
func (s *Session) Modules(ctx context.Context) ([]string, bool, error) {
	if s.modules != nil && !s.Stale() {
		if item := s.modules.Get(modulesCacheKey); item != nil {
			return item.Value(), true, nil
		}
	}
	var out []string
	err := s.Do(ctx, func(ctx context.Context, c *merlin.Client) error {
		var err error
		out, err = c.FindList(ctx)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if s.modules != nil {
		s.modules.Set(modulesCacheKey, out, ttlcache.DefaultTTL)
	}
	return out, false, nil
}

func (s *Session) UseModules(ctx context.Context, names []string) error {
	defer s.purgeModules()
	return s.Do(ctx, func(ctx context.Context, c *merlin.Client) error {
		_, err := c.FindUse(ctx, names...)
		return err
	})
}

// Call runs one façade operation that returns a raw payload and changes
// engine state, dropping cached module lists.
func (s *Session) Call(ctx context.Context, op func(ctx context.Context, c *merlin.Client) (json.RawMessage, error)) (json.RawMessage, error) {
	defer s.purgeModules()
	var out json.RawMessage
	err := s.Do(ctx, func(ctx context.Context, c *merlin.Client) error {
		var err error
		out, err = op(ctx, c)
		return err
	})
	return out, err
}

func describeLauncher(l process.Launcher) string {
	if st, ok := l.(fmt.Stringer); ok {
		return st.String()
	}
	return fmt.Sprintf("%T", l)
}
