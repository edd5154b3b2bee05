package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/samiralibabic/merlind/internal/audit"
	"github.com/samiralibabic/merlind/internal/config"
	"github.com/samiralibabic/merlind/internal/events"
	"github.com/samiralibabic/merlind/internal/merlin"
	"github.com/samiralibabic/merlind/internal/metrics"
	"github.com/samiralibabic/merlind/internal/process"
	"github.com/samiralibabic/merlind/internal/project"
)

var ErrNotFound = errors.New("session not found")

type Options struct {
	Launcher          process.Launcher
	ReadTimeout       time.Duration
	RestartsPerMinute int
	RestartBurst      int
	EntryPoints       map[string][]string
	ChunkSize         int
	ModuleTTL         time.Duration
	Audit             *audit.Logger
	Bus               *events.Bus
	Logger            *slog.Logger
}

// OptionsFromConfig launches the configured engine binary for every
// session.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Launcher:          process.ExecLauncher{Binary: cfg.Engine.Binary, Flags: cfg.Engine.Flags},
		ReadTimeout:       cfg.Engine.ReadTimeout(),
		RestartsPerMinute: cfg.Engine.RestartsPerMinute,
		RestartBurst:      cfg.Engine.RestartBurst,
		EntryPoints:       cfg.Engine.EntryPoints,
		ChunkSize:         cfg.Sync.ChunkSize,
		ModuleTTL:         cfg.Cache.ModuleTTL(),
		Audit:             audit.New(cfg.Audit.Enabled, cfg.Audit.Path),
	}
}

// Registry owns one session per project key. Sessions live until Close or
// Shutdown.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     Options
	group    singleflight.Group
	watcher  *project.Watcher
	log      *slog.Logger
}

func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EntryPoints == nil {
		opts.EntryPoints = merlin.DefaultEntryPoints()
	}
	return &Registry{
		sessions: map[string]*Session{},
		opts:     opts,
		log:      opts.Logger,
	}
}

// Watch starts a project watcher that marks sessions stale when compiled
// interfaces or project files with one of exts change.
func (r *Registry) Watch(exts []string) error {
	w, err := project.NewWatcher(exts, r.MarkStale, r.log)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.watcher = w
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	for _, k := range keys {
		if err := w.Add(k); err != nil {
			r.log.Warn("watch project", "key", k, "err", err)
		}
	}
	return nil
}

// Get returns the session for path, creating and bootstrapping it on first
// use. A session whose engine could not be reached is not kept, so the
// next call starts over.
func (r *Registry) Get(ctx context.Context, path string) (*Session, error) {
	key, err := project.NormalizeKey(path)
	if err != nil {
		return nil, err
	}
	if s := r.lookup(key); s != nil {
		return s, nil
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		if s := r.lookup(key); s != nil {
			return s, nil
		}
		r.mu.RLock()
		opts := r.opts
		r.mu.RUnlock()

		s := newSession(key, opts)
		if err := s.start(ctx); err != nil {
			s.report(err)
			_ = s.close()
			return nil, err
		}
		r.mu.Lock()
		r.sessions[key] = s
		w := r.watcher
		r.mu.Unlock()
		metrics.Sessions.Inc()
		if w != nil {
			if err := w.Add(key); err != nil {
				r.log.Warn("watch project", "key", key, "err", err)
			}
		}
		r.log.Info("session opened", "session", s.ID, "key", key)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (r *Registry) lookup(key string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[key]
}

// Lookup returns an existing session without creating one.
func (r *Registry) Lookup(path string) (*Session, error) {
	key, err := project.NormalizeKey(path)
	if err != nil {
		return nil, err
	}
	if s := r.lookup(key); s != nil {
		return s, nil
	}
	return nil, ErrNotFound
}

// List returns the live sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) Close(path string) error {
	key, err := project.NormalizeKey(path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sessions, key)
	w := r.watcher
	r.mu.Unlock()
	if w != nil {
		w.Remove(key)
	}
	metrics.Sessions.Dec()
	r.log.Info("session closed", "session", s.ID, "key", key)
	return s.close()
}

// Shutdown closes every session concurrently and stops the watcher.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = map[string]*Session{}
	w := r.watcher
	r.watcher = nil
	r.mu.Unlock()

	if w != nil {
		_ = w.Close()
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			metrics.Sessions.Dec()
			done := make(chan error, 1)
			go func() { done <- s.close() }()
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// SetLauncher replaces the engine launch configuration for new and
// existing sessions. Running engines keep going; the next launch of each
// uses l.
func (r *Registry) SetLauncher(l process.Launcher) {
	r.mu.Lock()
	r.opts.Launcher = l
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.sup.SetLauncher(l)
	}
	r.log.Info("engine launcher changed", "cmd", describeLauncher(l))
}

// Launcher returns the current launch configuration.
func (r *Registry) Launcher() process.Launcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opts.Launcher
}

// MarkStale flags the session for key so its next request reloads project
// state first. Unknown keys are ignored.
func (r *Registry) MarkStale(key string, c project.Change) {
	if s := r.lookup(key); s != nil {
		s.markStale(c)
	}
}
