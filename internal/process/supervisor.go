package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/samiralibabic/merlind/internal/audit"
	"github.com/samiralibabic/merlind/internal/merlin"
	"github.com/samiralibabic/merlind/internal/metrics"
	"github.com/samiralibabic/merlind/internal/transport/ndjson"
)

var (
	ErrSpawn     = errors.New("engine failed to start")
	ErrExited    = errors.New("engine exited")
	ErrTimeout   = errors.New("engine did not reply in time")
	ErrThrottled = errors.New("engine restarts throttled")
	ErrClosed    = errors.New("supervisor closed")
)

// IsTransport reports whether err is a transport fault: the process could
// not be started, died, was throttled or stopped answering.
func IsTransport(err error) bool {
	return errors.Is(err, ErrSpawn) || errors.Is(err, ErrExited) ||
		errors.Is(err, ErrTimeout) || errors.Is(err, ErrThrottled)
}

type State int

const (
	StateUnstarted State = iota
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

type Options struct {
	Project   string
	SessionID string
	// ReadTimeout bounds the wait for one reply. Zero waits forever.
	ReadTimeout       time.Duration
	RestartsPerMinute int
	RestartBurst      int
	Audit             *audit.Logger
	Logger            *slog.Logger
}

var tracer = otel.Tracer("github.com/samiralibabic/merlind/internal/process")

// running is one launched process and its reader goroutine.
type running struct {
	proc     Proc
	enc      *ndjson.Encoder
	lines    chan []byte
	exited   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	waitErr  error
}

func (r *running) hasExited() bool {
	select {
	case <-r.exited:
		return true
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *running) kill() {
	r.stopOnce.Do(func() {
		close(r.stop)
		_ = r.proc.Kill()
	})
}

// Supervisor owns a single engine process. It launches the process on
// demand and performs strictly sequential request/response round trips.
type Supervisor struct {
	reqMu sync.Mutex

	mu       sync.Mutex
	launcher Launcher
	opts     Options
	limiter  *rate.Limiter
	cur      *running
	state    State
	gen      int
	closed   bool
	log      *slog.Logger
}

func NewSupervisor(launcher Launcher, opts Options) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		launcher: launcher,
		opts:     opts,
		log:      log.With("project", opts.Project),
	}
	if opts.RestartsPerMinute > 0 {
		burst := opts.RestartBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(float64(opts.RestartsPerMinute)/60), burst)
	}
	return s
}

// SetLauncher replaces the launch configuration. A running process is left
// alone; the next launch uses the new launcher.
func (s *Supervisor) SetLauncher(l Launcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launcher = l
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.cur.hasExited() {
		return StateExited
	}
	return s.state
}

// Generation counts launches. A change means engine-side state was lost.
func (s *Supervisor) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// EnsureRunning launches the engine if it was never started or has exited.
// A lingering handle is killed first, ignoring errors from a dead process.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.cur != nil && !s.cur.hasExited() {
		return nil
	}
	if s.cur != nil {
		s.cur.kill()
		s.state = StateExited
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return fmt.Errorf("%w: more than %d launches per minute", ErrThrottled, s.opts.RestartsPerMinute)
	}
	proc, err := s.launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %v (check that the engine binary exists and is executable)", ErrSpawn, describe(s.launcher), err)
	}
	r := &running{
		proc:   proc,
		enc:    ndjson.NewStreamEncoder(proc.Stdin()),
		lines:  make(chan []byte),
		exited: make(chan struct{}),
		stop:   make(chan struct{}),
	}
	s.cur = r
	s.state = StateRunning
	s.gen++
	metrics.EngineRestarts.Inc()
	s.log.Info("engine started", "pid", proc.Pid(), "generation", s.gen, "cmd", describe(s.launcher))
	go s.readLoop(r)
	return nil
}

func (s *Supervisor) readLoop(r *running) {
	dec := ndjson.NewDecoder(r.proc.Stdout())
	for {
		line, err := dec.ReadLine()
		if err != nil {
			break
		}
		select {
		case r.lines <- line:
		case <-r.stop:
		}
	}
	r.waitErr = r.proc.Wait()
	close(r.exited)
	code, sig := ExitStatus(r.waitErr)
	s.log.Info("engine exited", "pid", r.proc.Pid(), "exit_code", code, "signal", sig)
}

// fail kills r and marks the handle exited if r is still current.
func (s *Supervisor) fail(r *running) {
	r.kill()
	s.mu.Lock()
	if s.cur == r {
		s.state = StateExited
	}
	s.mu.Unlock()
}

// Send writes cmd, flushes, and blocks for exactly one reply line. All four
// reply tags are returned as envelopes; errors are transport or codec
// faults, after which the process has been killed.
func (s *Supervisor) Send(ctx context.Context, cmd merlin.Command) (merlin.Envelope, error) {
	payload, err := merlin.Encode(cmd)
	if err != nil {
		return merlin.Envelope{}, err
	}
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	label := cmd.Label()
	ctx, span := tracer.Start(ctx, "engine."+label)
	defer span.End()
	span.SetAttributes(attribute.String("merlin.project", s.opts.Project), attribute.Int("merlin.request_bytes", len(payload)))

	start := time.Now()
	env, err := s.roundTrip(ctx, payload)
	outcome := outcomeOf(env, err)
	elapsed := time.Since(start)

	metrics.EngineRequests.WithLabelValues(label, outcome).Inc()
	metrics.EngineRequestDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	span.SetAttributes(attribute.String("merlin.outcome", outcome))
	entry := audit.Entry{
		SessionID:  s.opts.SessionID,
		Project:    s.opts.Project,
		Command:    label,
		Outcome:    outcome,
		Bytes:      len(payload),
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry.Error = err.Error()
		s.log.Warn("engine request failed", "command", label, "outcome", outcome, "err", err)
	} else {
		s.log.Debug("engine request", "command", label, "outcome", outcome, "duration", elapsed)
	}
	s.opts.Audit.Write(entry)
	return env, err
}

func (s *Supervisor) roundTrip(ctx context.Context, payload []byte) (merlin.Envelope, error) {
	if err := s.EnsureRunning(ctx); err != nil {
		return merlin.Envelope{}, err
	}
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()

	if err := r.enc.WriteRaw(payload); err != nil {
		s.fail(r)
		return merlin.Envelope{}, fmt.Errorf("%w: write request: %v", ErrExited, err)
	}

	var timeout <-chan time.Time
	if s.opts.ReadTimeout > 0 {
		t := time.NewTimer(s.opts.ReadTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case line := <-r.lines:
		env, err := merlin.Decode(line)
		if err != nil {
			s.fail(r)
			return merlin.Envelope{}, err
		}
		return env, nil
	case <-r.exited:
		s.fail(r)
		return merlin.Envelope{}, fmt.Errorf("%w before replying: %v", ErrExited, r.waitErr)
	case <-r.stop:
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return merlin.Envelope{}, ErrClosed
		}
		return merlin.Envelope{}, fmt.Errorf("%w: killed while waiting for reply", ErrExited)
	case <-timeout:
		s.fail(r)
		return merlin.Envelope{}, fmt.Errorf("%w after %s", ErrTimeout, s.opts.ReadTimeout)
	case <-ctx.Done():
		s.fail(r)
		return merlin.Envelope{}, ctx.Err()
	}
}

// Close kills the process. Further calls fail with ErrClosed.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	r := s.cur
	if r != nil {
		s.state = StateExited
	}
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	r.kill()
	select {
	case <-r.exited:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("engine pid %d did not exit", r.proc.Pid())
	}
	return nil
}

func outcomeOf(env merlin.Envelope, err error) string {
	switch {
	case err == nil:
		return env.Tag.String()
	case errors.Is(err, merlin.ErrCodec):
		return "codec"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transport"
	}
}

func describe(l Launcher) string {
	if s, ok := l.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", l)
}
