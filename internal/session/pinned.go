package session

import (
	"context"
	"fmt"

	"github.com/samiralibabic/merlind/internal/merlin"
	"github.com/samiralibabic/merlind/internal/process"
)

// pinnedSender sends only to the engine generation the session prepared.
// A process that was relaunched underneath a request has none of the
// session's project or buffer state, so it is reported as an exit instead
// of being talked to.
type pinnedSender struct {
	sup *process.Supervisor
	gen int
}

func (p *pinnedSender) pin(gen int) { p.gen = gen }

func (p *pinnedSender) Send(ctx context.Context, cmd merlin.Command) (merlin.Envelope, error) {
	if p.sup.State() != process.StateRunning || p.sup.Generation() != p.gen {
		return merlin.Envelope{}, fmt.Errorf("%w: engine generation %d is gone", process.ErrExited, p.gen)
	}
	env, err := p.sup.Send(ctx, cmd)
	if err != nil {
		return env, err
	}
	if gen := p.sup.Generation(); gen != p.gen {
		return merlin.Envelope{}, fmt.Errorf("%w: engine relaunched as generation %d mid-request", process.ErrExited, gen)
	}
	return env, nil
}
