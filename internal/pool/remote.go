package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mormegil-cz/gnubg-sub002/internal/task"
	"github.com/mormegil-cz/gnubg-sub002/internal/transport"
	"github.com/mormegil-cz/gnubg-sub002/internal/wire"
)

var errPeerClosed = errors.New("slave closed the connection")

type received struct {
	msg wire.Message
	err error
}

// runRemote drives one remote unit from connecting until deactivated. It
// owns the connection; nothing else reads from or writes to it.
func (p *Pool) runRemote(ctx context.Context, u *Unit) {
	logger := log.With().Int("pu", u.id).Str("addr", u.addr).Logger()

	conn, err := p.handshake(ctx, u)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn().Err(err).Msg("remote unit unavailable")
		}
		p.deactivate(u)
		return
	}
	logger.Info().
		Int("capacity", u.Capacity()).
		Str("mask", u.Mask().String()).
		Str("label", u.Label()).
		Msg("remote unit connected")

	stop := make(chan struct{})
	incoming := make(chan received, 1)
	go readLoop(conn, incoming, stop)

	u.setStatus(StatusReady)
	p.engine.Schedule()

	err = p.serveRemote(ctx, u, conn, incoming, logger)
	if ctx.Err() != nil {
		// best-effort, the connection is going away anyway
		_ = conn.Send(wire.Close(wire.CloseShutdown), p.opts.SendTimeout)
		logger.Info().Msg("remote unit stopped")
	} else {
		logger.Warn().Err(err).Msg("remote unit failed")
	}
	close(stop)
	conn.Close()
	p.deactivate(u)
}

// handshake dials the slave and learns its capacity and capabilities.
func (p *Pool) handshake(ctx context.Context, u *Unit) (*transport.Conn, error) {
	conn, err := p.opts.Dialer.Dial(ctx, u.addr)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*transport.Conn, error) {
		conn.Close()
		return nil, err
	}
	if err := conn.Send(wire.GetInfo(), p.opts.HandshakeTimeout); err != nil {
		return fail(fmt.Errorf("send info request: %w", err))
	}
	m, err := conn.Receive(p.opts.HandshakeTimeout)
	if err != nil {
		return fail(fmt.Errorf("receive info: %w", err))
	}
	if m.Kind != wire.KindInfo {
		return fail(fmt.Errorf("expected %s, got %s", wire.KindInfo, m.Kind))
	}
	if m.Info.Capacity == 0 {
		return fail(fmt.Errorf("slave reports no capacity"))
	}
	mask := m.Info.Mask & task.MaskAll
	if mask == 0 {
		return fail(fmt.Errorf("slave accepts no known task kind (mask %#x)", uint32(m.Info.Mask)))
	}
	u.setInfo(int(m.Info.Capacity), mask, m.Info.Label)
	return conn, nil
}

func readLoop(conn *transport.Conn, out chan<- received, stop <-chan struct{}) {
	for {
		m, err := conn.Receive(0)
		select {
		case out <- received{msg: m, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (p *Pool) serveRemote(ctx context.Context, u *Unit, conn *transport.Conn, incoming <-chan received, logger zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-incoming:
			return unexpected(r, "while idle")
		case <-u.wake:
		}

		tasks := p.engine.takeAssigned(u)
		if len(tasks) == 0 {
			continue
		}
		if err := conn.Send(wire.DoJob(tasks), p.opts.SendTimeout); err != nil {
			return fmt.Errorf("send job: %w", err)
		}
		u.setStatus(StatusBusy)
		logger.Debug().Int("tasks", len(tasks)).Msg("job sent")

		if err := p.awaitResults(ctx, u, tasks, incoming); err != nil {
			return err
		}
		u.setStatus(StatusReady)
		p.engine.Schedule()
	}
}

// awaitResults collects one TaskResult per task of the job just sent.
func (p *Pool) awaitResults(ctx context.Context, u *Unit, tasks []*task.Task, incoming <-chan received) error {
	outstanding := make(map[uint32]struct{}, len(tasks))
	for _, t := range tasks {
		outstanding[t.ID] = struct{}{}
	}
	var timeout <-chan time.Time
	if p.opts.JobTimeout > 0 {
		timer := time.NewTimer(p.opts.JobTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for len(outstanding) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("job timed out after %s with %d results outstanding", p.opts.JobTimeout, len(outstanding))
		case r := <-incoming:
			if r.err != nil || r.msg.Kind != wire.KindTaskResult {
				return unexpected(r, "while awaiting results")
			}
			res := r.msg.Result()
			if res == nil {
				return fmt.Errorf("empty task result")
			}
			id, ok := p.engine.completeRemote(u, res)
			if _, sent := outstanding[id]; sent && !ok {
				return fmt.Errorf("unusable %s result for task %d", res.Kind, id)
			}
			delete(outstanding, id)
		}
	}
	return nil
}

func unexpected(r received, when string) error {
	switch {
	case r.err != nil:
		return fmt.Errorf("receive %s: %w", when, r.err)
	case r.msg.Kind == wire.KindClose:
		return fmt.Errorf("%w (reason %d)", errPeerClosed, r.msg.Reason)
	default:
		return fmt.Errorf("unexpected %s %s", r.msg.Kind, when)
	}
}

// deactivate reverts whatever u still holds and marks it deactivated.
func (p *Pool) deactivate(u *Unit) {
	u.setStopping(true)
	p.engine.CancelPUTasks(u)
	u.setStatus(StatusDeactivated)
}
