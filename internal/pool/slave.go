package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mormegil-cz/gnubg-sub002/internal/discovery"
	"github.com/mormegil-cz/gnubg-sub002/internal/task"
	"github.com/mormegil-cz/gnubg-sub002/internal/transport"
	"github.com/mormegil-cz/gnubg-sub002/internal/wire"
	"github.com/mormegil-cz/gnubg-sub002/pkg/api"
)

// SlaveOptions configure slave mode.
type SlaveOptions struct {
	Listen    string                // host:port to accept the master on
	Allow     *transport.AllowList  // nil accepts any peer
	TLS       *transport.TLSOptions // nil listens on plain TCP
	Announcer *discovery.Announcer  // optional, paused while a master is connected
	Label     string                // reported in Info; defaults to Options.Label
}

type slaveSession struct {
	cancel context.CancelFunc
	done   chan error
	addr   net.Addr
}

var (
	localUnits  = Filter{ID: AnyID, Type: TypeLocal, Status: AnyStatus, Mask: AnyMask}
	remoteUnits = Filter{ID: AnyID, Type: TypeRemote, Status: AnyStatus, Mask: AnyMask}
)

// RunSlave serves masters until ctx is done. Remote units are stopped
// first; the local units execute the jobs.
func (p *Pool) RunSlave(ctx context.Context, opts SlaveOptions) error {
	ln, err := p.listenSlave(ctx, opts)
	if err != nil {
		return err
	}
	return p.serveSlave(ctx, ln, opts)
}

func (p *Pool) listenSlave(ctx context.Context, opts SlaveOptions) (net.Listener, error) {
	if err := p.StopAll(ctx, remoteUnits); err != nil {
		return nil, fmt.Errorf("stop remote units: %w", err)
	}
	if len(p.reg.Find(localUnits)) == 0 {
		return nil, &ConfigError{Field: "mode", Value: string(api.ModeSlave), Message: "slave mode needs at least one local unit"}
	}
	addr := opts.Listen
	if addr == "" {
		addr = fmt.Sprintf(":%d", p.opts.DefaultPort)
	}
	return transport.Listen(addr, opts.TLS)
}

func (p *Pool) serveSlave(ctx context.Context, ln net.Listener, opts SlaveOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	if opts.Announcer != nil {
		go func() {
			if err := opts.Announcer.Run(ctx); err != nil {
				log.Warn().Err(err).Msg("discovery announcer stopped")
			}
		}()
	}
	if opts.Label == "" {
		opts.Label = p.opts.Label
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("slave waiting for master")
	var busy atomic.Bool
	var sessions sync.WaitGroup
	defer sessions.Wait()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept master: %w", err)
		}
		peer := c.RemoteAddr().String()
		if !opts.Allow.Allowed(c.RemoteAddr()) {
			log.Warn().Str("peer", peer).Msg("rejected master outside allowed ranges")
			c.Close()
			continue
		}
		if !busy.CompareAndSwap(false, true) {
			log.Warn().Str("peer", peer).Msg("rejected second master connection")
			c.Close()
			continue
		}
		if opts.Announcer != nil {
			opts.Announcer.Pause()
		}
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			p.serveMaster(ctx, transport.NewConn(c), opts.Label)
			if opts.Announcer != nil {
				opts.Announcer.Resume()
			}
			busy.Store(false)
			log.Info().Str("peer", peer).Msg("slave waiting for master")
		}()
	}
}

// serveMaster runs one master session. Results flow back as the local
// units finish; whatever is left when the master goes away is discarded.
func (p *Pool) serveMaster(ctx context.Context, conn *transport.Conn, label string) {
	peer := conn.RemoteAddr().String()
	logger := log.With().Str("peer", peer).Logger()
	logger.Info().Msg("master connected")

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			t, err := p.engine.GetCompletedTask(ctx)
			if err != nil {
				return
			}
			if t == nil {
				continue
			}
			if err := conn.Send(wire.TaskResult(t), p.opts.SendTimeout); err != nil {
				logger.Warn().Err(err).Uint32("task", t.WireID()).Msg("send result failed")
				return
			}
		}
	}()

	p.receiveJobs(ctx, conn, label, logger)
	cancel()
	wg.Wait()
	p.resetLocal(context.Background())
	logger.Info().Msg("master disconnected")
}

func (p *Pool) receiveJobs(ctx context.Context, conn *transport.Conn, label string, logger zerolog.Logger) {
	for {
		m, err := conn.Receive(0)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("master connection failed")
			}
			return
		}
		switch m.Kind {
		case wire.KindGetInfo:
			info := p.localInfo(label)
			if err := conn.Send(wire.InfoReply(info), p.opts.SendTimeout); err != nil {
				logger.Warn().Err(err).Msg("send info failed")
				return
			}
		case wire.KindDoJob:
			if err := p.acceptJob(conn, m.Tasks); err != nil {
				logger.Warn().Err(err).Msg("send rejection failed")
				return
			}
			logger.Debug().Int("tasks", len(m.Tasks)).Msg("job received")
		case wire.KindClose:
			logger.Debug().Uint32("reason", uint32(m.Reason)).Msg("master closed the session")
			return
		default:
			logger.Warn().Str("kind", m.Kind.String()).Msg("unexpected message from master")
			return
		}
	}
}

// acceptJob adopts every task that fits the table; the rest go straight
// back as rejected.
func (p *Pool) acceptJob(conn *transport.Conn, tasks []*task.Task) error {
	var rejected []*task.Task
	for _, t := range tasks {
		if err := p.engine.Adopt(t); err != nil {
			rejected = append(rejected, t)
		}
	}
	p.engine.Schedule()
	for _, t := range rejected {
		t.Code = task.CodeRejected
		if err := conn.Send(wire.TaskResult(t), p.opts.SendTimeout); err != nil {
			return err
		}
	}
	return nil
}

// localInfo describes this host to a master.
func (p *Pool) localInfo(label string) wire.Info {
	var info wire.Info
	for _, u := range p.reg.Find(localUnits) {
		if u.Status() == StatusDeactivated {
			continue
		}
		info.Capacity += uint32(u.Capacity())
		info.Mask |= u.Mask()
		info.Units++
	}
	info.Label = label
	return info
}

// resetLocal drops the session's tasks and restarts the local units so no
// evaluation of a discarded task is still running.
func (p *Pool) resetLocal(ctx context.Context) {
	if n := p.engine.Purge(); n > 0 {
		log.Info().Int("tasks", n).Msg("discarded tasks of disconnected master")
	}
	var running []*Unit
	for _, u := range p.reg.Find(localUnits) {
		if u.Status() != StatusDeactivated {
			running = append(running, u)
		}
	}
	if err := p.stopUnits(ctx, running); err != nil {
		log.Warn().Err(err).Msg("local units did not stop cleanly")
	}
	for _, u := range running {
		if err := p.Start(u.id); err != nil {
			log.Warn().Err(err).Int("pu", u.id).Msg("restart local unit")
		}
	}
}

// SwitchToSlave stops the remote units and starts serving masters in the
// background.
func (p *Pool) SwitchToSlave(opts SlaveOptions) error {
	p.modeMu.Lock()
	defer p.modeMu.Unlock()
	if p.slave != nil {
		return &ConfigError{Field: "mode", Value: string(api.ModeSlave), Message: "already in slave mode"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := p.listenSlave(ctx, opts)
	if err != nil {
		cancel()
		return err
	}
	s := &slaveSession{cancel: cancel, done: make(chan error, 1), addr: ln.Addr()}
	go func() {
		s.done <- p.serveSlave(ctx, ln, opts)
	}()
	p.slave = s
	return nil
}

// SwitchToMaster leaves slave mode. It is a no-op in master mode.
func (p *Pool) SwitchToMaster(ctx context.Context) error {
	p.modeMu.Lock()
	defer p.modeMu.Unlock()
	s := p.slave
	if s == nil {
		return nil
	}
	s.cancel()
	select {
	case err := <-s.done:
		p.slave = nil
		log.Info().Msg("switched to master mode")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mode reports whether the pool distributes work or serves a master.
func (p *Pool) Mode() api.Mode {
	p.modeMu.Lock()
	defer p.modeMu.Unlock()
	if p.slave != nil {
		return api.ModeSlave
	}
	return api.ModeMaster
}

// SlaveAddr returns the listening address in slave mode, nil otherwise.
func (p *Pool) SlaveAddr() net.Addr {
	p.modeMu.Lock()
	defer p.modeMu.Unlock()
	if p.slave == nil {
		return nil
	}
	return p.slave.addr
}
