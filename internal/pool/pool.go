// Package pool distributes tasks over processing units: local execution
// slots and remote slave hosts. A Pool is the context object tying the
// unit registry and the task engine together.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mormegil-cz/gnubg-sub002/internal/rollout"
	"github.com/mormegil-cz/gnubg-sub002/internal/task"
	"github.com/mormegil-cz/gnubg-sub002/internal/telemetry"
	"github.com/mormegil-cz/gnubg-sub002/internal/transport"
	"github.com/mormegil-cz/gnubg-sub002/pkg/api"
)

// DefaultPort is the TCP port slaves listen on.
const DefaultPort = 4321

const stopProgressInterval = 5 * time.Second

var ErrStopTimeout = errors.New("processing unit did not stop in time")

// HostStore persists the remote hosts a master knows about.
type HostStore interface {
	SaveHost(ctx context.Context, addr string) error
	DeleteHost(ctx context.Context, addr string) error
	SaveStats(ctx context.Context, units []api.Unit) error
}

// Options configure a Pool. Zero fields take the DefaultOptions values.
type Options struct {
	TableSize        int
	DefaultPort      int
	HandshakeTimeout time.Duration
	JobTimeout       time.Duration // 0 waits for results indefinitely
	StopTimeout      time.Duration
	SendTimeout      time.Duration
	Dialer           *transport.Dialer
	Evaluator        rollout.Evaluator
	Store            HostStore // optional
	Label            string    // reported to masters in slave mode
}

func DefaultOptions() Options {
	return Options{
		TableSize:        1024,
		DefaultPort:      DefaultPort,
		HandshakeTimeout: 10 * time.Second,
		StopTimeout:      30 * time.Second,
		SendTimeout:      10 * time.Second,
		Dialer:           &transport.Dialer{Timeout: 5 * time.Second, Retry: transport.DefaultRetryConfig()},
		Evaluator:        rollout.Stub{},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TableSize <= 0 {
		o.TableSize = d.TableSize
	}
	if o.DefaultPort <= 0 {
		o.DefaultPort = d.DefaultPort
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = d.SendTimeout
	}
	if o.Dialer == nil {
		o.Dialer = d.Dialer
	}
	if o.Evaluator == nil {
		o.Evaluator = d.Evaluator
	}
	return o
}

// Pool owns the processing units and the task table.
type Pool struct {
	opts   Options
	reg    *Registry
	engine *Engine

	modeMu sync.Mutex
	slave  *slaveSession // non-nil in slave mode
}

func New(opts Options) *Pool {
	opts = opts.withDefaults()
	reg := NewRegistry()
	p := &Pool{
		opts:   opts,
		reg:    reg,
		engine: NewEngine(reg, opts.Evaluator, opts.TableSize),
	}
	reg.onEvent(func(ev Event) {
		if ev.Kind != EventStatus {
			return
		}
		telemetry.CounterGlobal("gnubg_pool_pu_transitions_total", 1,
			map[string]string{"pu_type": ev.Type.String(), "status": ev.New.String()})
	})
	return p
}

func (p *Pool) Registry() *Registry { return p.reg }
func (p *Pool) Engine() *Engine     { return p.engine }
func (p *Pool) Options() Options    { return p.opts }

// Submit creates a task in the table; it is scheduled by the next
// GetCompletedTask call or whenever a unit becomes ready.
func (p *Pool) Submit(payload task.Payload) (*task.Task, error) {
	return p.engine.CreateTask(payload, false)
}

// GetCompletedTask is Engine.GetCompletedTask.
func (p *Pool) GetCompletedTask(ctx context.Context) (*task.Task, error) {
	return p.engine.GetCompletedTask(ctx)
}

// Add registers a unit. A local unit is ready at once. A remote unit
// starts connecting to addr in the background; with wait set, Add returns
// only once it has left the connecting state.
func (p *Pool) Add(ctx context.Context, typ UnitType, mask task.Mask, capacity int, addr string, wait bool) (*Unit, error) {
	if mask == AnyMask {
		mask = task.MaskAll
	}
	if mask&^task.MaskAll != 0 {
		return nil, &ConfigError{Field: "mask", Value: mask.String(), Message: "unknown task kinds"}
	}

	switch typ {
	case TypeLocal:
		if capacity < 1 {
			return nil, &ConfigError{Field: "capacity", Value: fmt.Sprint(capacity), Message: "must be at least 1"}
		}
		u := p.reg.insert(TypeLocal, mask, capacity, "")
		log.Info().Int("pu", u.id).Int("capacity", capacity).Msg("local unit added")
		p.engine.Schedule()
		return u, nil

	case TypeRemote:
		hostport, err := transport.JoinHostPort(addr, p.opts.DefaultPort)
		if err != nil {
			return nil, &ConfigError{Field: "address", Value: addr, Message: err.Error()}
		}
		if p.reg.FindRemote(hostport) != nil {
			return nil, &ConfigError{Field: "address", Value: hostport, Message: ErrDuplicateHost.Error(), Err: ErrDuplicateHost}
		}
		u := p.reg.insert(TypeRemote, mask, 0, hostport)
		log.Info().Int("pu", u.id).Str("addr", hostport).Msg("remote unit added")
		if p.opts.Store != nil {
			if err := p.opts.Store.SaveHost(ctx, hostport); err != nil {
				log.Warn().Err(err).Str("addr", hostport).Msg("failed to record remote host")
			}
		}
		p.startRemote(u)
		if wait {
			if _, err := u.WaitStatus(ctx, func(s UnitStatus) bool { return s != StatusConnecting }); err != nil {
				return u, err
			}
		}
		return u, nil

	default:
		return nil, &ConfigError{Field: "type", Value: typ.String(), Message: "must be local or remote"}
	}
}

func (p *Pool) startRemote(u *Unit) {
	u.stopRun()
	ctx := u.runContext()
	go p.runRemote(ctx, u)
}

// Remove stops a unit and forgets it. A unit that does not stop in time
// stays registered.
func (p *Pool) Remove(ctx context.Context, id int) error {
	u, err := p.reg.Get(id)
	if err != nil {
		return err
	}
	if err := p.stopUnit(ctx, u); err != nil {
		return err
	}
	p.reg.delete(id)
	if u.typ == TypeRemote && p.opts.Store != nil {
		if err := p.opts.Store.DeleteHost(ctx, u.addr); err != nil {
			log.Warn().Err(err).Str("addr", u.addr).Msg("failed to forget remote host")
		}
	}
	log.Info().Int("pu", id).Msg("processing unit removed")
	return nil
}

// Start reactivates a deactivated unit. Running units are left alone.
func (p *Pool) Start(id int) error {
	u, err := p.reg.Get(id)
	if err != nil {
		return err
	}
	if u.Status() != StatusDeactivated {
		return nil
	}
	u.setStopping(false)
	if u.typ == TypeLocal {
		u.setStatus(StatusReady)
		p.engine.Schedule()
		return nil
	}
	u.setStatus(StatusConnecting)
	p.startRemote(u)
	return nil
}

// Stop drives a unit to deactivated and reverts its tasks. Stopping a
// deactivated unit returns at once.
func (p *Pool) Stop(ctx context.Context, id int) error {
	u, err := p.reg.Get(id)
	if err != nil {
		return err
	}
	return p.stopUnit(ctx, u)
}

func (p *Pool) stopUnit(ctx context.Context, u *Unit) error {
	if u.Status() == StatusDeactivated {
		return nil
	}

	if u.typ == TypeLocal {
		u.setStopping(true)
		// no new local goroutine can start after this
		p.engine.barrier()
		u.stopRun()
		drained := make(chan struct{})
		go func() {
			u.inflight.Wait()
			close(drained)
		}()
		if err := p.awaitStop(ctx, u, drained); err != nil {
			return err
		}
		p.engine.CancelPUTasks(u)
		u.setStatus(StatusDeactivated)
		log.Info().Int("pu", u.id).Msg("local unit stopped")
		return nil
	}

	u.stopRun()
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	deactivated := make(chan struct{})
	go func() {
		if _, err := u.WaitStatus(waitCtx, func(s UnitStatus) bool { return s == StatusDeactivated }); err == nil {
			close(deactivated)
		}
	}()
	return p.awaitStop(ctx, u, deactivated)
}

// awaitStop waits for done, logging progress, until StopTimeout passes.
func (p *Pool) awaitStop(ctx context.Context, u *Unit, done <-chan struct{}) error {
	start := time.Now()
	timeout := time.NewTimer(p.opts.StopTimeout)
	defer timeout.Stop()
	progress := time.NewTicker(stopProgressInterval)
	defer progress.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("%w: %s after %s", ErrStopTimeout, u, p.opts.StopTimeout)
		case <-progress.C:
			log.Info().
				Int("pu", u.id).
				Str("status", u.Status().String()).
				Dur("elapsed", time.Since(start).Round(time.Second)).
				Msg("waiting for processing unit to stop")
		}
	}
}

// StopAll stops every unit in parallel.
func (p *Pool) StopAll(ctx context.Context, filter Filter) error {
	return p.stopUnits(ctx, p.reg.Find(filter))
}

func (p *Pool) stopUnits(ctx context.Context, units []*Unit) error {
	errs := make([]error, len(units))
	var wg sync.WaitGroup
	for i, u := range units {
		wg.Add(1)
		go func(i int, u *Unit) {
			defer wg.Done()
			errs[i] = p.stopUnit(ctx, u)
		}(i, u)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close leaves slave mode, stops every unit, records their statistics and
// only then tears down the task table.
func (p *Pool) Close(ctx context.Context) error {
	var errs []error
	if err := p.SwitchToMaster(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.StopAll(ctx, All); err != nil {
		errs = append(errs, err)
	}
	if p.opts.Store != nil {
		if err := p.opts.Store.SaveStats(ctx, p.reg.Snapshot()); err != nil {
			errs = append(errs, fmt.Errorf("save statistics: %w", err))
		}
	}
	p.engine.Close()
	p.reg.closeSubscribers()
	return errors.Join(errs...)
}
