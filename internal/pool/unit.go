package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mormegil-cz/gnubg-sub002/internal/task"
	"github.com/mormegil-cz/gnubg-sub002/pkg/api"
)

// UnitType says where a processing unit executes tasks.
type UnitType int

const (
	TypeLocal UnitType = iota
	TypeRemote

	AnyType UnitType = -1
)

func (t UnitType) String() string {
	switch t {
	case TypeLocal:
		return "local"
	case TypeRemote:
		return "remote"
	case AnyType:
		return "any"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// UnitStatus is the state of a processing unit.
type UnitStatus int

const (
	StatusConnecting UnitStatus = iota
	StatusReady
	StatusBusy
	StatusDeactivated

	AnyStatus UnitStatus = -1
)

func (s UnitStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusBusy:
		return "busy"
	case StatusDeactivated:
		return "deactivated"
	case AnyStatus:
		return "any"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// KindStats are the running statistics of one task kind on one unit.
type KindStats struct {
	Submitted    int64
	Completed    int64
	Failed       int64
	TotalLatency time.Duration
}

func (s KindStats) AvgLatency() time.Duration {
	if s.Completed == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Completed)
}

// Unit is one processing unit: a local execution slot or a remote slave
// host seen as a single unit with the slave's aggregate capacity.
type Unit struct {
	id   int
	typ  UnitType
	addr string

	mu       sync.Mutex
	status   UnitStatus
	changed  chan struct{} // closed and replaced on every status change
	mask     task.Mask
	capacity int
	label    string
	stopping bool
	stats    map[task.Kind]KindStats

	// wake tells a remote runner that tasks were assigned to it.
	wake chan struct{}

	// ctx scopes the remote runner or the in-flight local tasks; cancel
	// ends it. Both are replaced on restart.
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	notify func(Event)
}

func newUnit(id int, typ UnitType, mask task.Mask, capacity int, addr string) *Unit {
	status := StatusReady
	if typ == TypeRemote {
		status = StatusConnecting
	}
	return &Unit{
		id:       id,
		typ:      typ,
		addr:     addr,
		status:   status,
		changed:  make(chan struct{}),
		mask:     mask,
		capacity: capacity,
		stats:    map[task.Kind]KindStats{},
		wake:     make(chan struct{}, 1),
	}
}

func (u *Unit) ID() int         { return u.id }
func (u *Unit) Type() UnitType  { return u.typ }
func (u *Unit) Address() string { return u.addr }
func (u *Unit) String() string  { return fmt.Sprintf("%s unit %d", u.typ, u.id) }

func (u *Unit) Status() UnitStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

func (u *Unit) Mask() task.Mask {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.mask
}

func (u *Unit) Capacity() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.capacity
}

func (u *Unit) Label() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.label
}

// Stats returns a copy of the per-kind statistics.
func (u *Unit) Stats() map[task.Kind]KindStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[task.Kind]KindStats, len(u.stats))
	for k, v := range u.stats {
		out[k] = v
	}
	return out
}

// setStatus is the only place a unit's status changes. Every waiter is
// woken and subscribers get an event.
func (u *Unit) setStatus(s UnitStatus) {
	u.mu.Lock()
	old := u.status
	if old == s {
		u.mu.Unlock()
		return
	}
	u.status = s
	close(u.changed)
	u.changed = make(chan struct{})
	notify := u.notify
	u.mu.Unlock()

	if notify != nil {
		notify(Event{Kind: EventStatus, Unit: u.id, Type: u.typ, Old: old, New: s})
	}
}

// waitChange returns the current status and a channel closed on the next
// change.
func (u *Unit) waitChange() (UnitStatus, <-chan struct{}) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status, u.changed
}

// WaitStatus blocks until pred accepts the unit's status or ctx is done.
func (u *Unit) WaitStatus(ctx context.Context, pred func(UnitStatus) bool) (UnitStatus, error) {
	for {
		s, ch := u.waitChange()
		if pred(s) {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ch:
		}
	}
}

// schedulable reports whether the scheduler may hand the unit tasks.
func (u *Unit) schedulable() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status == StatusReady && !u.stopping
}

func (u *Unit) setStopping(v bool) {
	u.mu.Lock()
	u.stopping = v
	u.mu.Unlock()
}

func (u *Unit) setInfo(capacity int, mask task.Mask, label string) {
	u.mu.Lock()
	u.capacity = capacity
	u.mask = mask
	u.label = label
	u.mu.Unlock()
}

// runContext returns the context the unit's work runs under, creating it
// after a stop.
func (u *Unit) runContext() context.Context {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ctx == nil {
		u.ctx, u.cancel = context.WithCancel(context.Background())
	}
	return u.ctx
}

// stopRun cancels the current run context.
func (u *Unit) stopRun() {
	u.mu.Lock()
	cancel := u.cancel
	u.ctx, u.cancel = nil, nil
	u.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (u *Unit) isStopping() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stopping
}

func (u *Unit) signalWake() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

func (u *Unit) recordSubmitted(k task.Kind) {
	u.mu.Lock()
	s := u.stats[k]
	s.Submitted++
	u.stats[k] = s
	u.mu.Unlock()
}

func (u *Unit) recordCompleted(k task.Kind, latency time.Duration) {
	u.mu.Lock()
	s := u.stats[k]
	s.Completed++
	s.TotalLatency += latency
	u.stats[k] = s
	u.mu.Unlock()
}

func (u *Unit) recordFailed(k task.Kind) {
	u.mu.Lock()
	s := u.stats[k]
	s.Failed++
	u.stats[k] = s
	u.mu.Unlock()
}

// Snapshot returns a read-only view for presentation layers.
func (u *Unit) Snapshot() api.Unit {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := api.Unit{
		ID:       u.id,
		Type:     u.typ.String(),
		Status:   u.status.String(),
		Address:  u.addr,
		Label:    u.label,
		Mask:     u.mask.String(),
		Capacity: u.capacity,
	}
	for _, k := range task.Kinds() {
		s, ok := u.stats[k]
		if !ok {
			continue
		}
		out.Stats = append(out.Stats, api.KindStats{
			Kind:         k.String(),
			Submitted:    s.Submitted,
			Completed:    s.Completed,
			Failed:       s.Failed,
			AvgLatencyMs: float64(s.AvgLatency()) / float64(time.Millisecond),
		})
	}
	return out
}
