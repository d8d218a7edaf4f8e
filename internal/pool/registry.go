package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mormegil-cz/gnubg-sub002/internal/task"
	"github.com/mormegil-cz/gnubg-sub002/pkg/api"
)

var ErrUnknownUnit = errors.New("unknown processing unit")

// AnyID and AnyMask are the filter jokers for id and capability.
const (
	AnyID   = -1
	AnyMask = task.Mask(0)
)

// Filter selects units. Jokers (AnyID, AnyType, AnyStatus, AnyMask) match
// everything; Mask matches units accepting every kind in it.
type Filter struct {
	ID     int
	Type   UnitType
	Status UnitStatus
	Mask   task.Mask
}

// All matches every unit; copy it and narrow the fields you care about.
var All = Filter{ID: AnyID, Type: AnyType, Status: AnyStatus, Mask: AnyMask}

func (f Filter) match(u *Unit) bool {
	if f.ID != AnyID && f.ID != u.id {
		return false
	}
	if f.Type != AnyType && f.Type != u.typ {
		return false
	}
	if f.Status != AnyStatus && f.Status != u.Status() {
		return false
	}
	if f.Mask != AnyMask && u.Mask()&f.Mask != f.Mask {
		return false
	}
	return true
}

// EventKind distinguishes registry events.
type EventKind int

const (
	EventAdded EventKind = iota
	EventStatus
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventStatus:
		return "status"
	case EventRemoved:
		return "removed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event reports a change to one unit.
type Event struct {
	Kind EventKind
	Unit int
	Type UnitType
	Old  UnitStatus
	New  UnitStatus
}

const subscriberBuffer = 64

// Registry is the ordered collection of processing units.
type Registry struct {
	mu     sync.Mutex
	units  []*Unit
	nextID int

	subMu sync.Mutex
	subs  map[chan Event]struct{}
	hooks []func(Event)
}

func NewRegistry() *Registry {
	return &Registry{subs: map[chan Event]struct{}{}}
}

// Subscribe returns a stream of unit events and a function that ends the
// subscription. Events are dropped for subscribers that fall behind.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			if _, ok := r.subs[ch]; ok {
				delete(r.subs, ch)
				close(ch)
			}
			r.subMu.Unlock()
		})
	}
}

// onEvent registers a synchronous internal hook.
func (r *Registry) onEvent(fn func(Event)) {
	r.subMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.subMu.Unlock()
}

func (r *Registry) emit(ev Event) {
	r.subMu.Lock()
	hooks := r.hooks
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	r.subMu.Unlock()
	for _, h := range hooks {
		h(ev)
	}
}

func (r *Registry) closeSubscribers() {
	r.subMu.Lock()
	for ch := range r.subs {
		close(ch)
		delete(r.subs, ch)
	}
	r.subMu.Unlock()
}

func (r *Registry) insert(typ UnitType, mask task.Mask, capacity int, addr string) *Unit {
	r.mu.Lock()
	u := newUnit(r.nextID, typ, mask, capacity, addr)
	u.notify = r.emit
	r.nextID++
	r.units = append(r.units, u)
	r.mu.Unlock()

	r.emit(Event{Kind: EventAdded, Unit: u.id, Type: typ, Old: u.status, New: u.status})
	return u
}

func (r *Registry) delete(id int) {
	r.mu.Lock()
	var removed *Unit
	for i, u := range r.units {
		if u.id == id {
			removed = u
			r.units = append(r.units[:i], r.units[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	if removed != nil {
		r.emit(Event{Kind: EventRemoved, Unit: id, Type: removed.typ, Old: removed.Status(), New: StatusDeactivated})
	}
}

// Get returns the unit with the given id.
func (r *Registry) Get(id int) (*Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.units {
		if u.id == id {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownUnit, id)
}

// Find returns matching units in registry order.
func (r *Registry) Find(f Filter) []*Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Unit
	for _, u := range r.units {
		if f.match(u) {
			out = append(out, u)
		}
	}
	return out
}

// FindRemote returns the remote unit dialling addr, if any.
func (r *Registry) FindRemote(addr string) *Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.units {
		if u.typ == TypeRemote && u.addr == addr {
			return u
		}
	}
	return nil
}

// Len returns the number of registered units.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.units)
}

// Snapshot returns a read-only view of every unit.
func (r *Registry) Snapshot() []api.Unit {
	units := r.Find(All)
	out := make([]api.Unit, 0, len(units))
	for _, u := range units {
		out = append(out, u.Snapshot())
	}
	return out
}
