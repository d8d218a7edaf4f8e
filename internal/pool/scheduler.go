package pool

import (
	"time"

	"github.com/mormegil-cz/gnubg-sub002/internal/task"
)

// candidate is a unit with room for more tasks during one scheduling round.
type candidate struct {
	unit  *Unit
	mask  task.Mask
	free  int
	share int
}

// Schedule hands todo tasks to ready units. When there is less work than
// free capacity every unit gets a share proportional to its free capacity
// (at least one task) instead of the first unit being filled; leftovers
// are then dealt round-robin. Units are visited in registry order and
// tasks in table order.
func (e *Engine) Schedule() {
	units := e.reg.Find(Filter{ID: AnyID, Type: AnyType, Status: StatusReady, Mask: AnyMask})
	if len(units) == 0 {
		return
	}

	e.mu.Lock()
	woken := e.scheduleLocked(units)
	e.mu.Unlock()

	for _, u := range woken {
		u.signalWake()
	}
}

func (e *Engine) scheduleLocked(units []*Unit) []*Unit {
	if e.closed {
		return nil
	}
	var todo []*task.Task
	for _, t := range e.tasks {
		if t.Status == task.StatusTodo && t.Owner == task.NoPU {
			todo = append(todo, t)
		}
	}
	if len(todo) == 0 {
		return nil
	}

	var cands []*candidate
	totalFree := 0
	for _, u := range units {
		if !u.schedulable() {
			continue
		}
		free := u.Capacity() - e.ownedLocked(u.id)
		if free <= 0 {
			continue
		}
		cands = append(cands, &candidate{unit: u, mask: u.Mask(), free: free})
		totalFree += free
	}
	if len(cands) == 0 {
		return nil
	}

	for _, c := range cands {
		if len(todo) >= totalFree {
			c.share = c.free
			continue
		}
		c.share = c.free * len(todo) / totalFree
		if c.share < 1 {
			c.share = 1
		}
	}

	assigned := make(map[*Unit]bool)
	taken := make([]bool, len(todo))
	pick := func(c *candidate) bool {
		for i, t := range todo {
			if taken[i] || !c.mask.Accepts(t.Kind) {
				continue
			}
			taken[i] = true
			t.Owner = c.unit.id
			c.free--
			assigned[c.unit] = true
			return true
		}
		return false
	}

	for _, c := range cands {
		for c.share > 0 && c.free > 0 && pick(c) {
			c.share--
		}
	}
	for progress := true; progress; {
		progress = false
		for _, c := range cands {
			if c.free > 0 && pick(c) {
				progress = true
			}
		}
	}

	var woken []*Unit
	for _, c := range cands {
		if !assigned[c.unit] {
			continue
		}
		if c.unit.typ == TypeLocal {
			e.dispatchLocalLocked(c.unit)
		} else {
			woken = append(woken, c.unit)
		}
	}
	return woken
}

// dispatchLocalLocked starts one goroutine per task newly assigned to local
// unit u.
func (e *Engine) dispatchLocalLocked(u *Unit) {
	ctx := u.runContext()
	now := time.Now()
	for _, t := range e.tasks {
		if t.Owner != u.id || t.Status != task.StatusTodo {
			continue
		}
		e.startLocked(t, u, now)
		u.inflight.Add(1)
		go e.runLocal(ctx, u, t)
	}
	e.refreshLocalLocked(u)
}
