package pool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mormegil-cz/gnubg-sub002/internal/rollout"
	"github.com/mormegil-cz/gnubg-sub002/internal/task"
	"github.com/mormegil-cz/gnubg-sub002/internal/telemetry"
	"github.com/mormegil-cz/gnubg-sub002/pkg/api"
)

var (
	ErrTableFull    = errors.New("task table full")
	ErrEngineClosed = errors.New("task engine closed")
)

// Engine owns the bounded task table. Every task state transition happens
// under its single lock, together with the statistics it implies.
type Engine struct {
	reg  *Registry
	eval rollout.Evaluator

	mu            sync.Mutex
	tasks         []*task.Task // table order
	byID          map[uint32]*task.Task
	size          int
	nextID        uint32
	lastImmediate bool
	closed        bool

	results chan struct{} // one token per wake-up of a GetCompletedTask waiter
	done    chan struct{} // closed by Close
}

// NewEngine returns an empty table holding at most size tasks.
func NewEngine(reg *Registry, eval rollout.Evaluator, size int) *Engine {
	if size <= 0 {
		size = 1
	}
	return &Engine{
		reg:     reg,
		eval:    eval,
		byID:    make(map[uint32]*task.Task, size),
		size:    size,
		results: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Size returns the table capacity.
func (e *Engine) Size() int { return e.size }

// CreateTask builds a todo task around p. A non-detached task is inserted
// immediately; a detached one stays outside the table with id 0 until
// Attach.
func (e *Engine) CreateTask(p task.Payload, detached bool) (*task.Task, error) {
	if p == nil {
		return nil, fmt.Errorf("create task: nil payload")
	}
	t := task.New(p.Kind())
	t.Payload = p
	if detached {
		return t, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if len(e.tasks) >= e.size {
		return nil, ErrTableFull
	}
	e.insertLocked(t)
	return t, nil
}

// Attach inserts a detached task, giving it its final id. The table
// capacity does not apply.
func (e *Engine) Attach(t *task.Task) error {
	if t.ID != 0 {
		return fmt.Errorf("attach task %d: already attached", t.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.insertLocked(t)
	return nil
}

// Adopt inserts a task received from the network. It gets its final id in
// the same step and, unlike Attach, must fit the table.
func (e *Engine) Adopt(t *task.Task) error {
	if t.ID != 0 {
		return fmt.Errorf("adopt task %d: already attached", t.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if len(e.tasks) >= e.size {
		return ErrTableFull
	}
	t.Status = task.StatusTodo
	t.Owner = task.NoPU
	t.Created = time.Now()
	e.insertLocked(t)
	return nil
}

func (e *Engine) insertLocked(t *task.Task) {
	for {
		e.nextID++
		if e.nextID == 0 {
			continue
		}
		if _, used := e.byID[e.nextID]; !used {
			break
		}
	}
	t.ID = e.nextID
	e.tasks = append(e.tasks, t)
	e.byID[t.ID] = t
}

func (e *Engine) removeLocked(t *task.Task) {
	delete(e.byID, t.ID)
	for i, x := range e.tasks {
		if x == t {
			e.tasks = append(e.tasks[:i], e.tasks[i+1:]...)
			return
		}
	}
}

// ownedLocked counts the tasks held by unit id that are not done yet.
func (e *Engine) ownedLocked(id int) int {
	n := 0
	for _, t := range e.tasks {
		if t.Owner == id && t.Status != task.StatusDone {
			n++
		}
	}
	return n
}

// Owned returns how many unfinished tasks unit id holds.
func (e *Engine) Owned(id int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ownedLocked(id)
}

// Tasks returns a copy of the table in table order, for inspection.
func (e *Engine) Tasks() []task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]task.Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, *t)
	}
	return out
}

// Counts returns the number of tasks in each state.
func (e *Engine) Counts() api.TaskCounts {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := api.TaskCounts{Size: e.size}
	for _, t := range e.tasks {
		switch t.Status {
		case task.StatusTodo:
			c.Todo++
		case task.StatusInProgress:
			c.InProgress++
		case task.StatusDone:
			c.Done++
		}
	}
	return c
}

// signalLocked wakes one GetCompletedTask waiter.
func (e *Engine) signalLocked() {
	select {
	case e.results <- struct{}{}:
	default:
	}
}

func (e *Engine) hasDoneLocked() bool {
	for _, t := range e.tasks {
		if t.Status == task.StatusDone {
			return true
		}
	}
	return false
}

// MarkDone records the completion of t by local unit u with result code
// code. It reports false when the task is no longer u's to complete; the
// result is then dropped and t is left untouched.
func (e *Engine) MarkDone(t *task.Task, u *Unit, code task.Code) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.byID[t.ID] != t || t.Owner != u.id || t.Status != task.StatusInProgress {
		log.Debug().Uint32("task", t.ID).Int("pu", u.id).Msg("dropping stale completion")
		return false
	}
	t.Code = code
	e.finishLocked(t, u)
	if u.typ == TypeLocal {
		e.refreshLocalLocked(u)
	}
	return true
}

func (e *Engine) finishLocked(t *task.Task, u *Unit) {
	t.Status = task.StatusDone
	labels := map[string]string{"kind": t.Kind.String(), "pu_type": u.typ.String()}
	if t.Code < 0 {
		u.recordFailed(t.Kind)
		telemetry.CounterGlobal("gnubg_pool_tasks_failed_total", 1, labels)
	} else {
		latency := time.Since(t.Started)
		u.recordCompleted(t.Kind, latency)
		telemetry.CounterGlobal("gnubg_pool_tasks_completed_total", 1, labels)
		telemetry.TimerGlobal("gnubg_pool_task_latency", latency, labels)
	}
	e.signalLocked()
}

// refreshLocalLocked keeps a local unit busy exactly while it is full.
func (e *Engine) refreshLocalLocked(u *Unit) {
	s := u.Status()
	if s != StatusReady && s != StatusBusy {
		return
	}
	if e.ownedLocked(u.id) >= u.Capacity() {
		u.setStatus(StatusBusy)
	} else {
		u.setStatus(StatusReady)
	}
}

// completeRemote matches a TaskResult from remote unit u to the task it
// was sent for. It returns the local task id and whether the result was
// accepted; a rejected task goes back to todo.
func (e *Engine) completeRemote(u *Unit, res *task.Task) (uint32, bool) {
	id := res.WireID()
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.byID[id]
	if t == nil || t.Owner != u.id || t.Status != task.StatusInProgress {
		log.Warn().Uint32("task", id).Int("pu", u.id).Msg("result for a task this unit does not hold")
		return id, false
	}
	if res.Code == task.CodeRejected {
		log.Debug().Uint32("task", id).Int("pu", u.id).Msg("slave rejected task, rescheduling")
		t.Status = task.StatusTodo
		t.Owner = task.NoPU
		t.Started = time.Time{}
		return id, true
	}
	if res.Kind != t.Kind || res.Payload == nil {
		log.Warn().Uint32("task", id).Int("pu", u.id).Str("kind", res.Kind.String()).Msg("result kind mismatch")
		return id, false
	}
	t.Payload = res.Payload
	t.Code = res.Code
	e.finishLocked(t, u)
	return id, true
}

// takeAssigned moves every task assigned to u but not started yet to
// in-progress and returns them for sending.
func (e *Engine) takeAssigned(u *Unit) []*task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*task.Task
	now := time.Now()
	for _, t := range e.tasks {
		if t.Owner == u.id && t.Status == task.StatusTodo {
			e.startLocked(t, u, now)
			out = append(out, t)
		}
	}
	return out
}

func (e *Engine) startLocked(t *task.Task, u *Unit, now time.Time) {
	t.Status = task.StatusInProgress
	t.Started = now
	u.recordSubmitted(t.Kind)
	telemetry.CounterGlobal("gnubg_pool_tasks_submitted_total", 1,
		map[string]string{"kind": t.Kind.String(), "pu_type": u.typ.String()})
}

// CancelPUTasks reverts everything u holds: in-progress tasks go back to
// todo and count as failed, assigned ones lose their owner. The freed
// tasks are rescheduled.
func (e *Engine) CancelPUTasks(u *Unit) int {
	e.mu.Lock()
	n := 0
	for _, t := range e.tasks {
		if t.Owner != u.id || t.Status == task.StatusDone {
			continue
		}
		if t.Status == task.StatusInProgress {
			t.Status = task.StatusTodo
			t.Started = time.Time{}
			u.recordFailed(t.Kind)
			telemetry.CounterGlobal("gnubg_pool_tasks_reverted_total", 1,
				map[string]string{"kind": t.Kind.String(), "pu": strconv.Itoa(u.id)})
		}
		t.Owner = task.NoPU
		n++
	}
	e.mu.Unlock()
	if n > 0 {
		log.Info().Int("pu", u.id).Int("tasks", n).Msg("cancelled processing unit tasks")
	}
	e.Schedule()
	return n
}

// Purge drops every task in the table.
func (e *Engine) Purge() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.tasks)
	e.tasks = nil
	e.byID = make(map[uint32]*task.Task, e.size)
	e.lastImmediate = false
	return n
}

func (e *Engine) popDoneLocked() *task.Task {
	for _, t := range e.tasks {
		if t.Status == task.StatusDone {
			e.removeLocked(t)
			if e.hasDoneLocked() {
				e.signalLocked()
			}
			return t
		}
	}
	return nil
}

// GetCompletedTask schedules pending work and returns one done task,
// removing it from the table. If none is done and the previous call
// returned without waiting, it returns nil, nil so the caller can issue
// more tasks; otherwise it blocks until a task completes or ctx is done.
func (e *Engine) GetCompletedTask(ctx context.Context) (*task.Task, error) {
	waited := false
	for {
		e.Schedule()

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return nil, ErrEngineClosed
		}
		if t := e.popDoneLocked(); t != nil {
			e.lastImmediate = !waited
			e.mu.Unlock()
			return t, nil
		}
		if !waited && e.lastImmediate {
			e.lastImmediate = false
			e.mu.Unlock()
			return nil, nil
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.done:
			return nil, ErrEngineClosed
		case <-e.results:
			waited = true
		}
	}
}

// barrier returns once any Schedule holding the table lock has finished.
func (e *Engine) barrier() {
	e.mu.Lock()
	e.mu.Unlock() //nolint:staticcheck
}

// Close discards the table and releases every waiter. Units must be
// stopped first.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.tasks = nil
	e.byID = nil
	close(e.done)
}
