package task

import (
	"fmt"
	"time"
)

// Kind identifies the computation a task asks for.
type Kind uint32

const (
	KindRollout Kind = iota
	KindEval
	KindAnalysis

	numKinds
)

// Kinds returns every supported task kind in wire order.
func Kinds() []Kind {
	return []Kind{KindRollout, KindEval, KindAnalysis}
}

// Valid reports whether k is a known task kind.
func (k Kind) Valid() bool { return k < numKinds }

// Bit returns the capability mask bit for k.
func (k Kind) Bit() Mask { return Mask(1) << k }

func (k Kind) String() string {
	switch k {
	case KindRollout:
		return "rollout"
	case KindEval:
		return "eval"
	case KindAnalysis:
		return "analysis"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Mask is a set of task kinds a processing unit accepts.
type Mask uint32

// MaskAll accepts every known kind.
const MaskAll Mask = Mask(1)<<numKinds - 1

// Accepts reports whether kind k is in the mask.
func (m Mask) Accepts(k Kind) bool { return m&k.Bit() != 0 }

func (m Mask) String() string {
	s := ""
	for _, k := range Kinds() {
		if m.Accepts(k) {
			if s != "" {
				s += ","
			}
			s += k.String()
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// Status is the lifecycle state of a task.
type Status int

const (
	StatusTodo Status = iota
	StatusInProgress
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusTodo:
		return "todo"
	case StatusInProgress:
		return "in-progress"
	case StatusDone:
		return "done"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Code is the result status reported by whoever executed the task.
type Code int32

const (
	CodeOK       Code = 0
	CodeFailed   Code = -1
	CodeRejected Code = -2 // slave had no room for the task
)

// NoPU is the owner of a task no processing unit holds.
const NoPU = -1

// Task is one unit of rollout/evaluation work.
type Task struct {
	ID       uint32 // 0 while detached
	OriginID uint32 // id on the side that created the task, 0 if created here
	Kind     Kind
	Status   Status
	Owner    int
	Created  time.Time
	Started  time.Time
	Code     Code
	Payload  Payload
}

// New returns a todo task of the given kind with an empty payload.
func New(kind Kind) *Task {
	return &Task{
		Kind:    kind,
		Status:  StatusTodo,
		Owner:   NoPU,
		Created: time.Now(),
		Payload: NewPayload(kind),
	}
}

// WireID is the id a task is known by on the wire: the originating id when
// the task came from elsewhere, its own id otherwise.
func (t *Task) WireID() uint32 {
	if t.OriginID != 0 {
		return t.OriginID
	}
	return t.ID
}

func (t *Task) String() string {
	return fmt.Sprintf("task %d (%s, %s, owner %d)", t.ID, t.Kind, t.Status, t.Owner)
}
