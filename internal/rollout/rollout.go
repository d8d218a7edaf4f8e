// Package rollout is the boundary to the position evaluator. The pool only
// hands it tasks; what it computes is opaque here.
package rollout

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/mormegil-cz/gnubg-sub002/internal/task"
)

// Evaluator computes the result of one task in place and returns its
// status code.
type Evaluator interface {
	Evaluate(ctx context.Context, t *task.Task) (task.Code, error)
}

// Func adapts a plain function to Evaluator.
type Func func(ctx context.Context, t *task.Task) (task.Code, error)

func (f Func) Evaluate(ctx context.Context, t *task.Task) (task.Code, error) { return f(ctx, t) }

// Stub produces deterministic pseudo-equities derived from the board. It
// stands in for the neural net evaluator in tools and tests.
type Stub struct {
	Delay time.Duration
}

func (s Stub) Evaluate(ctx context.Context, t *task.Task) (task.Code, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return task.CodeFailed, ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	switch p := t.Payload.(type) {
	case *task.RolloutPayload:
		fill(&p.Output, p.Board, p.Seed)
		for i := range p.StdDev {
			p.StdDev[i] = p.Output[i] / 100
		}
		p.Games = p.Trials
	case *task.EvalPayload:
		fill(&p.Output, p.Board, p.Plies)
	case *task.AnalysisPayload:
		for i := range p.Moves {
			fill(&p.Moves[i].Output, p.Board, uint32(i)+p.Dice[0]*6+p.Dice[1])
		}
	default:
		return task.CodeFailed, fmt.Errorf("stub evaluator: unsupported payload %T", t.Payload)
	}
	return task.CodeOK, nil
}

func fill(out *[task.NumOutputs]float32, b task.Board, salt uint32) {
	h := fnv.New32a()
	for side := range b {
		for _, n := range b[side] {
			h.Write([]byte{byte(n)})
		}
	}
	h.Write([]byte{byte(salt), byte(salt >> 8), byte(salt >> 16), byte(salt >> 24)})
	v := h.Sum32()
	for i := range out {
		out[i] = float32((v>>(i*4))&0xff) / 255
	}
}
