package pool

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mormegil-cz/gnubg-sub002/internal/task"
)

// runLocal evaluates one task on local unit u. A task interrupted by a
// stop is left in progress for CancelPUTasks to revert.
func (e *Engine) runLocal(ctx context.Context, u *Unit, t *task.Task) {
	defer u.inflight.Done()

	code, err := e.eval.Evaluate(ctx, t)
	if ctx.Err() != nil {
		log.Debug().Uint32("task", t.ID).Int("pu", u.id).Msg("local task interrupted")
		return
	}
	if err != nil {
		log.Warn().Err(err).Uint32("task", t.ID).Int("pu", u.id).Str("kind", t.Kind.String()).Msg("evaluation failed")
		if code >= 0 {
			code = task.CodeFailed
		}
	}
	if e.MarkDone(t, u, code) {
		e.Schedule()
	}
}
