// Package wire implements the processing unit protocol: packed task
// records, jobs that batch them, and the length-prefixed message envelope.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mormegil-cz/gnubg-sub002/internal/task"
)

var (
	ErrMalformed   = errors.New("wire: malformed record")
	ErrTruncated   = errors.New("wire: message truncated")
	ErrFrameSize   = errors.New("wire: invalid frame length")
	ErrVersion     = errors.New("wire: protocol version mismatch")
	ErrUnknownKind = errors.New("wire: unknown kind")
)

// taskHeaderSize covers totalLen, kind, origin id and result code.
const taskHeaderSize = 16

// packTask appends one self-delimited task record.
func packTask(e *encoder, t *task.Task) error {
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: task kind %d", ErrUnknownKind, t.Kind)
	}
	if t.Payload == nil || t.Payload.Kind() != t.Kind {
		return fmt.Errorf("pack %s: payload does not match kind", t)
	}
	off := e.reserve()
	e.putUint32(uint32(t.Kind))
	e.putUint32(t.WireID())
	e.putUint32(uint32(t.Code))

	switch p := t.Payload.(type) {
	case *task.RolloutPayload:
		e.putFixed(p)
	case *task.EvalPayload:
		e.putFixed(p)
	case *task.AnalysisPayload:
		e.putFixed(&p.AnalysisParams)
		e.putUint32(uint32(len(p.Moves)))
		if len(p.Moves) > 0 {
			e.putFixed(p.Moves)
		}
	}
	e.patchLen(off)
	return nil
}

// unpackTask reads one task record. The returned task is detached: it has
// no local id yet and carries the sender's id as its origin id.
func unpackTask(d *decoder) (*task.Task, error) {
	start := d.off
	total, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if total < taskHeaderSize || int64(total) > int64(d.remaining()+4) {
		return nil, fmt.Errorf("%w: task record length %d", ErrMalformed, total)
	}
	rawKind, _ := d.uint32()
	origin, _ := d.uint32()
	code, _ := d.uint32()

	kind := task.Kind(rawKind)
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: task kind %d", ErrUnknownKind, rawKind)
	}
	t := task.New(kind)
	t.OriginID = origin
	t.Code = task.Code(int32(code))

	switch p := t.Payload.(type) {
	case *task.RolloutPayload:
		err = d.fixed(p)
	case *task.EvalPayload:
		err = d.fixed(p)
	case *task.AnalysisPayload:
		err = unpackAnalysis(d, p)
	}
	if err != nil {
		return nil, err
	}
	if d.off-start != int(total) {
		return nil, fmt.Errorf("%w: task record declared %d bytes, decoded %d", ErrMalformed, total, d.off-start)
	}
	return t, nil
}

func unpackAnalysis(d *decoder, p *task.AnalysisPayload) error {
	if err := d.fixed(&p.AnalysisParams); err != nil {
		return err
	}
	n, err := d.uint32()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	size := moveScoreSize()
	if int64(n)*int64(size) > int64(d.remaining()) {
		return fmt.Errorf("%w: %d moves do not fit in %d bytes", ErrMalformed, n, d.remaining())
	}
	p.Moves = make([]task.MoveScore, n)
	return d.fixed(p.Moves)
}

// PackJob batches tasks into one job: totalLen, taskCount, records.
func PackJob(tasks []*task.Task) ([]byte, error) {
	e := newEncoder()
	if err := packJob(e, tasks); err != nil {
		return nil, err
	}
	return e.buf, nil
}

func packJob(e *encoder, tasks []*task.Task) error {
	off := e.reserve()
	e.putUint32(uint32(len(tasks)))
	for _, t := range tasks {
		if err := packTask(e, t); err != nil {
			return err
		}
	}
	e.patchLen(off)
	return nil
}

// UnpackJob is the mirror of PackJob.
func UnpackJob(b []byte) ([]*task.Task, error) {
	d := newDecoder(b)
	tasks, err := unpackJob(d)
	if err != nil {
		return nil, err
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after job", ErrMalformed, d.remaining())
	}
	return tasks, nil
}

func unpackJob(d *decoder) ([]*task.Task, error) {
	start := d.off
	total, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if int64(total) > int64(d.remaining()+4) {
		return nil, fmt.Errorf("%w: job length %d exceeds %d", ErrMalformed, total, d.remaining()+4)
	}
	count, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if int64(count)*taskHeaderSize > int64(d.remaining()) {
		return nil, fmt.Errorf("%w: %d tasks cannot fit in %d bytes", ErrMalformed, count, d.remaining())
	}
	tasks := make([]*task.Task, 0, count)
	for i := uint32(0); i < count; i++ {
		t, err := unpackTask(d)
		if err != nil {
			return nil, fmt.Errorf("job task %d: %w", i, err)
		}
		tasks = append(tasks, t)
	}
	if d.off-start != int(total) {
		return nil, fmt.Errorf("%w: job declared %d bytes, decoded %d", ErrMalformed, total, d.off-start)
	}
	return tasks, nil
}

// PackTask returns a single task record.
func PackTask(t *task.Task) ([]byte, error) {
	e := newEncoder()
	if err := packTask(e, t); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// UnpackTask is the mirror of PackTask.
func UnpackTask(b []byte) (*task.Task, error) {
	d := newDecoder(b)
	t, err := unpackTask(d)
	if err != nil {
		return nil, err
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after task", ErrMalformed, d.remaining())
	}
	return t, nil
}

func moveScoreSize() int {
	return binary.Size(task.MoveScore{})
}
