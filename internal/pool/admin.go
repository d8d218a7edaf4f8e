package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/mormegil-cz/gnubg-sub002/internal/task"
	"github.com/mormegil-cz/gnubg-sub002/pkg/api"
)

// ErrDuplicateHost is wrapped by the ConfigError returned when a remote
// address is already registered.
var ErrDuplicateHost = errors.New("already registered")

// ConfigError rejects an administrative request before any state changes.
type ConfigError struct {
	Field   string
	Value   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// AddLocal registers count local units of capacity 1 accepting every kind.
func (p *Pool) AddLocal(ctx context.Context, count int) ([]*Unit, error) {
	if count < 1 {
		return nil, &ConfigError{Field: "count", Value: fmt.Sprint(count), Message: "must be at least 1"}
	}
	units := make([]*Unit, 0, count)
	for i := 0; i < count; i++ {
		u, err := p.Add(ctx, TypeLocal, task.MaskAll, 1, "", false)
		if err != nil {
			return units, err
		}
		units = append(units, u)
	}
	return units, nil
}

// AddRemote registers the slave at addr, host or host:port.
func (p *Pool) AddRemote(ctx context.Context, addr string, wait bool) (*Unit, error) {
	return p.Add(ctx, TypeRemote, task.MaskAll, 0, addr, wait)
}

// List returns a snapshot of every unit in registry order.
func (p *Pool) List() []api.Unit {
	return p.reg.Snapshot()
}

// Stats returns the snapshot of unit id, or of every unit for AnyID.
func (p *Pool) Stats(id int) ([]api.Unit, error) {
	if id == AnyID {
		return p.reg.Snapshot(), nil
	}
	u, err := p.reg.Get(id)
	if err != nil {
		return nil, err
	}
	return []api.Unit{u.Snapshot()}, nil
}

// Tasks returns the task table counts.
func (p *Pool) Tasks() api.TaskCounts {
	return p.engine.Counts()
}
