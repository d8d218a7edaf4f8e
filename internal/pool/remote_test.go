package pool

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mormegil-cz/gnubg-sub002/internal/rollout"
	"github.com/mormegil-cz/gnubg-sub002/internal/task"
	"github.com/mormegil-cz/gnubg-sub002/internal/transport"
	"github.com/mormegil-cz/gnubg-sub002/internal/wire"
)

// fakeSlave answers the handshake with the given capacity and hands every
// received job to onJob. It serves a single master connection.
func fakeSlave(t *testing.T, capacity uint32, onJob func(conn *transport.Conn, tasks []*task.Task) bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		conn := transport.NewConn(c)
		defer conn.Close()
		m, err := conn.Receive(5 * time.Second)
		if err != nil || m.Kind != wire.KindGetInfo {
			return
		}
		info := wire.Info{Capacity: capacity, Mask: task.MaskAll, Units: capacity, Label: "fake"}
		if err := conn.Send(wire.InfoReply(info), time.Second); err != nil {
			return
		}
		for {
			m, err := conn.Receive(0)
			if err != nil || m.Kind != wire.KindDoJob {
				return
			}
			if !onJob(conn, m.Tasks) {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func quickDialer() *transport.Dialer {
	return &transport.Dialer{Timeout: time.Second, Retry: transport.RetryConfig{MaxRetries: 0}}
}

func answerAll(conn *transport.Conn, tasks []*task.Task) bool {
	for _, tk := range tasks {
		if _, err := (rollout.Stub{}).Evaluate(context.Background(), tk); err != nil {
			return false
		}
		if err := conn.Send(wire.TaskResult(tk), time.Second); err != nil {
			return false
		}
	}
	return true
}

func TestRemoteHandshakeSetsCapacity(t *testing.T) {
	addr := fakeSlave(t, 3, answerAll)
	p := testPool(t, Options{Dialer: quickDialer()})
	u, err := p.AddRemote(context.Background(), addr, true)
	if err != nil {
		t.Fatalf("add remote: %v", err)
	}
	if u.Status() != StatusReady {
		t.Fatalf("remote unit is %s", u.Status())
	}
	if u.Capacity() != 3 || u.Mask() != task.MaskAll || u.Label() != "fake" {
		t.Fatalf("handshake info not applied: capacity %d mask %s label %q", u.Capacity(), u.Mask(), u.Label())
	}
}

func TestRemoteCapacityLimitsJobs(t *testing.T) {
	var mu sync.Mutex
	var jobSizes []int
	addr := fakeSlave(t, 2, func(conn *transport.Conn, tasks []*task.Task) bool {
		mu.Lock()
		jobSizes = append(jobSizes, len(tasks))
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return answerAll(conn, tasks)
	})
	p := testPool(t, Options{Dialer: quickDialer()})
	u, err := p.AddRemote(context.Background(), addr, true)
	if err != nil {
		t.Fatalf("add remote: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := p.Submit(rolloutPayload(uint32(i))); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	p.Engine().Schedule()
	if c := p.Tasks(); c.InProgress+ownedTodo(p, u) > 2 {
		t.Fatalf("more than capacity assigned: %+v", c)
	}

	results := drain(t, p, 5)
	seen := map[uint32]bool{}
	for _, tk := range results {
		if seen[tk.ID] {
			t.Fatalf("task %d returned twice", tk.ID)
		}
		seen[tk.ID] = true
		if tk.Payload.(*task.RolloutPayload).Games != 36 {
			t.Fatalf("task %d carries no result", tk.ID)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	total := 0
	for _, n := range jobSizes {
		if n > 2 {
			t.Fatalf("job of %d tasks sent to a unit of capacity 2", n)
		}
		total += n
	}
	if total != 5 {
		t.Fatalf("slave saw %d tasks, want 5", total)
	}
	if s := u.Stats()[task.KindRollout]; s.Completed != 5 || s.Submitted != 5 {
		t.Fatalf("stats %+v", s)
	}
}

func ownedTodo(p *Pool, u *Unit) int {
	n := 0
	for _, tk := range p.Engine().Tasks() {
		if tk.Owner == u.ID() && tk.Status == task.StatusTodo {
			n++
		}
	}
	return n
}

func TestRemoteFailureRevertsTasks(t *testing.T) {
	jobs := make(chan int, 1)
	addr := fakeSlave(t, 4, func(conn *transport.Conn, tasks []*task.Task) bool {
		jobs <- len(tasks)
		return false // drop the connection without answering
	})
	p := testPool(t, Options{Dialer: quickDialer()})
	u, err := p.AddRemote(context.Background(), addr, true)
	if err != nil {
		t.Fatalf("add remote: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := p.Submit(rolloutPayload(uint32(i))); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	p.Engine().Schedule()

	select {
	case n := <-jobs:
		if n != 4 {
			t.Fatalf("job of %d tasks, want 4", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no job sent")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := u.WaitStatus(ctx, func(s UnitStatus) bool { return s == StatusDeactivated }); err != nil {
		t.Fatalf("unit not deactivated: %v", err)
	}
	for _, tk := range p.Engine().Tasks() {
		if tk.Status != task.StatusTodo || tk.Owner != task.NoPU {
			t.Fatalf("task not reverted: %v", tk)
		}
	}
	if s := u.Stats()[task.KindRollout]; s.Failed != 4 {
		t.Fatalf("failed counter %d, want 4", s.Failed)
	}
}

func TestRemoteUnreachableDeactivates(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	p := testPool(t, Options{Dialer: quickDialer()})
	u, err := p.AddRemote(context.Background(), addr, true)
	if err != nil {
		t.Fatalf("add remote: %v", err)
	}
	if u.Status() != StatusDeactivated {
		t.Fatalf("unreachable unit is %s", u.Status())
	}
	if err := p.Stop(context.Background(), u.ID()); err != nil {
		t.Fatalf("stop deactivated unit: %v", err)
	}
}

func TestRemoteStopSendsClose(t *testing.T) {
	closed := make(chan wire.CloseReason, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		conn := transport.NewConn(c)
		defer conn.Close()
		if _, err := conn.Receive(5 * time.Second); err != nil {
			return
		}
		_ = conn.Send(wire.InfoReply(wire.Info{Capacity: 1, Mask: task.MaskAll, Units: 1}), time.Second)
		m, err := conn.Receive(5 * time.Second)
		if err == nil && m.Kind == wire.KindClose {
			closed <- m.Reason
		}
	}()

	p := testPool(t, Options{Dialer: quickDialer()})
	u, err := p.AddRemote(context.Background(), ln.Addr().String(), true)
	if err != nil {
		t.Fatalf("add remote: %v", err)
	}
	if u.Status() != StatusReady {
		t.Fatalf("remote unit is %s", u.Status())
	}
	if err := p.Stop(context.Background(), u.ID()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case r := <-closed:
		if r != wire.CloseShutdown {
			t.Fatalf("close reason %d", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("slave never saw Close")
	}
}

func TestRemoteAddDuplicate(t *testing.T) {
	addr := fakeSlave(t, 1, answerAll)
	p := testPool(t, Options{Dialer: quickDialer()})
	if _, err := p.AddRemote(context.Background(), addr, true); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err := p.AddRemote(context.Background(), addr, false)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("duplicate remote accepted: %v", err)
	}
}

func TestRemoteMismatchedResultRevertsTask(t *testing.T) {
	addr := fakeSlave(t, 1, func(conn *transport.Conn, tasks []*task.Task) bool {
		for _, tk := range tasks {
			wrong := &task.Task{OriginID: tk.OriginID, Kind: task.KindEval, Payload: &task.EvalPayload{}}
			if err := conn.Send(wire.TaskResult(wrong), time.Second); err != nil {
				return false
			}
		}
		return true
	})
	p := testPool(t, Options{Dialer: quickDialer()})
	u, err := p.AddRemote(context.Background(), addr, true)
	if err != nil {
		t.Fatalf("add remote: %v", err)
	}
	tk, err := p.Submit(rolloutPayload(7))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.Engine().Schedule()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := u.WaitStatus(ctx, func(s UnitStatus) bool { return s == StatusDeactivated }); err != nil {
		t.Fatalf("unit not deactivated after a mismatched result: %v", err)
	}
	if n := p.Engine().Owned(u.ID()); n != 0 {
		t.Fatalf("deactivated unit still owns %d tasks", n)
	}
	for _, st := range p.Engine().Tasks() {
		if st.Status != task.StatusTodo || st.Owner != task.NoPU {
			t.Fatalf("task not reverted: %v", &st)
		}
	}

	if _, err := p.AddLocal(context.Background(), 1); err != nil {
		t.Fatalf("add local: %v", err)
	}
	p.Engine().Schedule()
	res := drain(t, p, 1)
	if res[0].ID != tk.ID || res[0].Kind != task.KindRollout || res[0].Code != task.CodeOK {
		t.Fatalf("recovered result %v code %d", res[0], res[0].Code)
	}
}
