package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mormegil-cz/gnubg-sub002/pkg/api"
)

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector(true)
	defer c.Shutdown()

	labels := map[string]string{"kind": "rollout", "pu_type": "local"}
	c.Counter("tasks_total", 1, labels)
	c.Counter("tasks_total", 2, map[string]string{"pu_type": "local", "kind": "rollout"})
	c.Gauge("queue", 5, nil)
	c.Gauge("queue", 3, nil)
	c.Timer("latency", 10*time.Millisecond, labels)
	c.Timer("latency", 30*time.Millisecond, labels)

	if s, ok := c.Lookup("tasks_total", labels); !ok || s.Value != 3 {
		t.Fatalf("counter %+v %v", s, ok)
	}
	if s, _ := c.Lookup("queue", nil); s.Value != 3 {
		t.Fatalf("gauge keeps last value, got %v", s.Value)
	}
	s, _ := c.Lookup("latency", labels)
	if s.Count != 2 || s.Sum != 40 || s.Min != 10 || s.Max != 30 || s.Value != 20 {
		t.Fatalf("timer %+v", s)
	}
	if n := len(c.Snapshot()); n != 3 {
		t.Fatalf("series %d", n)
	}
}

func TestDisabledCollectorDrops(t *testing.T) {
	c := NewCollector(false)
	c.Counter("x", 1, nil)
	if len(c.Snapshot()) != 0 {
		t.Fatalf("disabled collector recorded")
	}
}

func TestWritePrometheus(t *testing.T) {
	c := NewCollector(true)
	defer c.Shutdown()
	c.Counter("done_total", 4, map[string]string{"kind": `ev"al`})
	c.Timer("lat", 2*time.Millisecond, nil)

	var b strings.Builder
	if err := c.WritePrometheus(&b); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := b.String()
	for _, want := range []string{
		"# TYPE done_total counter\n",
		`done_total{kind="ev\"al"} 4`,
		"# TYPE lat summary\n",
		"lat_sum 2\n",
		"lat_count 1\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
}

type fakeSource struct {
	units []api.Unit
	mode  api.Mode
}

func (f fakeSource) List() []api.Unit { return f.units }
func (f fakeSource) Tasks() api.TaskCounts {
	return api.TaskCounts{Todo: 2, InProgress: 1, Done: 3, Size: 16}
}
func (f fakeSource) Mode() api.Mode { return f.mode }

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return resp, body
}

func TestMonitoringEndpoints(t *testing.T) {
	c := NewCollector(true)
	defer c.Shutdown()
	c.Counter("gnubg_pool_tasks_completed_total", 1, map[string]string{"kind": "rollout"})

	src := fakeSource{mode: api.ModeMaster, units: []api.Unit{
		{ID: 1, Type: "local", Status: "ready", Capacity: 1},
		{ID: 2, Type: "remote", Status: "deactivated", Address: "h:4321", Capacity: 4},
	}}
	ms := NewMonitoringServer("127.0.0.1:0", c, src, false)
	srv := httptest.NewServer(ms.Handler())
	defer srv.Close()

	resp, body := get(t, srv, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", resp.StatusCode, body)
	}
	var health struct {
		Status HealthStatus  `json:"status"`
		Mode   api.Mode      `json:"mode"`
		Checks []HealthCheck `json:"checks"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Mode != api.ModeMaster || len(health.Checks) != 3 {
		t.Fatalf("health %+v", health)
	}

	_, body = get(t, srv, "/api/pus")
	var units []api.Unit
	if err := json.Unmarshal(body, &units); err != nil || len(units) != 2 || units[1].Address != "h:4321" {
		t.Fatalf("units %s, %v", body, err)
	}

	_, body = get(t, srv, "/api/tasks")
	var counts api.TaskCounts
	if err := json.Unmarshal(body, &counts); err != nil || counts.Done != 3 || counts.Size != 16 {
		t.Fatalf("tasks %s, %v", body, err)
	}

	_, body = get(t, srv, "/metrics")
	for _, want := range []string{
		`gnubg_pool_tasks{state="todo"} 2`,
		`gnubg_pool_units{status="deactivated"} 1`,
		`gnubg_pool_tasks_completed_total{kind="rollout"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in\n%s", want, body)
		}
	}

	if resp, _ := get(t, srv, "/debug/pprof/"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pprof mounted without profiling: %d", resp.StatusCode)
	}
}

func TestUnitsHealthCheck(t *testing.T) {
	idle := UnitsHealthCheck(fakeSource{mode: api.ModeMaster, units: []api.Unit{{Type: "remote", Status: "connecting"}}})
	if got := idle().Status; got != HealthStatusDegraded {
		t.Fatalf("no active units: %s", got)
	}
	slave := UnitsHealthCheck(fakeSource{mode: api.ModeSlave})
	if got := slave().Status; got != HealthStatusUnhealthy {
		t.Fatalf("slave without local units: %s", got)
	}
}

func TestUnhealthyReturns503(t *testing.T) {
	ms := NewMonitoringServer("127.0.0.1:0", nil, fakeSource{mode: api.ModeSlave}, true)
	srv := httptest.NewServer(ms.Handler())
	defer srv.Close()
	if resp, _ := get(t, srv, "/health"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if resp, _ := get(t, srv, "/debug/pprof/"); resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof index %d", resp.StatusCode)
	}
}
