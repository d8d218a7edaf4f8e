package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/mormegil-cz/gnubg-sub002/internal/wire"
)

func TestAllowList(t *testing.T) {
	a, err := ParseAllowList([]string{"10.0.0.0/8", "192.168.1.7", " "})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cases := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.7", true},
		{"192.168.1.8", false},
		{"::ffff:10.9.9.9", true},
		{"127.0.0.1", false},
	}
	for _, tc := range cases {
		addr := &net.TCPAddr{IP: net.ParseIP(tc.ip), Port: 4000}
		if got := a.Allowed(addr); got != tc.want {
			t.Errorf("Allowed(%s) = %v, want %v", tc.ip, got, tc.want)
		}
	}

	empty, _ := ParseAllowList(nil)
	if !empty.Allowed(&net.TCPAddr{IP: net.ParseIP("8.8.8.8")}) {
		t.Fatalf("empty allow list must accept everyone")
	}

	if err := a.Set([]string{"not-an-ip"}); err == nil {
		t.Fatalf("expected parse error")
	}
	if !a.Allowed(&net.TCPAddr{IP: net.ParseIP("10.0.0.1")}) {
		t.Fatalf("failed Set must keep previous ranges")
	}
}

func TestJoinHostPort(t *testing.T) {
	cases := []struct {
		in, want string
		ok       bool
	}{
		{"slave1", "slave1:4321", true},
		{"slave1:5000", "slave1:5000", true},
		{"[::1]:6000", "[::1]:6000", true},
		{"::1", "[::1]:4321", true},
		{"slave1:0", "", false},
		{"slave1:70000", "", false},
		{"slave1:abc", "", false},
		{":5000", "", false},
	}
	for _, tc := range cases {
		got, err := JoinHostPort(tc.in, 4321)
		if tc.ok != (err == nil) {
			t.Errorf("JoinHostPort(%q) err = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("JoinHostPort(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestConnSendReceive(t *testing.T) {
	a, b := net.Pipe()
	ca, cb := NewConn(a), NewConn(b)
	defer ca.Close()
	defer cb.Close()

	go func() {
		_ = ca.Send(wire.InfoReply(wire.Info{Capacity: 3, Units: 3, Label: "x"}), time.Second)
	}()
	m, err := cb.Receive(time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if m.Kind != wire.KindInfo || m.Info.Capacity != 3 {
		t.Fatalf("unexpected message %+v", m)
	}

	// Nothing is sent: the read deadline fires.
	if _, err := cb.Receive(50 * time.Millisecond); err == nil {
		t.Fatalf("expected timeout")
	}
}

func TestDialRetriesThenFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	d := &Dialer{
		Timeout: time.Second,
		Retry:   RetryConfig{MaxRetries: 2, InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, BackoffFactor: 2},
	}
	start := time.Now()
	if _, err := d.Dial(context.Background(), addr); err == nil {
		t.Fatalf("expected dial failure")
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("dial did not back off between attempts")
	}
}

func TestDialHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := &Dialer{Timeout: time.Second, Retry: DefaultRetryConfig()}
	if _, err := d.Dial(ctx, "127.0.0.1:1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryDelayCapped(t *testing.T) {
	rc := RetryConfig{InitialDelay: time.Second, MaxDelay: 2 * time.Second, BackoffFactor: 10}
	for i := 0; i < 5; i++ {
		if d := rc.delay(i); d > rc.MaxDelay {
			t.Fatalf("delay %v exceeds max", d)
		}
	}
}
