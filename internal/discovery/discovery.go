package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultPort is the UDP port announcements are sent to.
const DefaultPort = 4322

// BroadcastTarget sends announcements to every host on the local segment.
const BroadcastTarget = "255.255.255.255"

// Announcer periodically sends one announcement to a broadcast address or
// a specific host. It can be paused while the slave is busy with a master.
type Announcer struct {
	Target       string // host or host:port; empty means broadcast
	Interval     time.Duration
	Key          []byte
	Announcement Announcement

	paused atomic.Bool
}

func (a *Announcer) Pause()  { a.paused.Store(true) }
func (a *Announcer) Resume() { a.paused.Store(false) }

func (a *Announcer) targetAddr() string {
	target := a.Target
	if target == "" {
		target = BroadcastTarget
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, strconv.Itoa(DefaultPort))
	}
	return target
}

// Run sends until ctx is done. The first announcement goes out at once.
func (a *Announcer) Run(ctx context.Context) error {
	datagram, err := Encode(a.Announcement, a.Key)
	if err != nil {
		return err
	}
	raddr, err := net.ResolveUDPAddr("udp", a.targetAddr())
	if err != nil {
		return fmt.Errorf("resolve discovery target: %w", err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("open discovery socket: %w", err)
	}
	defer conn.Close()

	interval := a.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().
		Str("target", raddr.String()).
		Dur("interval", interval).
		Msg("announcing slave")
	for {
		if !a.paused.Load() {
			if _, err := conn.WriteToUDP(datagram, raddr); err != nil {
				log.Warn().Err(err).Str("target", raddr.String()).Msg("discovery send failed")
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Handler receives every valid announcement together with the address the
// slave can be reached at (host:port).
type Handler func(a Announcement, addr string)

// Listener receives announcements on a UDP port.
type Listener struct {
	Addr string // listen address, e.g. ":4322"
	Key  []byte

	conn net.PacketConn
}

// Listen binds the socket. Serve must be called to process datagrams.
func (l *Listener) Listen() error {
	addr := l.Addr
	if addr == "" {
		addr = ":" + strconv.Itoa(DefaultPort)
	}
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listen for announcements: %w", err)
	}
	l.conn = conn
	return nil
}

// LocalAddr returns the bound address, nil before Listen.
func (l *Listener) LocalAddr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Serve dispatches announcements to h until ctx is done.
func (l *Listener) Serve(ctx context.Context, h Handler) error {
	if l.conn == nil {
		if err := l.Listen(); err != nil {
			return err
		}
	}
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, src, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read announcement: %w", err)
		}
		a, err := Decode(buf[:n], l.Key)
		if err != nil {
			log.Debug().Err(err).Str("from", src.String()).Msg("ignoring datagram")
			continue
		}
		host := a.Address
		if host == "" || isUnspecified(host) {
			host, _, _ = net.SplitHostPort(src.String())
		}
		h(a, net.JoinHostPort(host, strconv.Itoa(int(a.Port))))
	}
}

func isUnspecified(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}
