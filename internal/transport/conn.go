package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mormegil-cz/gnubg-sub002/internal/wire"
)

// Conn carries wire messages over one stream connection. Send is safe to
// call from several goroutines; Receive must have a single reader.
type Conn struct {
	conn net.Conn

	writeLock sync.Mutex
	closeOnce sync.Once
}

func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c}
}

// Send writes m, giving up after timeout when it is positive.
func (c *Conn) Send(m wire.Message, timeout time.Duration) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wire.WriteMessage(c.conn, m)
}

// Receive reads the next message. A positive timeout bounds the wait.
func (c *Conn) Receive(timeout time.Duration) (wire.Message, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	return wire.ReadMessage(c.conn)
}

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// Listen opens the slave's listening socket, wrapped in TLS when opts is set.
func Listen(addr string, opts *TLSOptions) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if opts == nil {
		return ln, nil
	}
	cfg, err := opts.ServerConfig()
	if err != nil {
		ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, cfg), nil
}

// JoinHostPort applies defaultPort to an address given as host or host:port
// and validates the port.
func JoinHostPort(addr string, defaultPort int) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// no port suffix
		host, portStr = addr, strconv.Itoa(defaultPort)
	}
	if host == "" {
		return "", fmt.Errorf("empty host in %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("invalid port %q", portStr)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
