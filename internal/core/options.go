package core

import (
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"

	"github.com/mormegil-cz/gnubg-sub002/internal/discovery"
	"github.com/mormegil-cz/gnubg-sub002/internal/pool"
	"github.com/mormegil-cz/gnubg-sub002/internal/rollout"
	"github.com/mormegil-cz/gnubg-sub002/internal/transport"
)

// TLSOptions returns the transport TLS settings, nil when TLS is off.
func (c Config) TLSOptions() *transport.TLSOptions {
	if !c.TLS.Enabled {
		return nil
	}
	return &transport.TLSOptions{
		Cert:              c.TLS.Cert,
		Key:               c.TLS.Key,
		CACert:            c.TLS.CACert,
		ServerName:        c.TLS.ServerName,
		RequireClientCert: c.TLS.RequireClientCert,
	}
}

// PoolOptions maps the configuration onto pool options.
func (c Config) PoolOptions(eval rollout.Evaluator, store pool.HostStore) pool.Options {
	retry := transport.DefaultRetryConfig()
	retry.MaxRetries = c.Remote.ConnectRetries
	opts := pool.Options{
		TableSize:        c.Pool.TableSize,
		DefaultPort:      c.Remote.DefaultPort,
		HandshakeTimeout: c.Remote.HandshakeTimeout.Std(),
		JobTimeout:       c.Remote.JobTimeout.Std(),
		StopTimeout:      c.Pool.StopTimeout.Std(),
		SendTimeout:      c.Remote.SendTimeout.Std(),
		Dialer: &transport.Dialer{
			Timeout: c.Remote.ConnectTimeout.Std(),
			Retry:   retry,
			TLS:     c.TLSOptions(),
		},
		Evaluator: eval,
		Store:     store,
		Label:     c.Pool.Label,
	}
	return opts
}

// SlaveOptions maps the configuration onto slave mode options. The
// announcer is set up when discovery is enabled.
func (c Config) SlaveOptions(nodeID uuid.UUID) (pool.SlaveOptions, error) {
	allow, err := transport.ParseAllowList(c.Slave.Allow)
	if err != nil {
		return pool.SlaveOptions{}, ValidationError{Field: "slave.allow", Value: fmt.Sprint(c.Slave.Allow), Message: err.Error()}
	}
	opts := pool.SlaveOptions{
		Listen: c.Slave.Listen,
		Allow:  allow,
		TLS:    c.TLSOptions(),
		Label:  c.Pool.Label,
	}
	if opts.Label == "" {
		opts.Label = nodeID.String()
	}
	if c.Discovery.Enabled {
		host, port, err := splitListen(c.Slave.Listen, c.Remote.DefaultPort)
		if err != nil {
			return opts, ValidationError{Field: "slave.listen", Value: c.Slave.Listen, Message: err.Error()}
		}
		opts.Announcer = &discovery.Announcer{
			Target:   c.Discovery.Target,
			Interval: c.Discovery.Interval.Std(),
			Key:      []byte(c.Discovery.Key),
			Announcement: discovery.Announcement{
				Address: host,
				Port:    port,
				Label:   opts.Label,
				NodeID:  nodeID,
			},
		}
	}
	return opts, nil
}

func splitListen(addr string, defaultPort int) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, uint16(defaultPort), nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, uint16(port), nil
}
