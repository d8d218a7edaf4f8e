package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog/log"
)

// TLSOptions holds the certificate material for encrypted master/slave
// links. With CACert set, the peer certificate must chain to it.
type TLSOptions struct {
	Cert       string
	Key        string
	CACert     string
	ServerName string
	// RequireClientCert makes a listening slave demand a client
	// certificate signed by CACert.
	RequireClientCert bool
}

func (o *TLSOptions) load() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if o.Cert != "" || o.Key != "" {
		cert, err := tls.LoadX509KeyPair(o.Cert, o.Key)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if o.CACert != "" {
		pem, err := os.ReadFile(o.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", o.CACert)
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// ServerConfig builds the listener side configuration.
func (o *TLSOptions) ServerConfig() (*tls.Config, error) {
	if o.Cert == "" || o.Key == "" {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	if o.RequireClientCert {
		if cfg.ClientCAs == nil {
			return nil, fmt.Errorf("client certificate verification needs a CA certificate")
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		log.Info().Str("ca_cert", o.CACert).Msg("mTLS client authentication enabled")
	}
	return cfg, nil
}

func (o *TLSOptions) client(ctx context.Context, c net.Conn, addr string) (net.Conn, error) {
	cfg, err := o.load()
	if err != nil {
		c.Close()
		return nil, err
	}
	cfg.ServerName = o.ServerName
	if cfg.ServerName == "" {
		host, _, _ := net.SplitHostPort(addr)
		cfg.ServerName = host
	}
	tc := tls.Client(c, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tc, nil
}
