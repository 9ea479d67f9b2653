// Package transport implements the relay I/O substrate:
// per-network routing (clearnet / Tor / I2P / Lokinet), SOCKS5 support,
// WebSocket liveness probing, and the Nostr protocol client the
// pipeline services depend on.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/bigbrotr/bigbrotr/internal/models"
)

// NetworkTimeouts holds the per-network dial timeouts. Overlay
// networks get much longer defaults than clearnet because circuit
// setup dominates the handshake.
type NetworkTimeouts struct {
	Clearnet models.Duration `yaml:"clearnet"`
	Tor      models.Duration `yaml:"tor"`
	I2P      models.Duration `yaml:"i2p"`
	Loki     models.Duration `yaml:"loki"`
}

func DefaultNetworkTimeouts() NetworkTimeouts {
	return NetworkTimeouts{
		Clearnet: models.Duration(10 * time.Second),
		Tor:      models.Duration(45 * time.Second),
		I2P:      models.Duration(50 * time.Second),
		Loki:     models.Duration(35 * time.Second),
	}
}

func (t NetworkTimeouts) For(n models.Network) time.Duration {
	switch n {
	case models.NetworkTor:
		return t.Tor.Std()
	case models.NetworkI2P:
		return t.I2P.Std()
	case models.NetworkLoki:
		return t.Loki.Std()
	default:
		return t.Clearnet.Std()
	}
}

// ProxyConfig maps each overlay network to a SOCKS5 proxy address.
type ProxyConfig struct {
	Tor  string `yaml:"tor"`
	I2P  string `yaml:"i2p"`
	Loki string `yaml:"loki"`
}

func (p ProxyConfig) AddressFor(n models.Network) (string, bool) {
	switch n {
	case models.NetworkTor:
		return p.Tor, p.Tor != ""
	case models.NetworkI2P:
		return p.I2P, p.I2P != ""
	case models.NetworkLoki:
		return p.Loki, p.Loki != ""
	default:
		return "", false
	}
}

// contextDialer is satisfied by net.Dialer and by proxy dialers that
// support context-aware dialing.
type contextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// DialerFor returns a context-aware dialer for network n: a plain
// net.Dialer for clearnet, or a SOCKS5 dialer with DNS resolution
// delegated to the proxy for overlay networks, so hostnames never
// leak to a local resolver.
func DialerFor(n models.Network, proxies ProxyConfig) (contextDialer, error) {
	if !n.IsOverlay() {
		return &net.Dialer{}, nil
	}

	addr, ok := proxies.AddressFor(n)
	if !ok {
		return nil, fmt.Errorf("no SOCKS5 proxy configured for network %q", n)
	}

	// proxy.SOCKS5 never performs local DNS resolution: the forward
	// dialer (proxy.Direct) only reaches the proxy, and the target
	// hostname is handed to the SOCKS5 server to resolve, which is
	// required for .onion/.i2p/.loki names.
	d, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("build socks5 dialer for %q: %w", n, err)
	}
	if cd, ok := d.(contextDialer); ok {
		return cd, nil
	}
	return &contextlessAdapter{d}, nil
}

// contextlessAdapter wraps a proxy.Dialer that does not implement
// DialContext, running the blocking Dial in a goroutine so the caller's
// context can still cancel the wait.
type contextlessAdapter struct {
	d proxy.Dialer
}

func (a *contextlessAdapter) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := a.d.Dial(network, addr)
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		// a.d.Dial is still blocking in the background goroutine above; if
		// it eventually succeeds after we've already given up, close the
		// orphaned connection instead of leaking the fd.
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}
