package monitor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/transport"
)

// checkNIP11 fetches the relay-info document over HTTP(S) with
// Accept: application/nostr+json.
func (m *Monitor) checkNIP11(ctx context.Context, relay models.Relay) checkResult {
	httpURL, err := models.HTTPURLFor(relay.URL)
	if err != nil {
		return checkResult{kind: models.MetadataNIP11Info, payload: models.NIP11Document{}, err: err}
	}

	timeout := m.cfg.Timeouts.For(relay.Network)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, httpURL, nil)
	if err != nil {
		return checkResult{kind: models.MetadataNIP11Info, payload: models.NIP11Document{}, err: err}
	}
	req.Header.Set("Accept", "application/nostr+json")

	resp, err := m.http.Do(req)
	if err != nil {
		return checkResult{kind: models.MetadataNIP11Info, payload: models.NIP11Document{}, err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return checkResult{kind: models.MetadataNIP11Info, payload: models.NIP11Document{}, err: err}
	}

	var doc models.NIP11Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return checkResult{kind: models.MetadataNIP11Info, payload: models.NIP11Document{}, err: err}
	}
	return checkResult{kind: models.MetadataNIP11Info, payload: doc}
}

// checkRTT measures dial/read/write round-trip times using the shared
// liveness probes; failed legs serialize as null.
func (m *Monitor) checkRTT(ctx context.Context, relay models.Relay) checkResult {
	// A nil *Signer must reach Probe as a nil interface, or the write
	// leg would run and dereference it.
	var signer transport.EventSigner
	if m.signer != nil {
		signer = m.signer
	}
	result := m.prober.Probe(ctx, relay, true, signer)
	payload := models.NIP66RTT{}
	if result.DialOK {
		ms := result.DialMs
		payload.RTTDialMs = &ms
	}
	if result.ReadOK {
		ms := result.ReadMs
		payload.RTTReadMs = &ms
	}
	if result.WriteOK {
		ms := result.WriteMs
		payload.RTTWriteMs = &ms
	}
	return checkResult{kind: models.MetadataNIP66RTT, payload: payload, err: result.LastError}
}

// checkSSL performs a TLS handshake against the relay host and records
// certificate expiry/issuer/subject/SANs.
func (m *Monitor) checkSSL(ctx context.Context, relay models.Relay) checkResult {
	if relay.Network != models.NetworkClearnet {
		// Overlay relays are almost never served over plain TLS; record
		// an explicit skip rather than a misleading dial failure.
		return checkResult{kind: models.MetadataNIP66SSL, payload: models.NIP66SSL{Error: "not applicable for overlay network"}}
	}

	host := models.HostOf(relay.URL)
	timeout := m.cfg.Timeouts.For(relay.Network)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &tls.Dialer{Config: &tls.Config{ServerName: host}}
	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, "443"))
	if err != nil {
		return checkResult{kind: models.MetadataNIP66SSL, payload: models.NIP66SSL{Error: err.Error()}, err: err}
	}
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		err := errors.New("dial did not return a TLS connection")
		return checkResult{kind: models.MetadataNIP66SSL, payload: models.NIP66SSL{Error: err.Error()}, err: err}
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		err := errors.New("no peer certificates presented")
		return checkResult{kind: models.MetadataNIP66SSL, payload: models.NIP66SSL{Error: err.Error()}, err: err}
	}
	cert := state.PeerCertificates[0]
	return checkResult{kind: models.MetadataNIP66SSL, payload: models.NIP66SSL{
		ExpiresAt: cert.NotAfter.Unix(),
		Issuer:    cert.Issuer.String(),
		Subject:   cert.Subject.String(),
		SANs:      cert.DNSNames,
	}}
}

// checkDNS resolves the relay host's A/AAAA records.
func (m *Monitor) checkDNS(ctx context.Context, relay models.Relay) checkResult {
	host := models.HostOf(relay.URL)
	timeout := m.cfg.Timeouts.For(relay.Network)
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		return checkResult{kind: models.MetadataNIP66DNS, payload: models.NIP66DNS{Error: err.Error()}, err: err}
	}

	var payload models.NIP66DNS
	for _, a := range addrs {
		if a.IP.To4() != nil {
			payload.A = append(payload.A, a.IP.String())
		} else {
			payload.AAAA = append(payload.AAAA, a.IP.String())
		}
	}
	return checkResult{kind: models.MetadataNIP66DNS, payload: payload}
}

// checkGEO looks up the relay host's geolocation via the configured
// GeoLookup (the lookup engine itself is pluggable, see geo.go).
func (m *Monitor) checkGEO(ctx context.Context, relay models.Relay) checkResult {
	if m.geo == nil {
		return checkResult{kind: models.MetadataNIP66GEO, payload: models.NIP66GEO{Error: "no geo database configured"}}
	}

	host := models.HostOf(relay.URL)
	ip := net.ParseIP(host)
	if ip == nil {
		timeout := m.cfg.Timeouts.For(relay.Network)
		lookupCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		addrs, err := net.DefaultResolver.LookupIPAddr(lookupCtx, host)
		if err != nil || len(addrs) == 0 {
			resolveErr := errors.New("could not resolve host for geo lookup")
			return checkResult{kind: models.MetadataNIP66GEO, payload: models.NIP66GEO{Error: resolveErr.Error()}, err: resolveErr}
		}
		ip = addrs[0].IP
	}

	payload, err := m.geo.Lookup(ip)
	if err != nil {
		payload.Error = err.Error()
	}
	return checkResult{kind: models.MetadataNIP66GEO, payload: payload, err: err}
}

// checkNET records the connection-level facts of the dial itself: the
// network type routed through and which IP family was actually
// reached, distinct from the resolver-level DNS check.
func (m *Monitor) checkNET(ctx context.Context, relay models.Relay) checkResult {
	dialer, err := transport.DialerFor(relay.Network, m.cfg.Proxies)
	if err != nil {
		return checkResult{kind: models.MetadataNIP66NET, payload: models.NIP66NET{Network: relay.Network, Error: err.Error()}, err: err}
	}

	u, err := url.Parse(relay.URL)
	if err != nil {
		return checkResult{kind: models.MetadataNIP66NET, payload: models.NIP66NET{Network: relay.Network, Error: err.Error()}, err: err}
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "wss" {
			port = "443"
		} else {
			port = "80"
		}
	}

	timeout := m.cfg.Timeouts.For(relay.Network)
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return checkResult{kind: models.MetadataNIP66NET, payload: models.NIP66NET{Network: relay.Network, Error: err.Error()}, err: err}
	}
	defer conn.Close()

	payload := models.NIP66NET{Network: relay.Network, RemoteAddr: conn.RemoteAddr().String()}
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		if tcpAddr.IP.To4() != nil {
			payload.IPv4 = true
		} else {
			payload.IPv6 = true
		}
	}
	return checkResult{kind: models.MetadataNIP66NET, payload: payload}
}

// checkHTTP performs an HTTP HEAD against the relay's upgraded
// http(s):// URL and records status code and headers.
func (m *Monitor) checkHTTP(ctx context.Context, relay models.Relay) checkResult {
	httpURL, err := models.HTTPURLFor(relay.URL)
	if err != nil {
		return checkResult{kind: models.MetadataNIP66HTTP, payload: models.NIP66HTTP{Error: err.Error()}, err: err}
	}

	timeout := m.cfg.Timeouts.For(relay.Network)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, httpURL, nil)
	if err != nil {
		return checkResult{kind: models.MetadataNIP66HTTP, payload: models.NIP66HTTP{Error: err.Error()}, err: err}
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return checkResult{kind: models.MetadataNIP66HTTP, payload: models.NIP66HTTP{Error: err.Error()}, err: err}
	}
	defer resp.Body.Close()

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return checkResult{kind: models.MetadataNIP66HTTP, payload: models.NIP66HTTP{
		StatusCode: resp.StatusCode,
		Headers:    headers,
	}}
}
