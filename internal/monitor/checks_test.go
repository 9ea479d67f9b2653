package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/storetest"
)

// TestCheckNIP11ParsesRelayInfoDocument covers the relay-info fetch
// and parse path.
func TestCheckNIP11ParsesRelayInfoDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/nostr+json" {
			t.Errorf("expected nostr+json Accept header, got %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "application/nostr+json")
		w.Write([]byte(`{"name":"test relay","supported_nips":[1,11],"software":"bigbrotr-test"}`))
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	st := storetest.New()
	m := newTestMonitor(t, st, Config{Networks: []models.Network{models.NetworkClearnet}})

	relay := models.Relay{URL: url, Network: models.NetworkClearnet}
	result := m.checkNIP11(context.Background(), relay)
	if result.err != nil {
		t.Fatalf("checkNIP11 failed: %v", result.err)
	}
	doc, ok := result.payload.(models.NIP11Document)
	if !ok {
		t.Fatalf("expected NIP11Document payload, got %T", result.payload)
	}
	if doc.Name != "test relay" {
		t.Fatalf("expected name %q, got %q", "test relay", doc.Name)
	}
	if len(doc.SupportedNIPs) != 2 || doc.SupportedNIPs[0] != 1 || doc.SupportedNIPs[1] != 11 {
		t.Fatalf("unexpected supported_nips: %v", doc.SupportedNIPs)
	}
}

// TestCheckHTTPRecordsStatusAndHeaders covers the HTTP reachability
// check.
func TestCheckHTTPRecordsStatusAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD request, got %s", r.Method)
		}
		w.Header().Set("X-Test-Header", "ok")
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	st := storetest.New()
	m := newTestMonitor(t, st, Config{Networks: []models.Network{models.NetworkClearnet}})

	relay := models.Relay{URL: url, Network: models.NetworkClearnet}
	result := m.checkHTTP(context.Background(), relay)
	if result.err != nil {
		t.Fatalf("checkHTTP failed: %v", result.err)
	}
	payload, ok := result.payload.(models.NIP66HTTP)
	if !ok {
		t.Fatalf("expected NIP66HTTP payload, got %T", result.payload)
	}
	if payload.StatusCode != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, payload.StatusCode)
	}
	if payload.Headers["X-Test-Header"] != "ok" {
		t.Fatalf("expected X-Test-Header=ok, got %q", payload.Headers["X-Test-Header"])
	}
}

// TestCheckNETRecordsRemoteAddrOverLoopback covers the
// connection-level NET check.
func TestCheckNETRecordsRemoteAddrOverLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	st := storetest.New()
	m := newTestMonitor(t, st, Config{Networks: []models.Network{models.NetworkClearnet}})

	relay := models.Relay{URL: url, Network: models.NetworkClearnet}
	result := m.checkNET(context.Background(), relay)
	if result.err != nil {
		t.Fatalf("checkNET failed: %v", result.err)
	}
	payload, ok := result.payload.(models.NIP66NET)
	if !ok {
		t.Fatalf("expected NIP66NET payload, got %T", result.payload)
	}
	if payload.RemoteAddr == "" {
		t.Fatal("expected a non-empty remote address")
	}
	if !payload.IPv4 && !payload.IPv6 {
		t.Fatal("expected either IPv4 or IPv6 to be recorded")
	}
}

// TestCheckDNSResolvesLoopbackHost covers the DNS record check.
func TestCheckDNSResolvesLoopbackHost(t *testing.T) {
	st := storetest.New()
	m := newTestMonitor(t, st, Config{Networks: []models.Network{models.NetworkClearnet}})

	relay := models.Relay{URL: "ws://localhost:1", Network: models.NetworkClearnet}
	result := m.checkDNS(context.Background(), relay)
	payload, ok := result.payload.(models.NIP66DNS)
	if !ok {
		t.Fatalf("expected NIP66DNS payload, got %T", result.payload)
	}
	if len(payload.A) == 0 && len(payload.AAAA) == 0 {
		t.Fatal("expected localhost to resolve to at least one address")
	}
}

// TestCheckDNSRecordsErrOnUnresolvableHost guards against a regression
// where a failed LookupIPAddr was serialized into the payload's Error
// string but never surfaced through checkResult.err, which is what
// monitor.go's ChecksFailed counter and publish.go's "fail" status
// actually read.
func TestCheckDNSRecordsErrOnUnresolvableHost(t *testing.T) {
	st := storetest.New()
	m := newTestMonitor(t, st, Config{Networks: []models.Network{models.NetworkClearnet}})

	relay := models.Relay{URL: "ws://this-host-does-not-resolve.invalid:1", Network: models.NetworkClearnet}
	result := m.checkDNS(context.Background(), relay)
	if result.err == nil {
		t.Fatal("expected checkDNS to record an error for an unresolvable host")
	}
}

// TestCheckHTTPRecordsErrOnConnectionRefused mirrors
// TestCheckDNSRecordsErrOnUnresolvableHost for the HTTP check: a closed
// port must surface through checkResult.err, not just the payload's
// Error string.
func TestCheckHTTPRecordsErrOnConnectionRefused(t *testing.T) {
	st := storetest.New()
	m := newTestMonitor(t, st, Config{Networks: []models.Network{models.NetworkClearnet}})

	relay := models.Relay{URL: "ws://127.0.0.1:1", Network: models.NetworkClearnet}
	result := m.checkHTTP(context.Background(), relay)
	if result.err == nil {
		t.Fatal("expected checkHTTP to record an error for a refused connection")
	}
}

// TestCheckNETRecordsErrOnConnectionRefused mirrors
// TestCheckHTTPRecordsErrOnConnectionRefused for the connection-level
// NET check.
func TestCheckNETRecordsErrOnConnectionRefused(t *testing.T) {
	st := storetest.New()
	m := newTestMonitor(t, st, Config{Networks: []models.Network{models.NetworkClearnet}})

	relay := models.Relay{URL: "ws://127.0.0.1:1", Network: models.NetworkClearnet}
	result := m.checkNET(context.Background(), relay)
	if result.err == nil {
		t.Fatal("expected checkNET to record an error for a refused connection")
	}
}

// TestCheckSSLRecordsErrOnDialFailure covers checkSSL's dial-failure
// path: checkSSL always dials port 443 regardless of
// the relay's actual port, so a host with nothing listening there must
// surface the dial error through checkResult.err, not just the
// payload's Error string.
func TestCheckSSLRecordsErrOnDialFailure(t *testing.T) {
	st := storetest.New()
	m := newTestMonitor(t, st, Config{Networks: []models.Network{models.NetworkClearnet}})

	relay := models.Relay{URL: "ws://127.0.0.1:1", Network: models.NetworkClearnet}
	result := m.checkSSL(context.Background(), relay)
	if result.err == nil {
		t.Fatal("expected checkSSL to record an error when dialing port 443 fails")
	}
}
