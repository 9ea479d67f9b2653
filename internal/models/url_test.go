package models

import "testing"

func TestNormalizeURLIdempotent(t *testing.T) {
	cases := []string{
		"wss://Relay.Example.com/",
		"wss://relay.example.com:443",
		"ws://relay.example.com:80/",
		"wss://relay.example.com/path/",
		"wss://relay.example.com",
		"wss://relay.example.com#frag",
	}
	for _, raw := range cases {
		first, err := NormalizeURL(raw)
		if err != nil {
			t.Fatalf("NormalizeURL(%q): %v", raw, err)
		}
		second, err := NormalizeURL(first)
		if err != nil {
			t.Fatalf("NormalizeURL(%q) second pass: %v", first, err)
		}
		if first != second {
			t.Errorf("not idempotent: norm(%q)=%q, norm(norm(%q))=%q", raw, first, raw, second)
		}
	}
}

func TestNormalizeURLEquivalence(t *testing.T) {
	a, err := NormalizeURL("wss://Relay.Example.com:443/")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NormalizeURL("wss://relay.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("expected equivalent URLs to normalize identically: %q != %q", a, b)
	}
}

func TestNormalizeURLRejectsBadScheme(t *testing.T) {
	if _, err := NormalizeURL("https://relay.example.com"); err == nil {
		t.Error("expected error for https scheme")
	}
	if _, err := NormalizeURL("wss://192.168.1.1"); err == nil {
		t.Error("expected error for private-range IP host")
	}
}

func TestNormalizeURLOverlaySuffixes(t *testing.T) {
	for _, raw := range []string{
		"ws://abcdefghijklmnop.onion",
		"ws://example.i2p/",
		"ws://example.loki",
	} {
		norm, err := NormalizeURL(raw)
		if err != nil {
			t.Fatalf("NormalizeURL(%q): %v", raw, err)
		}
		if norm == "" {
			t.Errorf("expected non-empty normalization for %q", raw)
		}
	}
}

func TestNormalizeURLPathCoercion(t *testing.T) {
	got, err := NormalizeURL("wss://relay.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got != "wss://relay.example.com/" {
		t.Errorf("expected empty path coerced to root, got %q", got)
	}

	got, err = NormalizeURL("wss://relay.example.com/sub/")
	if err != nil {
		t.Fatal(err)
	}
	if got != "wss://relay.example.com/sub" {
		t.Errorf("expected trailing slash stripped for non-root path, got %q", got)
	}
}

func TestDetectNetwork(t *testing.T) {
	cases := map[string]Network{
		"relay.example.com":           NetworkClearnet,
		"ABCDEFG.ONION":               NetworkTor,
		"example.i2p":                 NetworkI2P,
		"example.loki":                NetworkLoki,
		"sub.relay.example.com.onion": NetworkTor,
	}
	for host, want := range cases {
		if got := DetectNetwork(host); got != want {
			t.Errorf("DetectNetwork(%q) = %q, want %q", host, got, want)
		}
	}
}
