package transport

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/errs"
	"github.com/bigbrotr/bigbrotr/internal/models"
)

// ProbeResult is the outcome of one liveness probe pass against a
// relay, used by Validator and Monitor.
type ProbeResult struct {
	DialOK    bool
	DialMs    int64
	ReadOK    bool
	ReadMs    int64
	WriteOK   bool
	WriteMs   int64
	LastError error
}

// Prober runs dial_ok/read_ok/write_ok probes against one relay.
type Prober struct {
	Proxies  ProxyConfig
	Timeouts NetworkTimeouts
}

// tinyFilter is the minimal REQ filter the read probe subscribes
// with.
func tinyFilter() nostr.Filter {
	limit := 1
	return nostr.Filter{Limit: limit}
}

// Probe runs dial_ok, then (if requested) read_ok, then (if signer is
// non-nil) write_ok, reusing a single connection across the legs it
// performs so the three RTTs are comparable.
func (p *Prober) Probe(ctx context.Context, relay models.Relay, doRead bool, signer EventSigner) ProbeResult {
	var result ProbeResult

	dialStart := time.Now()
	client, err := Dial(ctx, relay, p.Proxies, p.Timeouts)
	result.DialMs = time.Since(dialStart).Milliseconds()
	if err != nil {
		result.LastError = err
		return result
	}
	defer client.Close()
	result.DialOK = true

	if doRead {
		readStart := time.Now()
		ok, err := p.probeRead(ctx, client, relay)
		result.ReadMs = time.Since(readStart).Milliseconds()
		result.ReadOK = ok
		if err != nil {
			result.LastError = err
		}
	}

	if signer != nil {
		writeStart := time.Now()
		ok, err := p.probeWrite(ctx, client, relay, signer)
		result.WriteMs = time.Since(writeStart).Milliseconds()
		result.WriteOK = ok
		if err != nil {
			result.LastError = err
		}
	}

	return result
}

func (p *Prober) probeRead(ctx context.Context, client *Client, relay models.Relay) (bool, error) {
	subID := "bigbrotr-probe"
	timeout := p.Timeouts.For(relay.Network)
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Subscribe(readCtx, subID, tinyFilter()); err != nil {
		return false, err
	}
	defer client.CloseSubscription(context.Background(), subID)

	for {
		msg, err := client.ReadMessage(readCtx)
		if err != nil {
			return false, err
		}
		switch msg.Label {
		case "EVENT", "EOSE":
			if msg.SubID == subID {
				return true, nil
			}
		}
	}
}

// EventSigner produces a small signed ephemeral event for the write_ok
// probe and Monitor's result publishing.
type EventSigner interface {
	SignEphemeral(content string) (*nostr.Event, error)
}

func (p *Prober) probeWrite(ctx context.Context, client *Client, relay models.Relay, signer EventSigner) (bool, error) {
	ev, err := signer.SignEphemeral("bigbrotr liveness probe")
	if err != nil {
		return false, errs.New(errs.KindPermanentNet, relay.URL, err)
	}
	timeout := p.Timeouts.For(relay.Network)
	accepted, _, err := client.PublishAndAwaitOK(ctx, ev, timeout)
	if err != nil {
		return false, err
	}
	return accepted, nil
}
