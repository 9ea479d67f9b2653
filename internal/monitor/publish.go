package monitor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/errs"
	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/transport"
)

// ephemeralProbeKind is the kind Monitor's Signer signs for the write_ok
// liveness probe (Validator runs no write probe): ephemeral, so relays
// never archive it.
const ephemeralProbeKind = 21166

// monitorAnnounceKind is the NIP-66 "online monitor" event kind.
const monitorAnnounceKind = 10166

// fullCheckKind is the NIP-66 addressable full-check-set event kind.
const fullCheckKind = 30166

// Signer holds the Nostr keypair Monitor uses for write_ok probes and
// for publishing check-result announcements. It implements
// transport.EventSigner.
type Signer struct {
	sk string
	pk string
}

var _ transport.EventSigner = (*Signer)(nil)

// NewSignerFromEnv reads a hex private key from the named environment
// variable.
func NewSignerFromEnv(envVar string) (*Signer, error) {
	sk := os.Getenv(envVar)
	if sk == "" {
		return nil, fmt.Errorf("environment variable %q is empty or unset", envVar)
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &Signer{sk: sk, pk: pk}, nil
}

// SignEphemeral builds and signs a small ephemeral event for the
// write_ok liveness probe.
func (s *Signer) SignEphemeral(content string) (*nostr.Event, error) {
	ev := &nostr.Event{
		PubKey:    s.pk,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      ephemeralProbeKind,
		Content:   content,
	}
	if err := ev.Sign(s.sk); err != nil {
		return nil, err
	}
	return ev, nil
}

// buildMonitorEvent constructs the kind 10166 "online monitor"
// announcement: minimal tags recording which checks passed.
func (s *Signer) buildMonitorEvent(relay models.Relay, results []checkResult) (*nostr.Event, error) {
	tags := nostr.Tags{{"d", relay.URL}, {"network", string(relay.Network)}}
	for _, r := range results {
		status := "ok"
		if r.err != nil {
			status = "fail"
		}
		tags = append(tags, nostr.Tag{string(r.kind), status})
	}
	ev := &nostr.Event{
		PubKey:    s.pk,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      monitorAnnounceKind,
		Tags:      tags,
	}
	if err := ev.Sign(s.sk); err != nil {
		return nil, err
	}
	return ev, nil
}

// buildFullCheckEvent constructs the kind 30166 addressable event
// carrying every check's full payload as its content.
func (s *Signer) buildFullCheckEvent(relay models.Relay, results []checkResult) (*nostr.Event, error) {
	payload := make(map[models.MetadataType]any, len(results))
	for _, r := range results {
		payload[r.kind] = r.payload
	}
	content, err := models.Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	ev := &nostr.Event{
		PubKey:    s.pk,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      fullCheckKind,
		Tags:      nostr.Tags{{"d", relay.URL}},
		Content:   string(content),
	}
	if err := ev.Sign(s.sk); err != nil {
		return nil, err
	}
	return ev, nil
}

// publish announces relay's check results to every configured publish
// relay.
func (m *Monitor) publish(ctx context.Context, relay models.Relay, results []checkResult) error {
	var events []*nostr.Event
	if m.cfg.Publish.Publish10166 {
		ev, err := m.signer.buildMonitorEvent(relay, results)
		if err != nil {
			return err
		}
		events = append(events, ev)
	}
	if m.cfg.Publish.Publish30166 {
		ev, err := m.signer.buildFullCheckEvent(relay, results)
		if err != nil {
			return err
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return nil
	}

	var firstErr error
	for _, target := range m.cfg.Publish.Relays {
		if err := m.publishTo(ctx, target, events); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Monitor) publishTo(ctx context.Context, targetURL string, events []*nostr.Event) error {
	network := models.DetectNetwork(models.HostOf(targetURL))
	targetRelay := models.Relay{URL: targetURL, Network: network}

	client, err := transport.Dial(ctx, targetRelay, m.cfg.Proxies, m.cfg.Timeouts)
	if err != nil {
		return err
	}
	defer client.Close()

	timeout := m.cfg.Timeouts.For(network)
	for _, ev := range events {
		accepted, msg, err := client.PublishAndAwaitOK(ctx, ev, timeout)
		if err != nil {
			return err
		}
		if !accepted {
			return errs.New(errs.KindProtocol, targetURL, fmt.Errorf("publish rejected: %s", msg))
		}
	}
	return nil
}
