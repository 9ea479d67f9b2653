package transport

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/errs"
	"github.com/bigbrotr/bigbrotr/internal/models"
)

// Client is a single-relay Nostr protocol connection. Unlike
// nbd-wtf/go-nostr's own Relay type, its dialer is selected per network
// at Dial time so SOCKS5 proxying can be injected for overlay
// networks.
type Client struct {
	conn    *websocket.Conn
	relay   models.Relay
	network models.Network
}

// Dial opens a WebSocket connection to relayURL, routing through the
// dialer appropriate for its network and bounding the handshake by
// timeouts.For(network).
func Dial(ctx context.Context, relay models.Relay, proxies ProxyConfig, timeouts NetworkTimeouts) (*Client, error) {
	dialer, err := DialerFor(relay.Network, proxies)
	if err != nil {
		return nil, errs.New(errs.KindPermanentNet, relay.URL, err)
	}

	timeout := timeouts.For(relay.Network)
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: dialer.DialContext,
		},
	}

	conn, _, err := websocket.Dial(dialCtx, relay.URL, &websocket.DialOptions{
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, classifyDialErr(relay, err)
	}
	conn.SetReadLimit(10 << 20) // 10MiB, generous for relay-info/event payloads

	return &Client{conn: conn, relay: relay, network: relay.Network}, nil
}

func classifyDialErr(relay models.Relay, err error) error {
	var netErr net.Error
	if e, ok := err.(net.Error); ok {
		netErr = e
	}
	if netErr != nil && netErr.Timeout() {
		return errs.New(errs.KindTransientNet, relay.URL, err)
	}
	// DNS resolution failures against overlay suffixes mean the address
	// is structurally unreachable without the right proxy configured;
	// against clearnet they are often transient resolver hiccups.
	if relay.Network.IsOverlay() {
		return errs.New(errs.KindPermanentNet, relay.URL, err)
	}
	return errs.New(errs.KindTransientNet, relay.URL, err)
}

// classifyIOErr wraps a read/write failure, preferring the cancellation
// kind when ctx was what actually ended the call — a shutdown signal
// tearing down an in-flight read must never surface as transient_net.
func classifyIOErr(ctx context.Context, target string, err error) error {
	if ctx.Err() != nil {
		return errs.New(errs.KindCancelled, target, ctx.Err())
	}
	return errs.New(errs.KindTransientNet, target, err)
}

// Close closes the connection with a normal-closure code.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "done")
}

func (c *Client) write(ctx context.Context, payload []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return classifyIOErr(ctx, c.relay.URL, err)
	}
	return nil
}

// ReadMessage blocks for the next frame and parses it into a
// ServerMessage. Malformed frames surface as a KindProtocol error and
// leave the connection readable; the read loops in this module
// (probeRead, PublishAndAwaitOK, the synchronizer's fetchWindow) return
// on that error rather than skipping the frame.
func (c *Client) ReadMessage(ctx context.Context) (*ServerMessage, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, classifyIOErr(ctx, c.relay.URL, err)
	}
	msg, err := DecodeServerMessage(data)
	if err != nil {
		return nil, errs.New(errs.KindProtocol, c.relay.URL, err)
	}
	return msg, nil
}

// Subscribe sends a REQ for subID/filters.
func (c *Client) Subscribe(ctx context.Context, subID string, filters ...nostr.Filter) error {
	payload, err := EncodeReq(subID, filters...)
	if err != nil {
		return err
	}
	return c.write(ctx, payload)
}

// CloseSubscription sends a CLOSE for subID.
func (c *Client) CloseSubscription(ctx context.Context, subID string) error {
	payload, err := EncodeClose(subID)
	if err != nil {
		return err
	}
	return c.write(ctx, payload)
}

// PublishAndAwaitOK sends EVENT and blocks for the matching OK response
// (or timeout), used by write_ok liveness probes and Monitor publishing.
func (c *Client) PublishAndAwaitOK(ctx context.Context, ev *nostr.Event, timeout time.Duration) (bool, string, error) {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return false, "", err
	}
	if err := c.write(ctx, payload); err != nil {
		return false, "", err
	}

	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		msg, err := c.ReadMessage(deadline)
		if err != nil {
			return false, "", err
		}
		if msg.Label == "OK" && msg.OKEventID == ev.ID {
			return msg.OKAccepted, msg.OKMessage, nil
		}
		// Ignore unrelated frames (other subs' EVENTs, NOTICE) while
		// waiting for our OK.
	}
}
