package transport

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Client-to-relay message constructors.

func EncodeEvent(ev *nostr.Event) ([]byte, error) {
	return json.Marshal([]any{"EVENT", ev})
}

func EncodeReq(subID string, filters ...nostr.Filter) ([]byte, error) {
	arr := make([]any, 0, len(filters)+2)
	arr = append(arr, "REQ", subID)
	for _, f := range filters {
		arr = append(arr, f)
	}
	return json.Marshal(arr)
}

func EncodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{"CLOSE", subID})
}

func EncodeAuth(ev *nostr.Event) ([]byte, error) {
	return json.Marshal([]any{"AUTH", ev})
}

func EncodeCount(subID string, filter nostr.Filter) ([]byte, error) {
	return json.Marshal([]any{"COUNT", subID, filter})
}

// ServerMessage is a parsed relay-to-client message.
type ServerMessage struct {
	Label     string
	SubID     string
	Event     *nostr.Event
	OKEventID string
	OKAccepted bool
	OKMessage string
	Notice    string
	Challenge string
}

// DecodeServerMessage parses one newline-framed JSON array text frame
// into a typed ServerMessage. Malformed frames return a protocol
// error: drop the frame, count it, continue.
func DecodeServerMessage(raw []byte) (*ServerMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if len(arr) < 1 {
		return nil, fmt.Errorf("empty message array")
	}
	var label string
	if err := json.Unmarshal(arr[0], &label); err != nil {
		return nil, fmt.Errorf("missing message label: %w", err)
	}

	msg := &ServerMessage{Label: label}
	switch label {
	case "EVENT":
		if len(arr) != 3 {
			return nil, fmt.Errorf("EVENT: expected 3 elements, got %d", len(arr))
		}
		if err := json.Unmarshal(arr[1], &msg.SubID); err != nil {
			return nil, fmt.Errorf("EVENT: bad sub_id: %w", err)
		}
		var ev nostr.Event
		if err := json.Unmarshal(arr[2], &ev); err != nil {
			return nil, fmt.Errorf("EVENT: bad event: %w", err)
		}
		msg.Event = &ev
	case "OK":
		if len(arr) != 4 {
			return nil, fmt.Errorf("OK: expected 4 elements, got %d", len(arr))
		}
		if err := json.Unmarshal(arr[1], &msg.OKEventID); err != nil {
			return nil, fmt.Errorf("OK: bad event id: %w", err)
		}
		if err := json.Unmarshal(arr[2], &msg.OKAccepted); err != nil {
			return nil, fmt.Errorf("OK: bad accepted flag: %w", err)
		}
		if err := json.Unmarshal(arr[3], &msg.OKMessage); err != nil {
			return nil, fmt.Errorf("OK: bad message: %w", err)
		}
	case "EOSE":
		if len(arr) != 2 {
			return nil, fmt.Errorf("EOSE: expected 2 elements, got %d", len(arr))
		}
		if err := json.Unmarshal(arr[1], &msg.SubID); err != nil {
			return nil, fmt.Errorf("EOSE: bad sub_id: %w", err)
		}
	case "CLOSED":
		if len(arr) != 3 {
			return nil, fmt.Errorf("CLOSED: expected 3 elements, got %d", len(arr))
		}
		if err := json.Unmarshal(arr[1], &msg.SubID); err != nil {
			return nil, fmt.Errorf("CLOSED: bad sub_id: %w", err)
		}
		if err := json.Unmarshal(arr[2], &msg.OKMessage); err != nil {
			return nil, fmt.Errorf("CLOSED: bad message: %w", err)
		}
	case "NOTICE":
		if len(arr) != 2 {
			return nil, fmt.Errorf("NOTICE: expected 2 elements, got %d", len(arr))
		}
		if err := json.Unmarshal(arr[1], &msg.Notice); err != nil {
			return nil, fmt.Errorf("NOTICE: bad message: %w", err)
		}
	case "AUTH":
		if len(arr) != 2 {
			return nil, fmt.Errorf("AUTH: expected 2 elements, got %d", len(arr))
		}
		if err := json.Unmarshal(arr[1], &msg.Challenge); err != nil {
			return nil, fmt.Errorf("AUTH: bad challenge: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown message label %q", label)
	}
	return msg, nil
}

// ValidateEvent recomputes the event id from the canonical
// [0, pubkey, created_at, kind, tags, content] tuple and verifies the
// Schnorr signature. Both checks go through nbd-wtf/go-nostr.
func ValidateEvent(ev *nostr.Event) error {
	ok, err := ev.CheckSignature()
	if err != nil {
		return fmt.Errorf("signature check error: %w", err)
	}
	if !ok {
		return fmt.Errorf("invalid signature for event %s", ev.ID)
	}
	if ev.GetID() != ev.ID {
		return fmt.Errorf("id mismatch: computed %s, stored %s", ev.GetID(), ev.ID)
	}
	return nil
}
