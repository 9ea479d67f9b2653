package models

import "unicode/utf8"

// Event is a fully validated Nostr event. Signature and id are
// verified by the transport layer before an Event value is ever
// constructed; this package only derives the pure, deterministic
// tagvalues projection.
type Event struct {
	ID        string // 32-byte hash, hex
	PubKey    string // 32-byte, hex
	CreatedAt int64  // unix seconds
	Kind      int
	Tags      [][]string
	Content   string
	Sig       string // 64 bytes, hex
}

// TagValues derives tagvalues from Tags: the second element of every
// inner tag array whose first element is a single character (the
// NIP-01 indexing convention), in order. Pure function of Tags; the
// in-process mirror of schema.go's event_tagvalues SQL function, which
// is what actually populates the stored column — kept in lockstep with
// it (character count via utf8.RuneCountInString, not byte length,
// since Postgres's length() on text is codepoints) so the two
// derivations can't silently diverge on a multi-byte tag name.
func (e Event) TagValues() []string {
	var out []string
	for _, tag := range e.Tags {
		if len(tag) < 2 {
			continue
		}
		if utf8.RuneCountInString(tag[0]) != 1 {
			continue
		}
		out = append(out, tag[1])
	}
	return out
}

// Kind categories, NIP-01 ranges.

func IsRegularKind(kind int) bool {
	switch {
	case kind == 1 || kind == 2:
		return true
	case kind >= 4 && kind <= 44:
		return true
	case kind >= 1000 && kind <= 9999:
		return true
	default:
		return false
	}
}

func IsReplaceableKind(kind int) bool {
	switch {
	case kind == 0 || kind == 3:
		return true
	case kind >= 10000 && kind <= 19999:
		return true
	default:
		return false
	}
}

func IsEphemeralKind(kind int) bool {
	return kind >= 20000 && kind <= 29999
}

func IsAddressableKind(kind int) bool {
	return kind >= 30000 && kind <= 39999
}

// DefaultSyncKindFilter reports whether kind is outside the ephemeral
// range (20000-29999); Synchronizer filters use this to exclude
// ephemeral kinds by default.
func DefaultSyncKindFilter(kind int) bool {
	return !IsEphemeralKind(kind)
}
