package models

// Relay is the identity of a discovered endpoint that has passed at
// least one successful validation. Discovery-only URLs live in
// ServiceState, not here.
type Relay struct {
	URL          string
	Network      Network
	DiscoveredAt int64 // unix seconds, never updated after insert
}

// NewRelay constructs a Relay from an already-normalized URL, detecting
// its network once at construction time.
func NewRelay(normalizedURL string, discoveredAt int64) Relay {
	return Relay{
		URL:          normalizedURL,
		Network:      DetectNetwork(HostOf(normalizedURL)),
		DiscoveredAt: discoveredAt,
	}
}
