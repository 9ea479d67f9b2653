package models

// MetadataType enumerates the document kinds Monitor and NIP-11 fetches
// produce. PK on (id, type) lets identical bytes under different types
// coexist.
type MetadataType string

const (
	MetadataNIP11Info MetadataType = "nip11_info"
	MetadataNIP66RTT  MetadataType = "nip66_rtt"
	MetadataNIP66SSL  MetadataType = "nip66_ssl"
	MetadataNIP66GEO  MetadataType = "nip66_geo"
	MetadataNIP66NET  MetadataType = "nip66_net"
	MetadataNIP66DNS  MetadataType = "nip66_dns"
	MetadataNIP66HTTP MetadataType = "nip66_http"
)

// Metadata is a content-addressed JSON document: id is the SHA-256 of
// the document's canonical serialization, computed by the writer before
// insert.
type Metadata struct {
	ID   string // hex SHA-256
	Type MetadataType
	Data []byte // canonical JSON
}

// RelayMetadata links a Metadata row to the relay and instant it was
// observed. One type is recorded at most once per (relay, second).
type RelayMetadata struct {
	RelayURL     string
	GeneratedAt  int64
	MetadataType MetadataType
	MetadataID   string
}

// NIP66RTT is the payload shape for MetadataNIP66RTT: failed legs are
// left as nil so they serialize as JSON null.
type NIP66RTT struct {
	RTTDialMs  *int64 `json:"rtt_dial"`
	RTTReadMs  *int64 `json:"rtt_read"`
	RTTWriteMs *int64 `json:"rtt_write"`
}

// NIP66SSL is the payload shape for MetadataNIP66SSL.
type NIP66SSL struct {
	ExpiresAt int64    `json:"expires_at,omitempty"`
	Issuer    string   `json:"issuer,omitempty"`
	Subject   string   `json:"subject,omitempty"`
	SANs      []string `json:"sans,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// NIP66DNS is the payload shape for MetadataNIP66DNS.
type NIP66DNS struct {
	A     []string `json:"a,omitempty"`
	AAAA  []string `json:"aaaa,omitempty"`
	Error string   `json:"error,omitempty"`
}

// NIP66GEO is the payload shape for MetadataNIP66GEO.
type NIP66GEO struct {
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	ASN       int     `json:"asn,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// NIP66HTTP is the payload shape for MetadataNIP66HTTP.
type NIP66HTTP struct {
	StatusCode int               `json:"status_code,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// NIP66NET is the payload shape for MetadataNIP66NET: the connection-level
// facts of the dial itself, distinct from the raw NIP66DNS record set
// (which IP family was actually reached, and through which network).
type NIP66NET struct {
	Network    Network `json:"network,omitempty"`
	RemoteAddr string  `json:"remote_addr,omitempty"`
	IPv4       bool    `json:"ipv4,omitempty"`
	IPv6       bool    `json:"ipv6,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// NIP11Document is the relay-info document fetched over HTTP(S) with
// Accept: application/nostr+json.
type NIP11Document struct {
	Name           string   `json:"name,omitempty"`
	Description    string   `json:"description,omitempty"`
	Pubkey         string   `json:"pubkey,omitempty"`
	Contact        string   `json:"contact,omitempty"`
	SupportedNIPs  []int    `json:"supported_nips,omitempty"`
	Software       string   `json:"software,omitempty"`
	Version        string   `json:"version,omitempty"`
	Icon           string   `json:"icon,omitempty"`
	RelayCountries []string `json:"relay_countries,omitempty"`
}
