package monitor

import (
	"net"

	"github.com/oschwald/maxminddb-golang"

	"github.com/bigbrotr/bigbrotr/internal/models"
)

// GeoLookup resolves an IP to coarse geolocation data. The lookup
// engine (a MaxMind-style database) stays behind this interface, so
// Monitor never depends on a concrete provider.
type GeoLookup interface {
	Lookup(ip net.IP) (models.NIP66GEO, error)
}

// maxmindGeoLookup implements GeoLookup over a local MaxMind
// GeoLite2-City database file, the conventional format for self-hosted
// IP geolocation.
type maxmindGeoLookup struct {
	db *maxminddb.Reader
}

// geoRecord mirrors the subset of GeoLite2-City's schema Monitor needs.
type geoRecord struct {
	Country struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
	Traits struct {
		AutonomousSystemNumber int `maxminddb:"autonomous_system_number"`
	} `maxminddb:"traits"`
}

// NewGeoLookup opens the MaxMind database at path. An empty path yields
// a nil GeoLookup: checkGEO then records an explicit "no geo database
// configured" result rather than failing the cycle, since a missing
// database is a config choice, not an infrastructural failure.
func NewGeoLookup(path string) (GeoLookup, error) {
	if path == "" {
		return nil, nil
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &maxmindGeoLookup{db: db}, nil
}

func (g *maxmindGeoLookup) Lookup(ip net.IP) (models.NIP66GEO, error) {
	var rec geoRecord
	if err := g.db.Lookup(ip, &rec); err != nil {
		return models.NIP66GEO{}, err
	}
	return models.NIP66GEO{
		Country:   rec.Country.Names["en"],
		City:      rec.City.Names["en"],
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
		ASN:       rec.Traits.AutonomousSystemNumber,
	}, nil
}
