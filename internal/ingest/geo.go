package ingest

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/ignite/broadcast-engine/internal/domain"
)

// Locator maps an IP to a city-level location. A miss returns false and is
// not an error.
type Locator interface {
	Lookup(ip string) (domain.Geo, bool)
}

// NopLocator never finds anything. Used when no city database is configured.
type NopLocator struct{}

func (NopLocator) Lookup(string) (domain.Geo, bool) { return domain.Geo{}, false }

// GeoIPLocator reads a MaxMind GeoIP2/GeoLite2 City database.
type GeoIPLocator struct {
	db *geoip2.Reader
}

// OpenGeoIP opens the City database at path.
func OpenGeoIP(path string) (*GeoIPLocator, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip db: %w", err)
	}
	return &GeoIPLocator{db: db}, nil
}

func (l *GeoIPLocator) Lookup(ip string) (domain.Geo, bool) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return domain.Geo{}, false
	}
	rec, err := l.db.City(addr)
	if err != nil || rec == nil {
		return domain.Geo{}, false
	}
	if rec.Country.IsoCode == "" && rec.City.GeoNameID == 0 {
		return domain.Geo{}, false
	}

	var g domain.Geo
	if v := rec.Country.IsoCode; v != "" {
		g.Country = &v
	}
	if len(rec.Subdivisions) > 0 {
		if v := rec.Subdivisions[0].Names["en"]; v != "" {
			g.Region = &v
		}
	}
	if v := rec.City.Names["en"]; v != "" {
		g.City = &v
	}
	if rec.Location.Latitude != 0 || rec.Location.Longitude != 0 {
		lat, lon := rec.Location.Latitude, rec.Location.Longitude
		g.Latitude, g.Longitude = &lat, &lon
	}
	return g, true
}

func (l *GeoIPLocator) Close() error { return l.db.Close() }
