package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/loghive/loghive/pkg/models"
)

// geoRange maps one CIDR block to a location.
type geoRange struct {
	net *net.IPNet
	geo models.GeoInfo
}

// GeoDB is the in-memory IP→geo table. Lookups share the read lock;
// LoadCSV swaps the table atomically behind the mutex.
type GeoDB struct {
	mu     sync.RWMutex
	ranges []geoRange
}

// NewGeoDB returns a table seeded with the built-in well-known ranges.
func NewGeoDB() *GeoDB {
	db := &GeoDB{}
	db.ranges = builtinRanges()
	return db
}

// builtinRanges covers documentation and well-known public resolver blocks so
// a fresh install resolves something meaningful without an external dataset.
func builtinRanges() []geoRange {
	mk := func(cidr string, g models.GeoInfo) geoRange {
		_, n, _ := net.ParseCIDR(cidr)
		return geoRange{net: n, geo: g}
	}
	return []geoRange{
		mk("8.8.8.0/24", models.GeoInfo{Country: "US", Region: "CA", City: "Mountain View", Lat: 37.386, Lon: -122.084, TZ: "America/Los_Angeles"}),
		mk("1.1.1.0/24", models.GeoInfo{Country: "AU", Region: "NSW", City: "Sydney", Lat: -33.868, Lon: 151.209, TZ: "Australia/Sydney"}),
		mk("9.9.9.0/24", models.GeoInfo{Country: "US", Region: "CA", City: "Berkeley", Lat: 37.871, Lon: -122.272, TZ: "America/Los_Angeles"}),
	}
}

// LoadCSV replaces the table from a CSV of
// cidr,country,region,city,lat,lon,tz rows.
func (db *GeoDB) LoadCSV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open geo table: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 7

	var ranges []geoRange
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read geo table: %w", err)
		}
		_, n, err := net.ParseCIDR(rec[0])
		if err != nil {
			return fmt.Errorf("geo table cidr %q: %w", rec[0], err)
		}
		lat, _ := strconv.ParseFloat(rec[4], 64)
		lon, _ := strconv.ParseFloat(rec[5], 64)
		ranges = append(ranges, geoRange{net: n, geo: models.GeoInfo{
			Country: rec[1], Region: rec[2], City: rec[3], Lat: lat, Lon: lon, TZ: rec[6],
		}})
	}

	sort.Slice(ranges, func(i, j int) bool {
		oi, _ := ranges[i].net.Mask.Size()
		oj, _ := ranges[j].net.Mask.Size()
		return oi > oj // most specific first
	})

	db.mu.Lock()
	db.ranges = ranges
	db.mu.Unlock()
	return nil
}

// Lookup resolves ip, returning nil for private, loopback, link-local and
// IPv6-ULA addresses or when no range matches.
func (db *GeoDB) Lookup(ipStr string) *models.GeoInfo {
	ip := net.ParseIP(ipStr)
	if ip == nil || !isPublic(ip) {
		return nil
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	for i := range db.ranges {
		if db.ranges[i].net.Contains(ip) {
			g := db.ranges[i].geo
			return &g
		}
	}
	return nil
}

func isPublic(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return false
	}
	// IPv6 unique-local fc00::/7.
	if v6 := ip.To16(); v6 != nil && ip.To4() == nil && (v6[0]&0xfe) == 0xfc {
		return false
	}
	return true
}
