// Package geofence resolves a position to a surge zone or polygon boundary.
package geofence

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"

	"github.com/mikeyg42/dashcam/internal/config"
)

// SurgeZone is a circular area around a point.
type SurgeZone struct {
	ID           string
	Center       orb.Point // lon, lat
	RadiusMeters float64
	Enabled      bool
}

// Boundary is a polygon area. Forbidden and excluded boundaries suppress
// recording.
type Boundary struct {
	ID        string
	Polygon   orb.Polygon
	Forbidden bool
	Excluded  bool
}

// Set holds the configured zones and boundaries. It is immutable after
// construction and safe for concurrent use.
type Set struct {
	zones      []SurgeZone
	boundaries []Boundary
}

// New builds a Set. Boundaries with fewer than three points are rejected.
func New(zones []SurgeZone, boundaries []Boundary) (*Set, error) {
	for _, b := range boundaries {
		if len(b.Polygon) == 0 || len(b.Polygon[0]) < 3 {
			return nil, fmt.Errorf("boundary %q needs at least 3 points", b.ID)
		}
	}
	return &Set{zones: zones, boundaries: boundaries}, nil
}

// FromConfig builds a Set from telemetry configuration.
func FromConfig(cfg config.TelemetryConfig) (*Set, error) {
	zones := make([]SurgeZone, 0, len(cfg.SurgeZones))
	for _, z := range cfg.SurgeZones {
		zones = append(zones, SurgeZone{
			ID:           z.ID,
			Center:       orb.Point{z.Lon, z.Lat},
			RadiusMeters: z.RadiusMeters,
			Enabled:      z.Enabled,
		})
	}
	bounds := make([]Boundary, 0, len(cfg.Boundaries))
	for _, a := range cfg.Boundaries {
		if len(a.Ring) < 3 {
			return nil, fmt.Errorf("boundary %q needs at least 3 points", a.ID)
		}
		ring := make(orb.Ring, 0, len(a.Ring)+1)
		for _, p := range a.Ring {
			ring = append(ring, orb.Point{p[0], p[1]})
		}
		if !ring.Closed() {
			ring = append(ring, ring[0])
		}
		bounds = append(bounds, Boundary{ID: a.ID, Polygon: orb.Polygon{ring}, Forbidden: a.Forbidden, Excluded: a.Excluded})
	}
	return New(zones, bounds)
}

// Resolve returns the nearest enabled surge zone containing the point, or
// failing that the first non-excluded boundary containing it.
func (s *Set) Resolve(lat, lon float64) (string, bool) {
	if s == nil || !validCoord(lat, lon) {
		return "", false
	}
	p := orb.Point{lon, lat}

	best, bestDist := "", math.Inf(1)
	for _, z := range s.zones {
		if !z.Enabled {
			continue
		}
		d := geo.DistanceHaversine(p, z.Center)
		if d <= z.RadiusMeters && d < bestDist {
			best, bestDist = z.ID, d
		}
	}
	if best != "" {
		return best, true
	}

	for _, b := range s.boundaries {
		if b.Excluded {
			continue
		}
		if planar.PolygonContains(b.Polygon, p) {
			return b.ID, true
		}
	}
	return "", false
}

// InForbidden reports whether the point lies inside a forbidden boundary.
func (s *Set) InForbidden(lat, lon float64) bool {
	if s == nil || !validCoord(lat, lon) {
		return false
	}
	p := orb.Point{lon, lat}
	for _, b := range s.boundaries {
		if b.Forbidden && planar.PolygonContains(b.Polygon, p) {
			return true
		}
	}
	return false
}

// OnExcludedPath reports whether the point lies on an excluded path.
func (s *Set) OnExcludedPath(lat, lon float64) bool {
	if s == nil || !validCoord(lat, lon) {
		return false
	}
	p := orb.Point{lon, lat}
	for _, b := range s.boundaries {
		if b.Excluded && planar.PolygonContains(b.Polygon, p) {
			return true
		}
	}
	return false
}

func validCoord(lat, lon float64) bool {
	return !math.IsNaN(lat) && !math.IsNaN(lon) && lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
