package pattern

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/tidwall/rtree"

	"gtfs-pattern-editor/internal/geom"
	"gtfs-pattern-editor/internal/gtfs"
)

const metersPerDegreeLat = 111320.0

// StopIndex is a spatial index over halt positions used to snap dragged
// points onto nearby stops.
type StopIndex struct {
	tree rtree.RTree
	size int
}

func NewStopIndex(halts []gtfs.PatternHalt) *StopIndex {
	idx := &StopIndex{}
	for _, h := range halts {
		p := h.Position()
		// For points, min and max are the same [lon, lat]
		idx.tree.Insert([2]float64{p.Lon(), p.Lat()}, [2]float64{p.Lon(), p.Lat()}, h)
		idx.size++
	}
	return idx
}

func (s *StopIndex) Len() int {
	if s == nil {
		return 0
	}
	return s.size
}

// Nearest returns the halt closest to p within radiusMeters.
func (s *StopIndex) Nearest(p orb.Point, radiusMeters float64) (gtfs.PatternHalt, bool) {
	if s == nil || s.size == 0 || radiusMeters <= 0 {
		return nil, false
	}
	dLat := radiusMeters / metersPerDegreeLat
	cosLat := math.Cos(p.Lat() * math.Pi / 180)
	dLon := 180.0
	if cosLat > 1e-9 {
		dLon = math.Min(dLat/cosLat, 180)
	}

	var best gtfs.PatternHalt
	bestDist := math.MaxFloat64
	s.tree.Search(
		[2]float64{p.Lon() - dLon, p.Lat() - dLat},
		[2]float64{p.Lon() + dLon, p.Lat() + dLat},
		func(min, max [2]float64, data interface{}) bool {
			h, ok := data.(gtfs.PatternHalt)
			if !ok {
				return true
			}
			if d := geom.Distance(p, h.Position()); d <= radiusMeters && d < bestDist {
				best, bestDist = h, d
			}
			return true
		},
	)
	return best, best != nil
}

// Snap returns the position of the nearest halt within radiusMeters, or p.
func (s *StopIndex) Snap(p orb.Point, radiusMeters float64) orb.Point {
	if h, ok := s.Nearest(p, radiusMeters); ok {
		return h.Position()
	}
	return p
}
