// Package geom holds the stateless line measuring and slicing helpers used by
// pattern shape editing. Coordinates are orb points in [lon, lat] order and all
// distances are meters along the line.
//
// None of these functions fail: degenerate input yields zero distances or
// empty lines so that callers can decide how to continue.
package geom

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Epsilon is the coordinate tolerance, in degrees, under which two points are
// considered the same.
const Epsilon = 1e-6

const earthRadiusMeters = 6371000.0

// Distance returns the haversine distance in meters between two points.
func Distance(a, b orb.Point) float64 {
	return geo.DistanceHaversine(a, b)
}

// SamePoint reports whether a and b differ by no more than Epsilon on both axes.
func SamePoint(a, b orb.Point) bool {
	return math.Abs(a[0]-b[0]) <= Epsilon && math.Abs(a[1]-b[1]) <= Epsilon
}

// CumDistances returns the cumulative distance at every vertex of line.
func CumDistances(line orb.LineString) []float64 {
	n := len(line)
	if n == 0 {
		return nil
	}
	cum := make([]float64, n)
	sum := 0.0
	for i := 1; i < n; i++ {
		sum += Distance(line[i-1], line[i])
		cum[i] = sum
	}
	return cum
}

// TotalLength returns the length of line in meters.
func TotalLength(line orb.LineString) float64 {
	cum := CumDistances(line)
	if len(cum) == 0 {
		return 0
	}
	return cum[len(cum)-1]
}

// DistanceAlong projects p onto line and returns the distance from the start
// of the line to the projection. Zero-length and single-point lines yield 0.
func DistanceAlong(line orb.LineString, p orb.Point) float64 {
	return DistanceAlongInRange(line, p, 0, math.Inf(1))
}

// DistanceAlongInRange is DistanceAlong restricted to the part of the line
// between minDist and maxDist. It is used where the answer must stay ordered
// relative to neighbouring points, such as halts on a shape that loops back
// on itself.
func DistanceAlongInRange(line orb.LineString, p orb.Point, minDist, maxDist float64) float64 {
	n := len(line)
	if n < 2 {
		return 0
	}
	cum := CumDistances(line)
	if cum[n-1] == 0 {
		return 0
	}
	if minDist > maxDist {
		minDist, maxDist = maxDist, minDist
	}
	minDist = clamp(minDist, 0, cum[n-1])
	maxDist = clamp(maxDist, 0, cum[n-1])

	// Equirectangular projection around p; lon scale ~ cos(lat0).
	cosLat0 := math.Cos(p.Lat() * math.Pi / 180)
	toXY := func(q orb.Point) (x, y float64) {
		y = (q.Lat() - p.Lat()) * math.Pi / 180 * earthRadiusMeters
		x = (q.Lon() - p.Lon()) * math.Pi / 180 * earthRadiusMeters * cosLat0
		return
	}

	bestDist2 := math.MaxFloat64
	bestAlong := minDist
	for i := 1; i < n; i++ {
		if cum[i] < minDist || cum[i-1] > maxDist {
			continue
		}
		x0, y0 := toXY(line[i-1])
		x1, y1 := toXY(line[i])
		dx := x1 - x0
		dy := y1 - y0
		segLen2 := dx*dx + dy*dy
		t := 0.0
		if segLen2 > 0 {
			t = clamp(-(x0*dx+y0*dy)/segLen2, 0, 1)
		}
		seg := cum[i] - cum[i-1]
		along := cum[i-1] + t*seg
		if along < minDist || along > maxDist {
			along = clamp(along, minDist, maxDist)
			if seg > 0 {
				t = (along - cum[i-1]) / seg
			}
		}
		px := x0 + t*dx
		py := y0 + t*dy
		d2 := px*px + py*py
		if d2 < bestDist2 {
			bestDist2 = d2
			bestAlong = along
		}
	}
	return bestAlong
}

// PointAtDistance returns the point d meters along line, clamped to the ends.
func PointAtDistance(line orb.LineString, d float64) orb.Point {
	n := len(line)
	if n == 0 {
		return orb.Point{}
	}
	cum := CumDistances(line)
	return pointAt(line, cum, d)
}

func pointAt(line orb.LineString, cum []float64, d float64) orb.Point {
	n := len(line)
	if d <= 0 || n == 1 {
		return line[0]
	}
	if d >= cum[n-1] {
		return line[n-1]
	}
	i := 1
	for i < n && cum[i] < d {
		i++
	}
	if cum[i] == d {
		return line[i]
	}
	d0, d1 := cum[i-1], cum[i]
	if d1 == d0 {
		return line[i-1]
	}
	frac := (d - d0) / (d1 - d0)
	p0, p1 := line[i-1], line[i]
	return orb.Point{
		p0[0] + (p1[0]-p0[0])*frac,
		p0[1] + (p1[1]-p0[1])*frac,
	}
}

// SliceBetweenDistances returns the part of line between start and end meters.
// The bounds are swapped when start > end and clamped to the line. A span that
// collapses to a single position yields a one point line. Slicing the whole
// line returns its coordinates unchanged.
func SliceBetweenDistances(line orb.LineString, start, end float64) orb.LineString {
	n := len(line)
	if n == 0 {
		return nil
	}
	if start > end {
		start, end = end, start
	}
	cum := CumDistances(line)
	total := cum[n-1]
	start = clamp(start, 0, total)
	end = clamp(end, 0, total)

	first := pointAt(line, cum, start)
	if end == start {
		return orb.LineString{first}
	}
	out := orb.LineString{first}
	if start == 0 {
		// repeated leading vertices
		for i := 1; i < n && cum[i] == 0; i++ {
			out = append(out, line[i])
		}
	}
	for i := 0; i < n; i++ {
		if cum[i] > start && cum[i] < end {
			out = append(out, line[i])
		}
	}
	if end == total {
		j := n - 1
		for j > 1 && cum[j-1] == total {
			j--
		}
		return append(out, line[j:]...)
	}
	last := pointAt(line, cum, end)
	if !SamePoint(out[len(out)-1], last) || len(out) == 1 {
		out = append(out, last)
	}
	return out
}

// Concat joins lines in order, dropping a joint point when it repeats the last
// point of the previous part.
func Concat(parts ...orb.LineString) orb.LineString {
	var out orb.LineString
	for _, part := range parts {
		for i, p := range part {
			if i == 0 && len(out) > 0 && SamePoint(out[len(out)-1], p) {
				// keep the later point: it is the exact anchor of the new part
				out[len(out)-1] = p
				continue
			}
			out = append(out, p)
		}
	}
	return out
}

// StraightLine returns the polyline through points.
func StraightLine(points []orb.Point) orb.LineString {
	return Concat(orb.LineString(points))
}

// ValidCoordinates reports whether coords is a non-empty list of [lon, lat]
// positions with finite values inside the WGS84 range.
func ValidCoordinates(coords [][]float64) bool {
	if len(coords) == 0 {
		return false
	}
	for _, c := range coords {
		if len(c) < 2 || !validLonLat(c[0], c[1]) {
			return false
		}
	}
	return true
}

// ValidLine is ValidCoordinates for an orb line.
func ValidLine(line orb.LineString) bool {
	if len(line) == 0 {
		return false
	}
	for _, p := range line {
		if !validLonLat(p[0], p[1]) {
			return false
		}
	}
	return true
}

func validLonLat(lon, lat float64) bool {
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}

func clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
