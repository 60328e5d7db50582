// Package pattern derives and maintains the control points of a trip pattern
// and keeps halt distances consistent with the pattern shape.
package pattern

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"gtfs-pattern-editor/internal/geom"
	"gtfs-pattern-editor/internal/gtfs"
)

var (
	ErrIndexOutOfRange       = errors.New("control point index out of range")
	ErrPermanentControlPoint = errors.New("control point belongs to a halt")
	ErrDistanceOutOfOrder    = errors.New("distance does not fit between neighbouring control points")
	ErrNoControlPoints       = errors.New("no control points")
)

// distances closer than this are treated as the same position on the shape
const distanceTolerance = 1e-6

func newControlPoint(shape orb.LineString, d float64) gtfs.ControlPoint {
	return gtfs.ControlPoint{
		ID:       uuid.NewString(),
		Distance: d,
		Point:    geom.PointAtDistance(shape, d),
	}
}

// DeriveControlPoints builds the control points for p: one permanent point per
// halt at its shapeDistTraveled, followed by a free point halfway to the next
// halt (or at the end of the shape after the last halt). Halt points are
// hidden when snapToStops is set since they follow their stops.
//
// A pattern without halts gets free points at both ends of its shape.
func DeriveControlPoints(p gtfs.Pattern, snapToStops bool) []gtfs.ControlPoint {
	if len(p.Shape) == 0 {
		return nil
	}
	total := geom.TotalLength(p.Shape)

	if len(p.Halts) == 0 {
		cps := []gtfs.ControlPoint{newControlPoint(p.Shape, 0)}
		if total > distanceTolerance {
			cps = append(cps, newControlPoint(p.Shape, total))
		}
		return cps
	}

	cps := make([]gtfs.ControlPoint, 0, 2*len(p.Halts))
	for i, h := range p.Halts {
		d := clamp(h.ShapeDistTraveled(), 0, total)
		cp := newControlPoint(p.Shape, d)
		cp.Permanent = true
		cp.HaltID = h.ID()
		cp.Hidden = snapToStops
		cps = append(cps, cp)

		var mid float64
		var upper float64
		if i < len(p.Halts)-1 {
			upper = clamp(p.Halts[i+1].ShapeDistTraveled(), 0, total)
			mid = (d + upper) / 2
		} else {
			upper = math.Inf(1)
			mid = total
		}
		if mid-d > distanceTolerance && upper-mid > distanceTolerance {
			cps = append(cps, newControlPoint(p.Shape, mid))
		}
	}
	sort.SliceStable(cps, func(i, j int) bool { return cps[i].Distance < cps[j].Distance })
	return cps
}

// CheckOrder returns an error unless cps is non-empty and sorted by distance.
func CheckOrder(cps []gtfs.ControlPoint) error {
	if len(cps) == 0 {
		return ErrNoControlPoints
	}
	for i := 1; i < len(cps); i++ {
		if cps[i].Distance < cps[i-1].Distance {
			return fmt.Errorf("control point %d at %.2fm before %.2fm: %w", i, cps[i].Distance, cps[i-1].Distance, ErrDistanceOutOfOrder)
		}
	}
	return nil
}

// InsertControlPoint adds a free control point after afterIndex (-1 inserts
// at the start). Away from the open ends the distance must lie strictly
// between the surrounding permanent control points. On error cps is returned
// unchanged.
func InsertControlPoint(cps []gtfs.ControlPoint, afterIndex int, point orb.Point, distance float64) ([]gtfs.ControlPoint, error) {
	if afterIndex < -1 || afterIndex >= len(cps) {
		return cps, fmt.Errorf("insert after %d of %d: %w", afterIndex, len(cps), ErrIndexOutOfRange)
	}
	pos := afterIndex + 1
	switch {
	case pos == 0 && len(cps) > 0:
		if distance > cps[0].Distance {
			return cps, fmt.Errorf("insert at start at %.2fm: %w", distance, ErrDistanceOutOfOrder)
		}
	case pos == len(cps) && len(cps) > 0:
		if distance < cps[len(cps)-1].Distance {
			return cps, fmt.Errorf("insert at end at %.2fm: %w", distance, ErrDistanceOutOfOrder)
		}
	case pos > 0 && pos < len(cps):
		if distance < cps[afterIndex].Distance || distance > cps[pos].Distance {
			return cps, fmt.Errorf("insert at %.2fm between %.2fm and %.2fm: %w", distance, cps[afterIndex].Distance, cps[pos].Distance, ErrDistanceOutOfOrder)
		}
		lower, upper := math.Inf(-1), math.Inf(1)
		for i := afterIndex; i >= 0; i-- {
			if cps[i].Permanent {
				lower = cps[i].Distance
				break
			}
		}
		for i := pos; i < len(cps); i++ {
			if cps[i].Permanent {
				upper = cps[i].Distance
				break
			}
		}
		if distance <= lower || distance >= upper {
			return cps, fmt.Errorf("insert at %.2fm outside halts %.2fm..%.2fm: %w", distance, lower, upper, ErrDistanceOutOfOrder)
		}
	}

	out := make([]gtfs.ControlPoint, 0, len(cps)+1)
	out = append(out, cps[:pos]...)
	out = append(out, gtfs.ControlPoint{ID: uuid.NewString(), Distance: distance, Point: point})
	out = append(out, cps[pos:]...)
	return out, nil
}

// MoveControlPoint returns a copy of cps with the point at index moved.
// The distance is left for the caller to recompute against the new shape.
func MoveControlPoint(cps []gtfs.ControlPoint, index int, point orb.Point) ([]gtfs.ControlPoint, error) {
	if index < 0 || index >= len(cps) {
		return cps, fmt.Errorf("move %d of %d: %w", index, len(cps), ErrIndexOutOfRange)
	}
	out := append([]gtfs.ControlPoint(nil), cps...)
	out[index].Point = point
	return out, nil
}

// RemoveControlPoint drops the control point at index. A permanent control
// point is only removed when confirmHaltRemoval is set; removing its halt is
// then up to the caller.
func RemoveControlPoint(cps []gtfs.ControlPoint, index int, confirmHaltRemoval bool) ([]gtfs.ControlPoint, error) {
	if index < 0 || index >= len(cps) {
		return cps, fmt.Errorf("remove %d of %d: %w", index, len(cps), ErrIndexOutOfRange)
	}
	if cps[index].Permanent && !confirmHaltRemoval {
		return cps, fmt.Errorf("remove %d (halt %s): %w", index, cps[index].HaltID, ErrPermanentControlPoint)
	}
	out := make([]gtfs.ControlPoint, 0, len(cps)-1)
	out = append(out, cps[:index]...)
	out = append(out, cps[index+1:]...)
	return out, nil
}

// ShiftDistances returns a copy of cps with delta added to every distance
// from index from onwards.
func ShiftDistances(cps []gtfs.ControlPoint, from int, delta float64) []gtfs.ControlPoint {
	out := append([]gtfs.ControlPoint(nil), cps...)
	for i := max(from, 0); i < len(out); i++ {
		out[i].Distance += delta
	}
	return out
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
