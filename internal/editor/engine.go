package editor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/paulmach/orb"

	"gtfs-pattern-editor/internal/geom"
	"gtfs-pattern-editor/internal/gtfs"
	"gtfs-pattern-editor/internal/pattern"
)

// ErrInvalidEdit marks a request that breaks the edit contract: an index out
// of range, unsorted control points, an invalid shape, or removing a halt's
// control point without confirmation. It is a caller bug, not a runtime
// condition.
var ErrInvalidEdit = errors.New("invalid edit")

// distances closer than this are treated as the same position on the shape
const distanceTolerance = 1e-6

// Router produces the polyline for the re-routed part of a shape.
type Router interface {
	Segment(ctx context.Context, points []orb.Point, followStreets, allowFallback bool) (orb.LineString, error)
}

// Metrics receives one observation per recalculation.
// outcome is one of "ok", "invalid" or "failed".
type Metrics interface {
	EditObserve(kind, outcome string, d time.Duration)
}

// Engine recalculates a pattern shape after a single control point edit.
// Only the span between the control points around the edit is re-routed; the
// rest of the shape is kept as it is. Engine holds no state between calls and
// never modifies its inputs.
type Engine struct {
	router  Router
	metrics Metrics
}

func NewEngine(router Router, m Metrics) *Engine {
	return &Engine{router: router, metrics: m}
}

type Request struct {
	Shape         orb.LineString
	ControlPoints []gtfs.ControlPoint
	// Halts, when set, are kept in step with the edit: a confirmed delete of a
	// halt control point drops the halt, and halt distances follow their
	// control points.
	Halts                []gtfs.PatternHalt
	Intent               Intent
	FollowStreets        bool
	StraightLineFallback bool
}

type Result struct {
	// Coordinates is nil when routing failed and no fallback was allowed.
	Coordinates   orb.LineString
	ControlPoints []gtfs.ControlPoint
	Halts         []gtfs.PatternHalt
}

// anchor is a fixed point on the existing shape bounding the edited span.
type anchor struct {
	point    orb.Point
	distance float64 // along the shape before the edit
	cpIndex  int     // index in the edited control point list, -1 for a shape end
}

// Recalculate applies req.Intent. On ErrInvalidEdit the inputs are returned
// unchanged. When routing fails without fallback the result has nil
// Coordinates, unchanged control points and an error wrapping
// routing.ErrNoRoute.
func (e *Engine) Recalculate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := e.recalculate(ctx, req)
	if errors.Is(err, ErrInvalidEdit) {
		log.Printf("edit rejected: %v", err)
	}

	if e.metrics != nil {
		kind := "unknown"
		if req.Intent != nil {
			kind = req.Intent.Kind()
		}
		outcome := "ok"
		switch {
		case errors.Is(err, ErrInvalidEdit):
			outcome = "invalid"
		case err != nil:
			outcome = "failed"
		}
		e.metrics.EditObserve(kind, outcome, time.Since(start))
	}
	return res, err
}

func (e *Engine) recalculate(ctx context.Context, req Request) (Result, error) {
	unchanged := Result{Coordinates: req.Shape, ControlPoints: req.ControlPoints, Halts: req.Halts}
	if req.Intent == nil {
		return unchanged, fmt.Errorf("%w: no intent", ErrInvalidEdit)
	}
	if err := pattern.CheckOrder(req.ControlPoints); err != nil {
		return unchanged, fmt.Errorf("%w: %w", ErrInvalidEdit, err)
	}
	if !geom.ValidLine(req.Shape) {
		return unchanged, fmt.Errorf("%w: shape has invalid coordinates", ErrInvalidEdit)
	}

	shape := req.Shape
	total := geom.TotalLength(shape)
	old := req.ControlPoints
	idx := req.Intent.index()
	halts := req.Halts

	var (
		cps      []gtfs.ControlPoint
		newPoint *orb.Point
		err      error
	)
	switch in := req.Intent.(type) {
	case Insert:
		if idx < 0 || idx > len(old) {
			return unchanged, fmt.Errorf("%w: insert at %d of %d: %w", ErrInvalidEdit, idx, len(old), pattern.ErrIndexOutOfRange)
		}
		cps, err = pattern.InsertControlPoint(old, idx-1, in.Point, provisionalDistance(old, idx))
		newPoint = &in.Point
	case Update:
		cps, err = pattern.MoveControlPoint(old, idx, in.Point)
		newPoint = &in.Point
	case Delete:
		cps, err = pattern.RemoveControlPoint(old, idx, in.RemoveHalt)
		if err == nil && old[idx].Permanent {
			halts = pattern.RemoveHalt(halts, pattern.HaltIndex(halts, old, idx))
		}
	default:
		return unchanged, fmt.Errorf("%w: unsupported intent %T", ErrInvalidEdit, req.Intent)
	}
	if err != nil {
		return unchanged, fmt.Errorf("%w: %w", ErrInvalidEdit, err)
	}

	prev, next := anchors(shape, total, old, cps, idx, newPoint != nil)

	var prefix, suffix orb.LineString
	if prev != nil {
		prefix = geom.SliceBetweenDistances(shape, 0, prev.distance)
	}
	if next != nil {
		suffix = geom.SliceBetweenDistances(shape, next.distance, total)
	}

	var waypoints []orb.Point
	if prev != nil {
		waypoints = append(waypoints, prev.point)
	}
	if newPoint != nil {
		waypoints = append(waypoints, *newPoint)
	}
	if next != nil {
		waypoints = append(waypoints, next.point)
	}

	var middle orb.LineString
	switch {
	case newPoint == nil && prev == nil && next == nil:
		// the only control point of a zero length shape
		return Result{
			Coordinates:   append(orb.LineString(nil), shape...),
			ControlPoints: cps,
			Halts:         halts,
		}, nil
	case newPoint == nil && (prev == nil || next == nil):
		// deleting an end of the shape leaves nothing to reconnect
	case len(waypoints) == 1:
		middle = orb.LineString{waypoints[0]}
	default:
		middle, err = e.router.Segment(ctx, waypoints, req.FollowStreets, req.StraightLineFallback)
		if err != nil {
			return Result{ControlPoints: req.ControlPoints, Halts: req.Halts}, fmt.Errorf("%s control point %d: %w", req.Intent.Kind(), idx, err)
		}
	}

	coords, midStart, midEnd, nextAt := splice(prefix, middle, suffix)
	cum := geom.CumDistances(coords)

	out := append([]gtfs.ControlPoint(nil), cps...)
	if newPoint != nil {
		lo := 0.0
		if prev != nil {
			lo = cum[midStart]
		}
		hi := cum[len(cum)-1]
		if next != nil {
			hi = cum[nextAt]
		}
		d := cum[midStart] + geom.DistanceAlong(coords[midStart:midEnd+1], *newPoint)
		out[idx].Distance = min(max(d, lo), hi)
	}
	if next != nil && next.cpIndex >= 0 {
		out = pattern.ShiftDistances(out, next.cpIndex, cum[nextAt]-next.distance)
	}

	return Result{
		Coordinates:   coords,
		ControlPoints: out,
		Halts:         pattern.SyncHaltDistances(halts, out),
	}, nil
}

// anchors finds the fixed points around the edit. Neighbouring control points
// come first. A delete of the first (or last) control point that sits inside
// the shape falls back to the shape's own end so the unanchored part of the
// shape is reconnected rather than dropped. An inserted or moved point with no
// neighbour on one side becomes the new end of the shape on that side.
func anchors(shape orb.LineString, total float64, old, cps []gtfs.ControlPoint, pos int, hasPoint bool) (prev, next *anchor) {
	if pos > 0 {
		prev = &anchor{point: cps[pos-1].Point, distance: cps[pos-1].Distance, cpIndex: pos - 1}
	} else if !hasPoint && old[0].Distance > distanceTolerance {
		prev = &anchor{point: shape[0], distance: 0, cpIndex: -1}
	}

	nextIdx := pos
	if hasPoint {
		nextIdx = pos + 1
	}
	if nextIdx < len(cps) {
		next = &anchor{point: cps[nextIdx].Point, distance: cps[nextIdx].Distance, cpIndex: nextIdx}
	} else if !hasPoint && total-old[len(old)-1].Distance > distanceTolerance {
		next = &anchor{point: shape[len(shape)-1], distance: total, cpIndex: -1}
	}
	return prev, next
}

// provisionalDistance places an inserted control point between its
// neighbours until the new shape gives it a real distance.
func provisionalDistance(cps []gtfs.ControlPoint, idx int) float64 {
	switch {
	case idx <= 0:
		return cps[0].Distance
	case idx >= len(cps):
		return cps[len(cps)-1].Distance
	default:
		return (cps[idx-1].Distance + cps[idx].Distance) / 2
	}
}

// splice joins the kept prefix, the routed middle and the kept suffix. Joint
// points repeated across parts are kept once, preferring the middle's copy
// since it carries the exact anchor. It returns the index range of the middle
// in coords and the index at which the next anchor ended up.
func splice(prefix, middle, suffix orb.LineString) (coords orb.LineString, midStart, midEnd, nextAt int) {
	coords = make(orb.LineString, 0, len(prefix)+len(middle)+len(suffix))
	coords = append(coords, prefix...)
	if len(middle) > 0 {
		if len(coords) > 0 && geom.SamePoint(coords[len(coords)-1], middle[0]) {
			coords = coords[:len(coords)-1]
		}
		midStart = len(coords)
		coords = append(coords, middle...)
		midEnd = len(coords) - 1
	} else {
		midStart = max(len(coords)-1, 0)
		midEnd = midStart
	}

	nextAt = len(coords)
	if len(suffix) > 0 && len(coords) > 0 && geom.SamePoint(coords[len(coords)-1], suffix[0]) {
		suffix = suffix[1:]
		nextAt = len(coords) - 1
	}
	coords = append(coords, suffix...)
	if nextAt >= len(coords) {
		nextAt = len(coords) - 1
	}
	return coords, midStart, midEnd, nextAt
}
