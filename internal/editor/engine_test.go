package editor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-pattern-editor/internal/geom"
	"gtfs-pattern-editor/internal/gtfs"
	"gtfs-pattern-editor/internal/pattern"
	"gtfs-pattern-editor/internal/routing"
)

type fakeDirections struct {
	line  orb.LineString
	err   error
	calls int
}

func (f *fakeDirections) Route(_ context.Context, _ []orb.Point) (orb.LineString, error) {
	f.calls++
	return f.line, f.err
}

type recordedEdits struct{ outcomes []string }

func (r *recordedEdits) EditObserve(kind, outcome string, _ time.Duration) {
	r.outcomes = append(r.outcomes, kind+":"+outcome)
}

func newTestEngine(dir routing.Directions, m Metrics) *Engine {
	return NewEngine(routing.NewClient(dir, time.Second, nil), m)
}

func free(line orb.LineString, d float64) gtfs.ControlPoint {
	return gtfs.ControlPoint{ID: "cp", Distance: d, Point: geom.PointAtDistance(line, d)}
}

func TestDeleteOnlyHaltControlPoint(t *testing.T) {
	shape := orb.LineString{{0, 0}, {0, 5}, {0, 10}}
	total := geom.TotalLength(shape)
	halts := []gtfs.PatternHalt{gtfs.StopHalt{StopID: "s1", Location: orb.Point{0, 5}, DistTraveled: total / 2}}
	cps := []gtfs.ControlPoint{{ID: "h", Distance: total / 2, Point: orb.Point{0, 5}, Permanent: true, HaltID: "s1"}}

	eng := newTestEngine(&fakeDirections{}, nil)
	res, err := eng.Recalculate(context.Background(), Request{
		Shape: shape, ControlPoints: cps, Halts: halts,
		Intent: Delete{Index: 0, RemoveHalt: true},
	})
	require.NoError(t, err)
	assert.Equal(t, orb.LineString{{0, 0}, {0, 10}}, res.Coordinates)
	assert.Empty(t, res.ControlPoints)
	assert.Empty(t, res.Halts)

	assert.Len(t, cps, 1, "input is not modified")
	assert.Len(t, halts, 1)
}

func TestDeleteHaltRequiresConfirmation(t *testing.T) {
	shape := orb.LineString{{0, 0}, {0, 10}}
	total := geom.TotalLength(shape)
	cps := []gtfs.ControlPoint{
		{ID: "h", Distance: 0, Point: orb.Point{0, 0}, Permanent: true, HaltID: "s1"},
		free(shape, total),
	}
	rec := &recordedEdits{}
	eng := newTestEngine(&fakeDirections{}, rec)

	res, err := eng.Recalculate(context.Background(), Request{Shape: shape, ControlPoints: cps, Intent: Delete{Index: 0}})
	assert.ErrorIs(t, err, ErrInvalidEdit)
	assert.Equal(t, shape, res.Coordinates)
	assert.Equal(t, cps, res.ControlPoints)
	assert.Equal(t, []string{"delete:invalid"}, rec.outcomes)
}

func TestInsertOffLinePoint(t *testing.T) {
	shape := orb.LineString{{0, 0}, {0, 10}}
	total := geom.TotalLength(shape)
	cps := []gtfs.ControlPoint{free(shape, 0), free(shape, total)}

	dir := &fakeDirections{}
	eng := newTestEngine(dir, nil)
	res, err := eng.Recalculate(context.Background(), Request{
		Shape: shape, ControlPoints: cps,
		Intent: Insert{Index: 1, Point: orb.Point{1, 5}},
	})
	require.NoError(t, err)
	assert.Zero(t, dir.calls, "straight lines do not call the router")
	assert.Equal(t, orb.LineString{{0, 0}, {1, 5}, {0, 10}}, res.Coordinates)

	leg1 := geom.Distance(orb.Point{0, 0}, orb.Point{1, 5})
	leg2 := geom.Distance(orb.Point{1, 5}, orb.Point{0, 10})
	require.Len(t, res.ControlPoints, 3)
	assert.Equal(t, 0.0, res.ControlPoints[0].Distance)
	assert.InDelta(t, leg1, res.ControlPoints[1].Distance, 1e-6)
	assert.InDelta(t, leg1+leg2, res.ControlPoints[2].Distance, 1e-6)
	assert.InDelta(t, geom.TotalLength(res.Coordinates), res.ControlPoints[2].Distance, 1e-6)
	assert.Equal(t, orb.Point{1, 5}, res.ControlPoints[1].Point)
	assert.NotEmpty(t, res.ControlPoints[1].ID)
}

func TestDeleteFirstThenInsertBack(t *testing.T) {
	shape := orb.LineString{{0, 0}, {0, 4}, {0, 10}}
	total := geom.TotalLength(shape)
	d4 := geom.Distance(orb.Point{0, 0}, orb.Point{0, 4})
	cps := []gtfs.ControlPoint{
		{ID: "a", Distance: 0, Point: orb.Point{0, 0}},
		{ID: "b", Distance: d4, Point: orb.Point{0, 4}},
		{ID: "c", Distance: total, Point: orb.Point{0, 10}},
	}
	dir := &fakeDirections{}
	eng := newTestEngine(dir, nil)
	ctx := context.Background()

	trimmed, err := eng.Recalculate(ctx, Request{Shape: shape, ControlPoints: cps, Intent: Delete{Index: 0}})
	require.NoError(t, err)
	assert.Equal(t, orb.LineString{{0, 4}, {0, 10}}, trimmed.Coordinates)
	require.Len(t, trimmed.ControlPoints, 2)
	assert.InDelta(t, 0, trimmed.ControlPoints[0].Distance, 1e-6)
	assert.InDelta(t, total-d4, trimmed.ControlPoints[1].Distance, 1e-6)

	restored, err := eng.Recalculate(ctx, Request{
		Shape: trimmed.Coordinates, ControlPoints: trimmed.ControlPoints,
		Intent: Insert{Index: 0, Point: orb.Point{0, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, shape, restored.Coordinates)
	require.Len(t, restored.ControlPoints, 3)
	for i, want := range []float64{0, d4, total} {
		assert.InDelta(t, want, restored.ControlPoints[i].Distance, 1e-6)
	}
	assert.Zero(t, dir.calls)
}

func TestDeleteLastTrimsSuffix(t *testing.T) {
	shape := orb.LineString{{0, 0}, {0, 4}, {0, 10}}
	total := geom.TotalLength(shape)
	d4 := geom.Distance(orb.Point{0, 0}, orb.Point{0, 4})
	cps := []gtfs.ControlPoint{free(shape, 0), free(shape, d4), free(shape, total)}

	res, err := newTestEngine(&fakeDirections{}, nil).Recalculate(context.Background(), Request{
		Shape: shape, ControlPoints: cps, Intent: Delete{Index: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, orb.LineString{{0, 0}, {0, 4}}, res.Coordinates)
	require.Len(t, res.ControlPoints, 2)
	assert.InDelta(t, d4, res.ControlPoints[1].Distance, 1e-6)
}

func TestInsertBeforeFirstHaltStartsShape(t *testing.T) {
	shape := orb.LineString{{0, 0}, {0, 10}}
	total := geom.TotalLength(shape)
	deg := geom.Distance(orb.Point{0, 0}, orb.Point{0, 1})
	halts := []gtfs.PatternHalt{
		gtfs.StopHalt{StopID: "a", Location: orb.Point{0, 2}, DistTraveled: total * 0.2},
		gtfs.StopHalt{StopID: "b", Location: orb.Point{0, 8}, DistTraveled: total * 0.8},
	}
	cps := pattern.DeriveControlPoints(gtfs.Pattern{Shape: shape, Halts: halts}, false)
	require.Len(t, cps, 4)
	require.Greater(t, cps[0].Distance, 0.0)

	dir := &fakeDirections{}
	res, err := newTestEngine(dir, nil).Recalculate(context.Background(), Request{
		Shape: shape, ControlPoints: cps, Halts: halts,
		Intent: Insert{Index: 0, Point: orb.Point{0, -1}},
	})
	require.NoError(t, err)
	assert.Zero(t, dir.calls)

	// the old head before the first halt is gone, no detour back to it
	require.Len(t, res.Coordinates, 3)
	for i, lat := range []float64{-1, 2, 10} {
		assert.InDelta(t, 0, res.Coordinates[i].Lon(), 1e-9)
		assert.InDelta(t, lat, res.Coordinates[i].Lat(), 1e-9)
	}

	require.Len(t, res.ControlPoints, 5)
	assert.Equal(t, orb.Point{0, -1}, res.ControlPoints[0].Point)
	for i, want := range []float64{0, 3, 6, 9, 11} {
		assert.InDelta(t, want*deg, res.ControlPoints[i].Distance, 1e-3)
	}
	require.Len(t, res.Halts, 2)
	assert.InDelta(t, 3*deg, res.Halts[0].ShapeDistTraveled(), 1e-3)
	assert.InDelta(t, 9*deg, res.Halts[1].ShapeDistTraveled(), 1e-3)
}

func TestInsertAfterLastEndsShape(t *testing.T) {
	shape := orb.LineString{{0, 0}, {0, 6}, {0, 10}}
	cum := geom.CumDistances(shape)
	cps := []gtfs.ControlPoint{free(shape, 0), free(shape, cum[1])}

	res, err := newTestEngine(&fakeDirections{}, nil).Recalculate(context.Background(), Request{
		Shape: shape, ControlPoints: cps,
		Intent: Insert{Index: 2, Point: orb.Point{0, 12}},
	})
	require.NoError(t, err)
	assert.Equal(t, orb.LineString{{0, 0}, {0, 6}, {0, 12}}, res.Coordinates)
	require.Len(t, res.ControlPoints, 3)
	assert.Equal(t, cps[1].Distance, res.ControlPoints[1].Distance)
	assert.InDelta(t, geom.TotalLength(res.Coordinates), res.ControlPoints[2].Distance, 1e-6)
}

func TestUpdateLastFollowingStreets(t *testing.T) {
	shape := orb.LineString{{0, 0}, {0, 10}}
	total := geom.TotalLength(shape)
	prev := geom.DistanceAlong(shape, orb.Point{0, 8.99})
	cps := []gtfs.ControlPoint{
		free(shape, 0),
		{ID: "b", Distance: prev, Point: orb.Point{0, 8.99}},
		free(shape, total),
	}
	dir := &fakeDirections{line: orb.LineString{{0, 9}, {0, 9.5}, {0, 10.2}}}
	rec := &recordedEdits{}
	eng := newTestEngine(dir, rec)

	res, err := eng.Recalculate(context.Background(), Request{
		Shape: shape, ControlPoints: cps,
		Intent:        Update{Index: 2, Point: orb.Point{0, 10.2}},
		FollowStreets: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, dir.calls)
	assert.Equal(t, orb.LineString{{0, 0}, {0, 8.99}, {0, 9}, {0, 9.5}, {0, 10.2}}, res.Coordinates)

	require.Len(t, res.ControlPoints, 3)
	assert.InDelta(t, prev, res.ControlPoints[1].Distance, 1e-6)
	assert.InDelta(t, geom.TotalLength(res.Coordinates), res.ControlPoints[2].Distance, 1e-6)
	assert.Equal(t, orb.Point{0, 10.2}, res.ControlPoints[2].Point)
	assert.Equal(t, []string{"update:ok"}, rec.outcomes)
}

func TestUpdateMiddleKeepsUntouchedSpans(t *testing.T) {
	shape := orb.LineString{{0, 0}, {0, 2}, {0, 4}, {0, 6}, {0, 8}}
	cum := geom.CumDistances(shape)
	cps := []gtfs.ControlPoint{
		free(shape, cum[0]), free(shape, cum[1]), free(shape, cum[2]), free(shape, cum[3]), free(shape, cum[4]),
	}

	res, err := newTestEngine(&fakeDirections{}, nil).Recalculate(context.Background(), Request{
		Shape: shape, ControlPoints: cps,
		Intent: Update{Index: 2, Point: orb.Point{1, 4}},
	})
	require.NoError(t, err)
	assert.Equal(t, orb.LineString{{0, 0}, {0, 2}, {1, 4}, {0, 6}, {0, 8}}, res.Coordinates)

	newCum := geom.CumDistances(res.Coordinates)
	assert.Equal(t, cps[0].Distance, res.ControlPoints[0].Distance)
	assert.Equal(t, cps[1].Distance, res.ControlPoints[1].Distance)
	for i := 2; i < 5; i++ {
		assert.InDelta(t, newCum[i], res.ControlPoints[i].Distance, 1e-6)
	}
	// the span after the next anchor moves as a whole
	assert.InDelta(t, cps[4].Distance-cps[3].Distance, res.ControlPoints[4].Distance-res.ControlPoints[3].Distance, 1e-6)
}

func TestHaltDistancesFollowEdit(t *testing.T) {
	shape := orb.LineString{{0, 0}, {0, 5}, {0, 10}}
	cum := geom.CumDistances(shape)
	halts := []gtfs.PatternHalt{
		gtfs.StopHalt{StopID: "a", Location: orb.Point{0, 0}, DistTraveled: 0},
		gtfs.StopHalt{StopID: "b", Location: orb.Point{0, 10}, DistTraveled: cum[2]},
	}
	cps := []gtfs.ControlPoint{
		{ID: "a", Distance: 0, Point: orb.Point{0, 0}, Permanent: true, HaltID: "a"},
		free(shape, cum[1]),
		{ID: "b", Distance: cum[2], Point: orb.Point{0, 10}, Permanent: true, HaltID: "b"},
	}

	res, err := newTestEngine(&fakeDirections{}, nil).Recalculate(context.Background(), Request{
		Shape: shape, ControlPoints: cps, Halts: halts,
		Intent: Update{Index: 1, Point: orb.Point{2, 5}},
	})
	require.NoError(t, err)
	require.Len(t, res.Halts, 2)
	assert.Equal(t, 0.0, res.Halts[0].ShapeDistTraveled())
	assert.InDelta(t, geom.TotalLength(res.Coordinates), res.Halts[1].ShapeDistTraveled(), 1e-6)
	assert.Greater(t, res.Halts[1].ShapeDistTraveled(), cum[2])
	assert.Equal(t, cum[2], halts[1].ShapeDistTraveled(), "input is not modified")
}

func TestRoutingFailure(t *testing.T) {
	shape := orb.LineString{{0, 0}, {0, 10}}
	total := geom.TotalLength(shape)
	cps := []gtfs.ControlPoint{free(shape, 0), free(shape, total)}
	req := Request{
		Shape: shape, ControlPoints: cps,
		Intent:        Insert{Index: 1, Point: orb.Point{1, 5}},
		FollowStreets: true,
	}

	t.Run("with fallback", func(t *testing.T) {
		r := req
		r.StraightLineFallback = true
		res, err := newTestEngine(&fakeDirections{err: errors.New("boom")}, nil).Recalculate(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, orb.LineString{{0, 0}, {1, 5}, {0, 10}}, res.Coordinates)
	})

	t.Run("without fallback", func(t *testing.T) {
		rec := &recordedEdits{}
		res, err := newTestEngine(&fakeDirections{err: errors.New("boom")}, rec).Recalculate(context.Background(), req)
		assert.ErrorIs(t, err, routing.ErrNoRoute)
		assert.NotErrorIs(t, err, ErrInvalidEdit)
		assert.Nil(t, res.Coordinates)
		assert.Equal(t, cps, res.ControlPoints)
		assert.Equal(t, []string{"insert:failed"}, rec.outcomes)
	})
}

func TestInvalidRequests(t *testing.T) {
	shape := orb.LineString{{0, 0}, {0, 10}}
	total := geom.TotalLength(shape)
	cps := []gtfs.ControlPoint{free(shape, 0), free(shape, total)}

	tests := []struct {
		name string
		req  Request
	}{
		{"no intent", Request{Shape: shape, ControlPoints: cps}},
		{"no control points", Request{Shape: shape, Intent: Delete{Index: 0}}},
		{"unsorted control points", Request{Shape: shape, ControlPoints: []gtfs.ControlPoint{cps[1], cps[0]}, Intent: Delete{Index: 0}}},
		{"insert past end", Request{Shape: shape, ControlPoints: cps, Intent: Insert{Index: 3}}},
		{"update negative", Request{Shape: shape, ControlPoints: cps, Intent: Update{Index: -1}}},
		{"delete past end", Request{Shape: shape, ControlPoints: cps, Intent: Delete{Index: 2}}},
		{"invalid shape", Request{Shape: orb.LineString{{0, 0}, {200, 95}}, ControlPoints: cps, Intent: Delete{Index: 0}}},
	}
	eng := newTestEngine(&fakeDirections{}, nil)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := eng.Recalculate(context.Background(), tc.req)
			assert.ErrorIs(t, err, ErrInvalidEdit)
			assert.Equal(t, tc.req.Shape, res.Coordinates)
			assert.Equal(t, tc.req.ControlPoints, res.ControlPoints)
		})
	}
}

func TestSplice(t *testing.T) {
	prefix := orb.LineString{{0, 0}, {0, 1}}
	middle := orb.LineString{{0, 1}, {1, 1}, {0, 2}}
	suffix := orb.LineString{{0, 2}, {0, 3}}

	coords, midStart, midEnd, nextAt := splice(prefix, middle, suffix)
	assert.Equal(t, orb.LineString{{0, 0}, {0, 1}, {1, 1}, {0, 2}, {0, 3}}, coords)
	assert.Equal(t, 1, midStart)
	assert.Equal(t, 3, midEnd)
	assert.Equal(t, 3, nextAt)

	coords, _, _, nextAt = splice(nil, nil, suffix)
	assert.Equal(t, suffix, coords)
	assert.Equal(t, 0, nextAt)
}
