package db

import (
	"context"
	"database/sql"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-pattern-editor/internal/geom"
	"gtfs-pattern-editor/internal/gtfs"
)

func TestBuildPatternScalesFeedDistances(t *testing.T) {
	trip := gtfs.Trip{TripID: "t1", RouteID: "r1", ShapeID: "s1", Headsign: "Centre"}
	pts := []gtfs.ShapePoint{
		{Lat: 0, Lon: 0, Sequence: 1, DistTraveled: 0},
		{Lat: 5, Lon: 0, Sequence: 2, DistTraveled: 5},
		{Lat: 10, Lon: 0, Sequence: 3, DistTraveled: 10},
	}
	sts := []gtfs.StopTime{
		{StopSequence: 1, StopID: "a", StopName: "A", StopLat: 0, StopLon: 0},
		{StopSequence: 2, StopID: "b", StopLat: 4, StopLon: 0, ShapeDistTraveled: 4},
		{StopSequence: 3, StopID: "c", StopLat: 10, StopLon: 0, ShapeDistTraveled: 10},
	}

	p, err := BuildPattern(trip, pts, sts)
	require.NoError(t, err)
	assert.Equal(t, "t1", p.ID)
	assert.Equal(t, "r1", p.RouteID)
	assert.Equal(t, "Centre", p.Name)
	assert.Equal(t, orb.LineString{{0, 0}, {0, 5}, {0, 10}}, p.Shape)

	total := geom.TotalLength(p.Shape)
	require.Len(t, p.Halts, 3)
	assert.Equal(t, "A", p.Halts[0].(gtfs.StopHalt).Name)
	assert.Equal(t, 0.0, p.Halts[0].ShapeDistTraveled())
	assert.InDelta(t, total*0.4, p.Halts[1].ShapeDistTraveled(), 1e-6)
	assert.InDelta(t, total, p.Halts[2].ShapeDistTraveled(), 1e-6)
}

func TestBuildPatternProjectsStopsWithoutDistances(t *testing.T) {
	pts := []gtfs.ShapePoint{{Lat: 0, Lon: 0}, {Lat: 10, Lon: 0}}
	sts := []gtfs.StopTime{
		{StopID: "a", StopLat: 0, StopLon: 0.001},
		{StopID: "b", StopLat: 5, StopLon: 0.001},
	}

	p, err := BuildPattern(gtfs.Trip{TripID: "t"}, pts, sts)
	require.NoError(t, err)
	total := geom.TotalLength(p.Shape)
	assert.InDelta(t, 0, p.Halts[0].ShapeDistTraveled(), 1)
	assert.InDelta(t, total/2, p.Halts[1].ShapeDistTraveled(), 1)
}

func TestBuildPatternWithoutShape(t *testing.T) {
	sts := []gtfs.StopTime{
		{StopID: "a", StopLat: 0, StopLon: 0},
		{StopID: "b", StopLat: 1, StopLon: 1},
		{StopID: "c", StopLat: 1, StopLon: 2},
	}
	p, err := BuildPattern(gtfs.Trip{TripID: "t"}, nil, sts)
	require.NoError(t, err)
	assert.Equal(t, orb.LineString{{0, 0}, {1, 1}, {2, 1}}, p.Shape)
	assert.InDelta(t, geom.TotalLength(p.Shape), p.Halts[2].ShapeDistTraveled(), 1e-6)

	_, err = BuildPattern(gtfs.Trip{TripID: "t"}, nil, nil)
	assert.Error(t, err)

	_, err = BuildPattern(gtfs.Trip{TripID: "t"}, []gtfs.ShapePoint{{Lat: 95, Lon: 0}}, nil)
	assert.Error(t, err)
}

func TestWithDBName(t *testing.T) {
	tests := []struct {
		dsn, name, want string
	}{
		{"postgres://u:p@db:5432/postgres?sslmode=disable", "gtfs_madrid_2025", "postgres://u:p@db:5432/gtfs_madrid_2025?sslmode=disable"},
		{"postgresql://db/x", "/y", "postgresql://db/y"},
		{"u:p@db/feed", "gtfs_bcn", "postgres://u:p@db/gtfs_bcn"},
	}
	for _, tc := range tests {
		t.Run(tc.dsn, func(t *testing.T) {
			got, err := WithDBName(tc.dsn, tc.name)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	for _, bad := range [][2]string{{"", "x"}, {"postgres://db/x", " / "}, {"mysql://db/x", "y"}} {
		_, err := WithDBName(bad[0], bad[1])
		assert.Error(t, err, "%q %q", bad[0], bad[1])
	}
}

func TestImportDBName(t *testing.T) {
	name, err := importDBName("bcn", sql.NullString{String: "gtfs_bcn_20250301", Valid: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "gtfs_bcn_20250301", name)

	_, err = importDBName("bcn", sql.NullString{}, sql.ErrNoRows)
	assert.ErrorIs(t, err, ErrNoImport)

	_, err = importDBName("bcn", sql.NullString{String: " ", Valid: true}, nil)
	assert.ErrorIs(t, err, ErrNoImport)

	_, err = importDBName("bcn", sql.NullString{}, sql.ErrConnDone)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NotErrorIs(t, err, ErrNoImport)

	_, err = ResolveLatestImportDBName(context.Background(), nil, "  ")
	assert.EqualError(t, err, "city is required")
}
