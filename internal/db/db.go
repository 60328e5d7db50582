package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"gtfs-pattern-editor/internal/geom"
	"gtfs-pattern-editor/internal/gtfs"
	"gtfs-pattern-editor/internal/pattern"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrTripNotFound is returned when the feed has no trip with the requested ID.
var ErrTripNotFound = errors.New("trip not found")

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// FetchPattern loads the pattern driven by tripID: the trip's shape and the
// stops it serves in order. The pattern ID is the trip ID.
func FetchPattern(ctx context.Context, db *sql.DB, tripID string) (gtfs.Pattern, error) {
	trip, err := FetchTrip(ctx, db, tripID)
	if err != nil {
		return gtfs.Pattern{}, err
	}
	pts, err := FetchShapePoints(ctx, db, trip.ShapeID)
	if err != nil {
		return gtfs.Pattern{}, err
	}
	sts, err := FetchStopTimes(ctx, db, tripID)
	if err != nil {
		return gtfs.Pattern{}, err
	}
	return BuildPattern(trip, pts, sts)
}

func FetchTrip(ctx context.Context, db *sql.DB, tripID string) (gtfs.Trip, error) {
	q := `SELECT trip_id, route_id, COALESCE(shape_id, ''), COALESCE(trip_headsign, '')
          FROM trips WHERE trip_id = $1`
	var t gtfs.Trip
	err := db.QueryRowContext(ctx, q, tripID).Scan(&t.TripID, &t.RouteID, &t.ShapeID, &t.Headsign)
	if errors.Is(err, sql.ErrNoRows) {
		return gtfs.Trip{}, fmt.Errorf("%w: %s", ErrTripNotFound, tripID)
	}
	if err != nil {
		return gtfs.Trip{}, fmt.Errorf("query trip: %w", err)
	}
	return t, nil
}

// BuildPattern assembles a pattern from feed rows. Feed distances are in
// arbitrary units; they are rescaled to meters along the shape when both the
// shape and the stop times carry them, and recomputed by projecting the stops
// onto the shape otherwise. A trip without a shape gets the straight line
// through its stops.
func BuildPattern(trip gtfs.Trip, pts []gtfs.ShapePoint, sts []gtfs.StopTime) (gtfs.Pattern, error) {
	if len(pts) == 0 && len(sts) == 0 {
		return gtfs.Pattern{}, fmt.Errorf("trip %s has neither shape nor stop times", trip.TripID)
	}

	halts := make([]gtfs.PatternHalt, 0, len(sts))
	for _, st := range sts {
		halts = append(halts, gtfs.StopHalt{
			StopID:       st.StopID,
			Name:         st.StopName,
			Location:     orb.Point{st.StopLon, st.StopLat},
			DistTraveled: st.ShapeDistTraveled,
		})
	}

	var shape orb.LineString
	if len(pts) > 0 {
		shape = make(orb.LineString, 0, len(pts))
		for _, p := range pts {
			shape = append(shape, orb.Point{p.Lon, p.Lat})
		}
	} else {
		shape = make(orb.LineString, 0, len(halts))
		for _, h := range halts {
			shape = append(shape, h.Position())
		}
		shape = geom.StraightLine(shape)
	}
	if !geom.ValidLine(shape) {
		return gtfs.Pattern{}, fmt.Errorf("trip %s has an invalid shape", trip.TripID)
	}

	total := geom.TotalLength(shape)
	feedTotal := 0.0
	if len(pts) > 0 {
		feedTotal = pts[len(pts)-1].DistTraveled
	}
	if feedTotal > 0 && stopDistancesPresent(sts) {
		scale := total / feedTotal
		lower := 0.0
		for i, h := range halts {
			d := min(max(h.ShapeDistTraveled()*scale, lower), total)
			halts[i] = h.WithShapeDistTraveled(d)
			lower = d
		}
	} else {
		halts = pattern.RecomputeHaltDistances(shape, halts, 0)
	}

	return gtfs.Pattern{
		ID:      trip.TripID,
		RouteID: trip.RouteID,
		Name:    trip.Headsign,
		Shape:   shape,
		Halts:   halts,
	}, nil
}

// stopDistancesPresent reports whether stop times carry shape_dist_traveled.
// Only the first stop may legitimately sit at 0.
func stopDistancesPresent(sts []gtfs.StopTime) bool {
	if len(sts) < 2 {
		return false
	}
	for _, st := range sts[1:] {
		if st.ShapeDistTraveled <= 0 {
			return false
		}
	}
	return true
}

func FetchShapePoints(ctx context.Context, db *sql.DB, shapeID string) ([]gtfs.ShapePoint, error) {
	if shapeID == "" {
		return nil, nil
	}
	// Detect column layout: either shape_pt_lat/lon exist, or use PostGIS shape_pt_loc geography
	latlonExists, err := hasColumns(ctx, db, "public", "shapes", "shape_pt_lat", "shape_pt_lon")
	if err != nil {
		return nil, fmt.Errorf("introspect shapes columns: %w", err)
	}
	var q string
	if latlonExists["shape_pt_lat"] && latlonExists["shape_pt_lon"] {
		q = `SELECT shape_pt_lat, shape_pt_lon, shape_pt_sequence, COALESCE(shape_dist_traveled, 0)
             FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`
	} else {
		// Fallback to geography point column shape_pt_loc
		locExists, err := hasColumns(ctx, db, "public", "shapes", "shape_pt_loc")
		if err != nil {
			return nil, fmt.Errorf("introspect shapes shape_pt_loc: %w", err)
		}
		if !locExists["shape_pt_loc"] {
			return nil, fmt.Errorf("shapes table missing expected columns (lat/lon or shape_pt_loc)")
		}
		q = `SELECT ST_Y(shape_pt_loc::geometry) AS lat,
                    ST_X(shape_pt_loc::geometry) AS lon,
                    shape_pt_sequence,
                    COALESCE(shape_dist_traveled, 0)
             FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`
	}
	rows, err := db.QueryContext(ctx, q, shapeID)
	if err != nil {
		return nil, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()
	var pts []gtfs.ShapePoint
	for rows.Next() {
		var p gtfs.ShapePoint
		if err := rows.Scan(&p.Lat, &p.Lon, &p.Sequence, &p.DistTraveled); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

func FetchStopTimes(ctx context.Context, db *sql.DB, tripID string) ([]gtfs.StopTime, error) {
	// Prefer stop_lat/stop_lon, but support PostGIS stop_loc geography as fallback
	latlonExists, err := hasColumns(ctx, db, "public", "stops", "stop_lat", "stop_lon")
	if err != nil {
		return nil, fmt.Errorf("introspect stops columns: %w", err)
	}
	var q string
	if latlonExists["stop_lat"] && latlonExists["stop_lon"] {
		q = `SELECT st.stop_sequence,
                    COALESCE(st.shape_dist_traveled, 0),
                    st.stop_id,
                    COALESCE(s.stop_name, ''),
                    COALESCE(s.stop_lat, 0),
                    COALESCE(s.stop_lon, 0)
             FROM stop_times st
             JOIN stops s ON s.stop_id = st.stop_id
             WHERE st.trip_id = $1
             ORDER BY st.stop_sequence`
	} else {
		locExists, err := hasColumns(ctx, db, "public", "stops", "stop_loc")
		if err != nil {
			return nil, fmt.Errorf("introspect stops stop_loc: %w", err)
		}
		if !locExists["stop_loc"] {
			return nil, fmt.Errorf("stops table missing expected columns (stop_lat/lon or stop_loc)")
		}
		q = `SELECT st.stop_sequence,
                    COALESCE(st.shape_dist_traveled, 0),
                    st.stop_id,
                    COALESCE(s.stop_name, ''),
                    COALESCE(ST_Y(s.stop_loc::geometry), 0),
                    COALESCE(ST_X(s.stop_loc::geometry), 0)
             FROM stop_times st
             JOIN stops s ON s.stop_id = st.stop_id
             WHERE st.trip_id = $1
             ORDER BY st.stop_sequence`
	}
	rows, err := db.QueryContext(ctx, q, tripID)
	if err != nil {
		return nil, fmt.Errorf("query stop_times: %w", err)
	}
	defer rows.Close()

	var sts []gtfs.StopTime
	for rows.Next() {
		var st gtfs.StopTime
		if err := rows.Scan(&st.StopSequence, &st.ShapeDistTraveled, &st.StopID, &st.StopName, &st.StopLat, &st.StopLon); err != nil {
			return nil, err
		}
		sts = append(sts, st)
	}
	return sts, rows.Err()
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	// Initialize to false
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
