package routing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/paulmach/orb"

	"gtfs-pattern-editor/internal/geom"
)

var (
	// ErrNoRoute is returned when no segment could be produced and a straight
	// line fallback was not allowed.
	ErrNoRoute = errors.New("no route between points")
	// ErrTooFewPoints is returned for fewer than two waypoints.
	ErrTooFewPoints = errors.New("at least two points are required")
)

// Directions is an external street routing capability.
type Directions interface {
	Route(ctx context.Context, points []orb.Point) (orb.LineString, error)
}

// Metrics receives one observation per street routing attempt.
// outcome is one of "ok", "fallback" or "failed".
type Metrics interface {
	RoutingObserve(outcome string, d time.Duration)
}

// Client turns an ordered list of waypoints into a polyline that can be
// spliced into a pattern shape. It is the only piece of shape editing that
// performs network I/O.
type Client struct {
	directions Directions
	timeout    time.Duration
	metrics    Metrics
}

func NewClient(directions Directions, timeout time.Duration, m Metrics) *Client {
	return &Client{directions: directions, timeout: timeout, metrics: m}
}

// Segment returns the polyline through points. Without followStreets this is
// the straight line through the points. With followStreets the directions
// service is asked for a route; when that fails the straight line is returned
// if allowFallback is set, otherwise nil and an error wrapping ErrNoRoute.
func (c *Client) Segment(ctx context.Context, points []orb.Point, followStreets, allowFallback bool) (orb.LineString, error) {
	if len(points) < 2 {
		return nil, ErrTooFewPoints
	}
	if !followStreets {
		return geom.StraightLine(points), nil
	}

	start := time.Now()
	line, err := c.route(ctx, points)
	if err != nil {
		log.Printf("routing %d points failed: %v", len(points), err)
		if allowFallback {
			c.observe("fallback", start)
			return geom.StraightLine(points), nil
		}
		c.observe("failed", start)
		return nil, fmt.Errorf("%w: %v", ErrNoRoute, err)
	}
	c.observe("ok", start)

	// The router snaps its start onto the street network; keep the shape
	// continuous with the requested start.
	if !geom.SamePoint(line[0], points[0]) {
		line = append(orb.LineString{points[0]}, line...)
	}
	return line, nil
}

func (c *Client) route(ctx context.Context, points []orb.Point) (orb.LineString, error) {
	if c == nil || c.directions == nil {
		return nil, errors.New("no directions service configured")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	line, err := c.directions.Route(ctx, points)
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || !geom.ValidLine(line) {
		return nil, fmt.Errorf("unusable route with %d points", len(line))
	}
	return line, nil
}

func (c *Client) observe(outcome string, start time.Time) {
	if c != nil && c.metrics != nil {
		c.metrics.RoutingObserve(outcome, time.Since(start))
	}
}
