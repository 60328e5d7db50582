package gtfs

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
)

type Trip struct {
	TripID   string
	RouteID  string
	ShapeID  string
	Headsign string
}

type StopTime struct {
	StopSequence      int
	ShapeDistTraveled float64 // meters, if available; 0 if missing
	StopID            string
	StopName          string
	StopLat           float64
	StopLon           float64
}

type ShapePoint struct {
	Lat          float64
	Lon          float64
	Sequence     int
	DistTraveled float64 // meters, if available; 0 if missing
}

// HaltKind discriminates the PatternHalt variants.
type HaltKind string

const (
	HaltStop     HaltKind = "stop"
	HaltLocation HaltKind = "location"
)

// PatternHalt is a stop or a location zone visited by a pattern, in travel order.
// The set of implementations is closed: StopHalt and LocationHalt.
type PatternHalt interface {
	ID() string
	Kind() HaltKind
	Position() orb.Point
	ShapeDistTraveled() float64
	WithShapeDistTraveled(d float64) PatternHalt
	isHalt()
}

type StopHalt struct {
	StopID       string
	Name         string
	Location     orb.Point // lon, lat
	DistTraveled float64
}

func (s StopHalt) ID() string                 { return s.StopID }
func (s StopHalt) Kind() HaltKind             { return HaltStop }
func (s StopHalt) Position() orb.Point        { return s.Location }
func (s StopHalt) ShapeDistTraveled() float64 { return s.DistTraveled }
func (StopHalt) isHalt()                      {}
func (s StopHalt) WithShapeDistTraveled(d float64) PatternHalt {
	s.DistTraveled = d
	return s
}

// LocationHalt is a GTFS-Flex location zone. Geometry edits use its centroid.
type LocationHalt struct {
	LocationID   string
	Name         string
	Centroid     orb.Point
	DistTraveled float64
}

func (l LocationHalt) ID() string                 { return l.LocationID }
func (l LocationHalt) Kind() HaltKind             { return HaltLocation }
func (l LocationHalt) Position() orb.Point        { return l.Centroid }
func (l LocationHalt) ShapeDistTraveled() float64 { return l.DistTraveled }
func (LocationHalt) isHalt()                      {}
func (l LocationHalt) WithShapeDistTraveled(d float64) PatternHalt {
	l.DistTraveled = d
	return l
}

// Pattern is a route's path: a shape plus the ordered halts it visits.
type Pattern struct {
	ID      string
	RouteID string
	Name    string
	Shape   orb.LineString
	Halts   []PatternHalt
}

// Clone returns a copy that shares no slices with p.
func (p Pattern) Clone() Pattern {
	c := p
	c.Shape = append(orb.LineString(nil), p.Shape...)
	c.Halts = append([]PatternHalt(nil), p.Halts...)
	return c
}

// ControlPoint is an editable anchor on the pattern shape. Control points are
// derived from the shape and halts and are never persisted on their own.
type ControlPoint struct {
	ID        string    `json:"id"`
	Distance  float64   `json:"distance"` // meters along the shape
	Point     orb.Point `json:"point"`
	Permanent bool      `json:"permanent"`
	HaltID    string    `json:"haltId,omitempty"`
	Hidden    bool      `json:"hidden,omitempty"`
}

// EditSettings is per-session editing state.
type EditSettings struct {
	FollowStreets bool `json:"followStreets"`
	SnapToStops   bool `json:"snapToStops"`
}

// haltJSON is the wire form of a PatternHalt.
type haltJSON struct {
	Kind              HaltKind  `json:"kind"`
	ID                string    `json:"id"`
	Name              string    `json:"name,omitempty"`
	Point             orb.Point `json:"point"`
	ShapeDistTraveled float64   `json:"shapeDistTraveled"`
}

func MarshalHalt(h PatternHalt) ([]byte, error) {
	hj := haltJSON{
		Kind:              h.Kind(),
		ID:                h.ID(),
		Point:             h.Position(),
		ShapeDistTraveled: h.ShapeDistTraveled(),
	}
	switch v := h.(type) {
	case StopHalt:
		hj.Name = v.Name
	case LocationHalt:
		hj.Name = v.Name
	}
	return json.Marshal(hj)
}

func UnmarshalHalt(b []byte) (PatternHalt, error) {
	var hj haltJSON
	if err := json.Unmarshal(b, &hj); err != nil {
		return nil, err
	}
	switch hj.Kind {
	case HaltStop, "":
		return StopHalt{StopID: hj.ID, Name: hj.Name, Location: hj.Point, DistTraveled: hj.ShapeDistTraveled}, nil
	case HaltLocation:
		return LocationHalt{LocationID: hj.ID, Name: hj.Name, Centroid: hj.Point, DistTraveled: hj.ShapeDistTraveled}, nil
	default:
		return nil, fmt.Errorf("unknown halt kind %q", hj.Kind)
	}
}

// Halts is a JSON-friendly list of PatternHalt values.
type Halts []PatternHalt

func (hs Halts) MarshalJSON() ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(hs))
	for _, h := range hs {
		b, err := MarshalHalt(h)
		if err != nil {
			return nil, err
		}
		raws = append(raws, b)
	}
	return json.Marshal(raws)
}

func (hs *Halts) UnmarshalJSON(b []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(b, &raws); err != nil {
		return err
	}
	out := make(Halts, 0, len(raws))
	for i, r := range raws {
		h, err := UnmarshalHalt(r)
		if err != nil {
			return fmt.Errorf("halt %d: %w", i, err)
		}
		out = append(out, h)
	}
	*hs = out
	return nil
}
