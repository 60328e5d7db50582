package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/paulmach/orb"
	"github.com/twpayne/go-polyline"

	"gtfs-pattern-editor/internal/geom"
)

// Route shapes are encoded with six decimal places.
var shapeCodec = polyline.Codec{Dim: 2, Scale: 1e6}

// Valhalla maneuver types that end a leg.
const (
	maneuverDestination      = 4
	maneuverDestinationRight = 5
	maneuverDestinationLeft  = 6
)

// StatusError is a non-2xx answer from the routing service.
type StatusError struct {
	URL, Status string
	StatusCode  int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.URL, e.Status)
}

func checkStatus(r *http.Response) error {
	if r.StatusCode < 200 || r.StatusCode >= 300 {
		io.Copy(io.Discard, r.Body)
		r.Body.Close()
		return &StatusError{
			URL:        r.Request.URL.Redacted(),
			Status:     r.Status,
			StatusCode: r.StatusCode,
		}
	}
	return nil
}

// Valhalla is a Directions implementation for a Valhalla compatible /route
// endpoint.
type Valhalla struct {
	url     string
	costing string
	client  *http.Client
}

func NewValhalla(url, costing string, client *http.Client) *Valhalla {
	if client == nil {
		client = http.DefaultClient
	}
	if costing == "" {
		costing = "bus"
	}
	return &Valhalla{url: url, costing: costing, client: client}
}

type valhallaLocation struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type valhallaRequest struct {
	Locations         []valhallaLocation `json:"locations"`
	Costing           string             `json:"costing"`
	DirectionsOptions struct {
		Units string `json:"units"`
	} `json:"directions_options"`
}

type valhallaManeuver struct {
	Type            int `json:"type"`
	BeginShapeIndex int `json:"begin_shape_index"`
	EndShapeIndex   int `json:"end_shape_index"`
}

type valhallaResponse struct {
	Trip struct {
		Status        int    `json:"status"`
		StatusMessage string `json:"status_message"`
		Legs          []struct {
			Shape     string             `json:"shape"`
			Maneuvers []valhallaManeuver `json:"maneuvers"`
		} `json:"legs"`
	} `json:"trip"`
}

func (v *Valhalla) Route(ctx context.Context, points []orb.Point) (orb.LineString, error) {
	body := valhallaRequest{Costing: v.costing}
	body.DirectionsOptions.Units = "kilometers"
	for _, p := range points {
		body.Locations = append(body.Locations, valhallaLocation{Lat: p.Lat(), Lon: p.Lon()})
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out valhallaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode route response: %w", err)
	}
	if out.Trip.Status != 0 {
		return nil, fmt.Errorf("route status %d: %s", out.Trip.Status, out.Trip.StatusMessage)
	}
	if len(out.Trip.Legs) == 0 {
		return nil, fmt.Errorf("route response has no legs")
	}

	var line orb.LineString
	for i, leg := range out.Trip.Legs {
		coords, _, err := shapeCodec.DecodeCoords([]byte(leg.Shape))
		if err != nil {
			return nil, fmt.Errorf("decode leg %d shape: %w", i, err)
		}
		legLine := make(orb.LineString, 0, len(coords))
		for _, c := range coords {
			legLine = append(legLine, orb.Point{c[1], c[0]})
		}
		legLine = trimAtDestination(legLine, leg.Maneuvers)
		// each leg starts where the previous destination ended
		if len(line) > 0 && len(legLine) > 0 && geom.SamePoint(line[len(line)-1], legLine[0]) {
			legLine = legLine[1:]
		}
		line = append(line, legLine...)
	}
	return line, nil
}

// trimAtDestination drops any shape points past the leg's destination maneuver.
func trimAtDestination(line orb.LineString, maneuvers []valhallaManeuver) orb.LineString {
	for _, m := range maneuvers {
		switch m.Type {
		case maneuverDestination, maneuverDestinationRight, maneuverDestinationLeft:
			if m.BeginShapeIndex >= 0 && m.BeginShapeIndex+1 < len(line) {
				return line[:m.BeginShapeIndex+1]
			}
		}
	}
	return line
}

// EncodeShape encodes line the way route shapes are encoded, lat before lon
// with six decimal places.
func EncodeShape(line orb.LineString) string {
	coords := make([][]float64, 0, len(line))
	for _, p := range line {
		coords = append(coords, []float64{p.Lat(), p.Lon()})
	}
	return string(shapeCodec.EncodeCoords(nil, coords))
}
