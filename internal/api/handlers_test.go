package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-pattern-editor/internal/db"
	"gtfs-pattern-editor/internal/editor"
	"gtfs-pattern-editor/internal/gtfs"
	"gtfs-pattern-editor/internal/publisher"
	"gtfs-pattern-editor/internal/routing"
)

type fakeLoader struct {
	pattern gtfs.Pattern
	err     error
}

func (f fakeLoader) FetchPattern(_ context.Context, tripID string) (gtfs.Pattern, error) {
	if f.err != nil {
		return gtfs.Pattern{}, f.err
	}
	p := f.pattern
	p.ID = tripID
	return p, nil
}

type fakePublisher struct{ msgs []publisher.PatternShapeMessage }

func (f *fakePublisher) PublishPattern(msg publisher.PatternShapeMessage) error {
	f.msgs = append(f.msgs, msg)
	return nil
}

type failingDirections struct{}

func (failingDirections) Route(context.Context, []orb.Point) (orb.LineString, error) {
	return nil, errors.New("routing service unavailable")
}

func newTestServer(t *testing.T, loader PatternLoader, allowFallback bool) (*httptest.Server, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	eng := editor.NewEngine(routing.NewClient(failingDirections{}, time.Second, nil), nil)
	h := NewPatternHandler(editor.NewStore(10, nil), eng, loader, pub, Options{AllowFallback: allowFallback, SnapRadiusMeters: 25})
	srv := httptest.NewServer(NewRouter(h, []string{"*"}))
	t.Cleanup(srv.Close)
	return srv, pub
}

func do(t *testing.T, method, url, body string) (*http.Response, PatternResponse) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out PatternResponse
	if resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

const patternBody = `{
  "routeId": "r1",
  "name": "Centre",
  "shape": [[0, 0], [0, 5], [0, 10]],
  "halts": [
    {"kind": "stop", "id": "a", "point": [0, 0]},
    {"kind": "stop", "id": "b", "point": [0, 10]}
  ]
}`

func TestPatternLifecycle(t *testing.T) {
	srv, pub := newTestServer(t, nil, true)
	base := srv.URL + "/api/patterns/p1"

	resp, p := do(t, http.MethodPut, base, patternBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, "r1", p.RouteID)
	require.Len(t, p.Halts, 2)
	assert.InDelta(t, p.LengthMeters, p.Halts[1].ShapeDistTraveled(), 1e-6)
	require.Len(t, p.ControlPoints, 3)
	assert.NotEmpty(t, p.Polyline)
	assert.Equal(t, "LineString", p.Shape.Type)

	resp, p = do(t, http.MethodPost, base+"/edits", `{"type":"update","index":1,"point":[1,5]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, orb.LineString{{0, 0}, {1, 5}, {0, 10}}, p.Shape.Coordinates)
	assert.Equal(t, uint64(1), p.Revision)
	assert.True(t, p.CanUndo)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "update", pub.msgs[0].Edit)
	assert.Equal(t, "p1", pub.msgs[0].PatternID)

	resp, p = do(t, http.MethodPost, base+"/undo", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, orb.LineString{{0, 0}, {0, 5}, {0, 10}}, p.Shape.Coordinates)
	assert.Len(t, pub.msgs, 2)

	resp, _ = do(t, http.MethodPost, base+"/undo", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, base, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEditErrors(t *testing.T) {
	srv, _ := newTestServer(t, nil, false)
	base := srv.URL + "/api/patterns/p1"
	resp, _ := do(t, http.MethodPut, base, patternBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"type":`, http.StatusBadRequest},
		{"unknown type", `{"type":"rotate","index":0}`, http.StatusBadRequest},
		{"out of range", `{"type":"delete","index":9}`, http.StatusUnprocessableEntity},
		{"halt without confirmation", `{"type":"delete","index":0}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := do(t, http.MethodPost, base+"/edits", tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}

	t.Run("routing failure", func(t *testing.T) {
		resp, p := do(t, http.MethodPatch, base+"/settings", `{"followStreets":true}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, p.Settings.FollowStreets)

		resp, _ = do(t, http.MethodPost, base+"/edits", `{"type":"update","index":1,"point":[1,5]}`)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

		_, p = do(t, http.MethodGet, base, "")
		assert.Equal(t, uint64(0), p.Revision)
	})

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/patterns/nope/edits", `{"type":"delete","index":0}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPutPatternRejectsInvalidShape(t *testing.T) {
	srv, _ := newTestServer(t, nil, true)
	resp, _ := do(t, http.MethodPut, srv.URL+"/api/patterns/p1", `{"shape":[[0,0],[0,95]]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestLoadPattern(t *testing.T) {
	loaded := gtfs.Pattern{RouteID: "r9", Shape: orb.LineString{{2.17, 41.38}, {2.18, 41.39}}}
	srv, _ := newTestServer(t, fakeLoader{pattern: loaded}, true)

	resp, p := do(t, http.MethodPost, srv.URL+"/api/patterns/p9/load?trip_id=t1", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "p9", p.ID)
	assert.Equal(t, "r9", p.RouteID)
	assert.Len(t, p.ControlPoints, 2)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/patterns/p9/load", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	missing, _ := newTestServer(t, fakeLoader{err: fmt.Errorf("%w: t2", db.ErrTripNotFound)}, true)
	resp, _ = do(t, http.MethodPost, missing.URL+"/api/patterns/p9/load?trip_id=t2", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	noDB, _ := newTestServer(t, nil, true)
	resp, _ = do(t, http.MethodPost, noDB.URL+"/api/patterns/p9/load?trip_id=t1", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil, true)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 0.0, body["sessions"])
}
