package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"gtfs-pattern-editor/internal/db"
	"gtfs-pattern-editor/internal/editor"
	"gtfs-pattern-editor/internal/geom"
	"gtfs-pattern-editor/internal/gtfs"
	"gtfs-pattern-editor/internal/pattern"
	"gtfs-pattern-editor/internal/publisher"
	"gtfs-pattern-editor/internal/routing"
)

// maxBodyBytes bounds request bodies; a long shape is a few hundred KB.
const maxBodyBytes = 8 << 20

// PatternLoader loads a pattern from the feed by trip ID.
type PatternLoader interface {
	FetchPattern(ctx context.Context, tripID string) (gtfs.Pattern, error)
}

// ShapePublisher announces committed revisions.
type ShapePublisher interface {
	PublishPattern(msg publisher.PatternShapeMessage) error
}

type Options struct {
	AllowFallback    bool
	SnapRadiusMeters float64
}

// PatternHandler serves the editing sessions over HTTP. loader and pub may
// be nil.
type PatternHandler struct {
	store  *editor.Store
	engine *editor.Engine
	loader PatternLoader
	pub    ShapePublisher
	opts   Options
}

func NewPatternHandler(store *editor.Store, engine *editor.Engine, loader PatternLoader, pub ShapePublisher, opts Options) *PatternHandler {
	return &PatternHandler{store: store, engine: engine, loader: loader, pub: pub, opts: opts}
}

// PatternRequest is the body of PUT /api/patterns/{patternID}.
type PatternRequest struct {
	RouteID  string            `json:"routeId"`
	Name     string            `json:"name"`
	Shape    [][]float64       `json:"shape"` // [lon, lat]
	Halts    gtfs.Halts        `json:"halts"`
	Settings gtfs.EditSettings `json:"settings"`
}

// PatternResponse is the current state of an editing session.
type PatternResponse struct {
	ID            string              `json:"id"`
	RouteID       string              `json:"routeId"`
	Name          string              `json:"name,omitempty"`
	Revision      uint64              `json:"revision"`
	CanUndo       bool                `json:"canUndo"`
	Settings      gtfs.EditSettings   `json:"settings"`
	LengthMeters  float64             `json:"lengthMeters"`
	Shape         *geojson.Geometry   `json:"shape"`
	Polyline      string              `json:"polyline"`
	Halts         gtfs.Halts          `json:"halts"`
	ControlPoints []gtfs.ControlPoint `json:"controlPoints"`
}

// ErrorResponse is the JSON error response structure
type ErrorResponse struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

type settingsPatch struct {
	FollowStreets *bool `json:"followStreets"`
	SnapToStops   *bool `json:"snapToStops"`
}

func newPatternResponse(s editor.Snapshot) PatternResponse {
	return PatternResponse{
		ID:            s.Pattern.ID,
		RouteID:       s.Pattern.RouteID,
		Name:          s.Pattern.Name,
		Revision:      s.Revision,
		CanUndo:       s.CanUndo,
		Settings:      s.Settings,
		LengthMeters:  geom.TotalLength(s.Pattern.Shape),
		Shape:         geojson.NewGeometry(s.Pattern.Shape),
		Polyline:      routing.EncodeShape(s.Pattern.Shape),
		Halts:         gtfs.Halts(s.Pattern.Halts),
		ControlPoints: s.ControlPoints,
	}
}

// PutPattern handles PUT /api/patterns/{patternID}
// Opens (or reopens) a session from the pattern in the body. Halt distances
// are measured against the shape when the body leaves them out.
func (h *PatternHandler) PutPattern(w http.ResponseWriter, r *http.Request) {
	patternID := chi.URLParam(r, "patternID")

	var req PatternRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pattern body", err)
		return
	}
	if !geom.ValidCoordinates(req.Shape) {
		writeError(w, http.StatusUnprocessableEntity, "shape must be a non-empty list of [lon, lat] positions", nil)
		return
	}

	shape := make(orb.LineString, 0, len(req.Shape))
	for _, c := range req.Shape {
		shape = append(shape, orb.Point{c[0], c[1]})
	}
	halts := []gtfs.PatternHalt(req.Halts)
	if !haltDistancesPresent(halts) {
		halts = pattern.RecomputeHaltDistances(shape, halts, 0)
	}

	sess := h.store.Open(gtfs.Pattern{
		ID:      patternID,
		RouteID: req.RouteID,
		Name:    req.Name,
		Shape:   shape,
		Halts:   halts,
	}, req.Settings)
	log.Printf("pattern %s opened with %d points and %d halts", patternID, len(shape), len(halts))
	writeJSON(w, http.StatusCreated, newPatternResponse(sess.Snapshot()))
}

// LoadPattern handles POST /api/patterns/{patternID}/load?trip_id=
func (h *PatternHandler) LoadPattern(w http.ResponseWriter, r *http.Request) {
	patternID := chi.URLParam(r, "patternID")
	tripID := r.URL.Query().Get("trip_id")
	if tripID == "" {
		writeError(w, http.StatusBadRequest, "trip_id query parameter is required", nil)
		return
	}
	if h.loader == nil {
		writeError(w, http.StatusServiceUnavailable, "no feed database configured", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	p, err := h.loader.FetchPattern(ctx, tripID)
	if err != nil {
		if errors.Is(err, db.ErrTripNotFound) {
			writeError(w, http.StatusNotFound, "trip not found", err)
			return
		}
		log.Printf("pattern %s load trip %s: %v", patternID, tripID, err)
		writeError(w, http.StatusInternalServerError, "failed to load pattern", err)
		return
	}
	p.ID = patternID

	sess := h.store.Open(p, gtfs.EditSettings{})
	log.Printf("pattern %s loaded from trip %s", patternID, tripID)
	writeJSON(w, http.StatusCreated, newPatternResponse(sess.Snapshot()))
}

// GetPattern handles GET /api/patterns/{patternID}
func (h *PatternHandler) GetPattern(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newPatternResponse(sess.Snapshot()))
}

// PatchSettings handles PATCH /api/patterns/{patternID}/settings
func (h *PatternHandler) PatchSettings(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var patch settingsPatch
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings body", err)
		return
	}
	settings := sess.Snapshot().Settings
	if patch.FollowStreets != nil {
		settings.FollowStreets = *patch.FollowStreets
	}
	if patch.SnapToStops != nil {
		settings.SnapToStops = *patch.SnapToStops
	}
	writeJSON(w, http.StatusOK, newPatternResponse(sess.SetSettings(settings)))
}

// PostEdit handles POST /api/patterns/{patternID}/edits
// Applies a single insert, update or delete and returns the new state.
func (h *PatternHandler) PostEdit(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read edit", err)
		return
	}
	intent, err := editor.DecodeIntent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid edit", err)
		return
	}

	snap, err := sess.Apply(r.Context(), h.engine, intent, h.opts.AllowFallback, h.opts.SnapRadiusMeters)
	switch {
	case err == nil:
	case errors.Is(err, editor.ErrInvalidEdit):
		writeError(w, http.StatusUnprocessableEntity, "edit rejected", err)
		return
	case errors.Is(err, editor.ErrStaleEdit):
		writeError(w, http.StatusConflict, "edit superseded by a newer edit", err)
		return
	case errors.Is(err, routing.ErrNoRoute):
		writeError(w, http.StatusBadGateway, "no route for edited segment", err)
		return
	default:
		log.Printf("pattern %s %s edit failed: %v", snap.Pattern.ID, intent.Kind(), err)
		writeError(w, http.StatusInternalServerError, "edit failed", err)
		return
	}

	h.publish(snap, intent.Kind())
	writeJSON(w, http.StatusOK, newPatternResponse(snap))
}

// PostUndo handles POST /api/patterns/{patternID}/undo
func (h *PatternHandler) PostUndo(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := sess.Undo()
	if err != nil {
		writeError(w, http.StatusConflict, "nothing to undo", err)
		return
	}
	h.publish(snap, "undo")
	writeJSON(w, http.StatusOK, newPatternResponse(snap))
}

// DeletePattern handles DELETE /api/patterns/{patternID}
func (h *PatternHandler) DeletePattern(w http.ResponseWriter, r *http.Request) {
	patternID := chi.URLParam(r, "patternID")
	if !h.store.Close(patternID) {
		writeError(w, http.StatusNotFound, "pattern not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /health
func (h *PatternHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"sessions":  h.store.Len(),
		"timestamp": time.Now().UTC(),
	})
}

func (h *PatternHandler) session(w http.ResponseWriter, r *http.Request) (*editor.Session, bool) {
	sess, err := h.store.Get(chi.URLParam(r, "patternID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "pattern not found", err)
		return nil, false
	}
	return sess, true
}

func (h *PatternHandler) publish(s editor.Snapshot, edit string) {
	if h.pub == nil {
		return
	}
	msg := publisher.NewPatternShapeMessage(s.Pattern, s.Revision, edit, geom.TotalLength(s.Pattern.Shape))
	if err := h.pub.PublishPattern(msg); err != nil {
		log.Printf("pattern %s publish revision %d: %v", s.Pattern.ID, s.Revision, err)
	}
}

// haltDistancesPresent reports whether the halts already carry distances
// along the shape. Only the first halt may sit at 0.
func haltDistancesPresent(halts []gtfs.PatternHalt) bool {
	if len(halts) < 2 {
		return false
	}
	prev := 0.0
	for _, h := range halts[1:] {
		d := h.ShapeDistTraveled()
		if d <= 0 || d < prev {
			return false
		}
		prev = d
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = map[string]any{"internal": err.Error()}
	}
	writeJSON(w, status, resp)
}
