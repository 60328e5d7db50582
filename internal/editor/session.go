package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gtfs-pattern-editor/internal/gtfs"
	"gtfs-pattern-editor/internal/pattern"
)

var (
	ErrStaleEdit      = errors.New("edit superseded by a newer edit")
	ErrUnknownPattern = errors.New("unknown pattern")
	ErrNothingToUndo  = errors.New("nothing to undo")
)

// StoreMetrics receives the number of open sessions whenever it changes.
type StoreMetrics interface {
	SessionsOpen(n int)
}

// Store keeps one editing session per pattern ID.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	undoLimit int
	metrics   StoreMetrics
}

func NewStore(undoLimit int, m StoreMetrics) *Store {
	return &Store{sessions: make(map[string]*Session), undoLimit: undoLimit, metrics: m}
}

// Open starts a session for p, replacing any session already open for p.ID.
func (s *Store) Open(p gtfs.Pattern, settings gtfs.EditSettings) *Session {
	sess := newSession(p, settings, s.undoLimit)
	s.mu.Lock()
	s.sessions[p.ID] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	s.observe(n)
	return sess
}

func (s *Store) Get(patternID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[patternID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPattern, patternID)
	}
	return sess, nil
}

// Close drops the session for patternID and reports whether one was open.
func (s *Store) Close(patternID string) bool {
	s.mu.Lock()
	_, ok := s.sessions[patternID]
	delete(s.sessions, patternID)
	n := len(s.sessions)
	s.mu.Unlock()
	if ok {
		s.observe(n)
	}
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) observe(n int) {
	if s.metrics != nil {
		s.metrics.SessionsOpen(n)
	}
}

// Snapshot is a copy of a session's state; it shares nothing with the session.
type Snapshot struct {
	Pattern       gtfs.Pattern
	ControlPoints []gtfs.ControlPoint
	Settings      gtfs.EditSettings
	Revision      uint64
	CanUndo       bool
}

type revision struct {
	pattern gtfs.Pattern
	cps     []gtfs.ControlPoint
}

// Session is the editing state of one pattern. Every commit replaces the
// pattern with new values; nothing handed out by a session is modified later.
type Session struct {
	mu        sync.Mutex
	pattern   gtfs.Pattern
	cps       []gtfs.ControlPoint
	settings  gtfs.EditSettings
	history   []revision
	undoLimit int
	token     uint64 // last issued edit token
	revision  uint64
	stops     *pattern.StopIndex
}

func newSession(p gtfs.Pattern, settings gtfs.EditSettings, undoLimit int) *Session {
	p = p.Clone()
	return &Session{
		pattern:   p,
		cps:       pattern.DeriveControlPoints(p, settings.SnapToStops),
		settings:  settings,
		undoLimit: undoLimit,
		stops:     pattern.NewStopIndex(p.Halts),
	}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Pattern:       s.pattern.Clone(),
		ControlPoints: append([]gtfs.ControlPoint(nil), s.cps...),
		Settings:      s.settings,
		Revision:      s.revision,
		CanUndo:       len(s.history) > 0,
	}
}

// Begin issues an edit token together with the state the edit starts from.
// Only the most recently issued token can be committed, so a slow
// recalculation cannot overwrite the result of a later edit.
func (s *Session) Begin() (uint64, Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token++
	return s.token, s.snapshotLocked()
}

// Commit stores res as the new state of the session.
func (s *Session) Commit(token uint64, res Result) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != s.token {
		return s.snapshotLocked(), fmt.Errorf("%w: token %d, latest %d", ErrStaleEdit, token, s.token)
	}
	if len(res.Coordinates) == 0 {
		return s.snapshotLocked(), errors.New("commit without coordinates")
	}

	s.history = append(s.history, revision{pattern: s.pattern, cps: s.cps})
	if s.undoLimit > 0 && len(s.history) > s.undoLimit {
		s.history = append([]revision(nil), s.history[len(s.history)-s.undoLimit:]...)
	}

	next := s.pattern.Clone()
	next.Shape = append(next.Shape[:0], res.Coordinates...)
	next.Halts = append(next.Halts[:0], res.Halts...)
	cps := append([]gtfs.ControlPoint(nil), res.ControlPoints...)
	if len(cps) == 0 {
		// the last control point was deleted; start over from the shape ends
		cps = pattern.DeriveControlPoints(next, s.settings.SnapToStops)
	}
	if len(next.Halts) != len(s.pattern.Halts) {
		s.stops = pattern.NewStopIndex(next.Halts)
	}
	s.pattern, s.cps = next, cps
	s.revision++
	return s.snapshotLocked(), nil
}

// Undo restores the state before the last commit. Edits in flight are
// invalidated.
func (s *Session) Undo() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return s.snapshotLocked(), ErrNothingToUndo
	}
	last := s.history[len(s.history)-1]
	s.history = s.history[:len(s.history)-1]
	s.pattern, s.cps = last.pattern, last.cps
	s.stops = pattern.NewStopIndex(s.pattern.Halts)
	s.token++
	s.revision++
	return s.snapshotLocked(), nil
}

// SetSettings replaces the edit settings. Halt control points are hidden
// while snapping to stops.
func (s *Session) SetSettings(settings gtfs.EditSettings) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if settings.SnapToStops != s.settings.SnapToStops {
		cps := append([]gtfs.ControlPoint(nil), s.cps...)
		for i := range cps {
			if cps[i].Permanent {
				cps[i].Hidden = settings.SnapToStops
			}
		}
		s.cps = cps
	}
	s.settings = settings
	return s.snapshotLocked()
}

// Apply runs intent against the current state and commits the result.
// Recalculation happens outside the session lock.
func (s *Session) Apply(ctx context.Context, eng *Engine, intent Intent, allowFallback bool, snapRadius float64) (Snapshot, error) {
	token, snap := s.Begin()
	if snap.Settings.SnapToStops {
		intent = s.snap(intent, snapRadius)
	}
	res, err := eng.Recalculate(ctx, Request{
		Shape:                snap.Pattern.Shape,
		ControlPoints:        snap.ControlPoints,
		Halts:                snap.Pattern.Halts,
		Intent:               intent,
		FollowStreets:        snap.Settings.FollowStreets,
		StraightLineFallback: allowFallback,
	})
	if err != nil {
		return snap, err
	}
	return s.Commit(token, res)
}

func (s *Session) snap(intent Intent, radius float64) Intent {
	s.mu.Lock()
	stops := s.stops
	s.mu.Unlock()
	switch in := intent.(type) {
	case Insert:
		in.Point = stops.Snap(in.Point, radius)
		return in
	case Update:
		in.Point = stops.Snap(in.Point, radius)
		return in
	}
	return intent
}
