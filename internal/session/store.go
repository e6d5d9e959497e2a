// Package session holds the single active editing session: its video and
// frame metadata, the generation counter that invalidates stale propagation
// streams, the per-object click history and user object id allocation.
package session

import (
	"math"
	"sync"

	"github.com/heimdex/vidseg/internal/apperr"
)

// Info is the immutable description of a session.
type Info struct {
	ID                string  `json:"session_id"`
	VideoID           string  `json:"video_id,omitempty"`
	UploadPath        string  `json:"-"`
	FramesDir         string  `json:"-"`
	NumFrames         int     `json:"num_frames"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	SourceFPS         float64 `json:"source_fps"`
	ProcessingFPS     float64 `json:"processing_fps"`
	SourceDurationSec float64 `json:"source_duration_sec"`
}

// Point is one click in normalized image coordinates. Label 1 is positive,
// 0 is negative.
type Point struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label int     `json:"label"`
}

// Validate checks that the point lies in the unit square and has a known
// label.
func (p Point) Validate() error {
	if !inUnit(p.X) || !inUnit(p.Y) {
		return apperr.New(apperr.KindInvalidPoint, "point coordinates must be within [0, 1], got (%v, %v)", p.X, p.Y)
	}
	if p.Label != 0 && p.Label != 1 {
		return apperr.New(apperr.KindInvalidPoint, "point label must be 0 or 1, got %d", p.Label)
	}
	return nil
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

type clickKey struct {
	objID int
	frame int
}

type record struct {
	info          Info
	generation    uint64
	nextUserObjID int
	clicks        map[clickKey][]Point
}

// Store is a single-slot holder for the active session. All methods are
// safe for concurrent use and never block on I/O.
type Store struct {
	mu     sync.Mutex
	active *record
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// SetActive replaces the active session unconditionally. Releasing the
// previous session's external resources is the caller's job.
func (s *Store) SetActive(info Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = &record{
		info:          info,
		nextUserObjID: -1,
		clicks:        make(map[clickKey][]Point),
	}
}

// Active returns the current session, if any.
func (s *Store) Active() (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Info{}, false
	}
	return s.active.info, true
}

// ClearActive empties the slot and returns what was in it.
func (s *Store) ClearActive() (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Info{}, false
	}
	info := s.active.info
	s.active = nil
	return info, true
}

// ClearIfActive empties the slot only if it still holds session id.
func (s *Store) ClearIfActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.info.ID != id {
		return false
	}
	s.active = nil
	return true
}

// lookup must be called with mu held.
func (s *Store) lookup(id string) (*record, error) {
	if s.active == nil || s.active.info.ID != id {
		return nil, apperr.New(apperr.KindSessionNotFound, "session %q not found", id)
	}
	return s.active, nil
}

// Require returns the active session if its id matches.
func (s *Store) Require(id string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return rec.info, nil
}

func (s *Store) Generation(id string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	return rec.generation, nil
}

// BumpGeneration increments the generation and returns the new value.
func (s *Store) BumpGeneration(id string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	rec.generation++
	return rec.generation, nil
}

// IsGenerationCurrent reports whether the session's generation still
// equals g.
func (s *Store) IsGenerationCurrent(id string, g uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	return rec.generation == g, nil
}

// NextUserObjectID allocates an id for a user-created object: -1, -2, ...
func (s *Store) NextUserObjectID(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	objID := rec.nextUserObjID
	rec.nextUserObjID--
	return objID, nil
}

func (s *Store) ResetObjectCounter(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(id)
	if err != nil {
		return err
	}
	rec.nextUserObjID = -1
	return nil
}

// AddClickPoints appends points to the (objID, frame) history and returns a
// copy of everything accumulated for that key, oldest first.
func (s *Store) AddClickPoints(id string, objID, frame int, points []Point) ([]Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	key := clickKey{objID: objID, frame: frame}
	rec.clicks[key] = append(rec.clicks[key], points...)
	out := make([]Point, len(rec.clicks[key]))
	copy(out, rec.clicks[key])
	return out, nil
}

func (s *Store) ClearClickHistory(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(id)
	if err != nil {
		return err
	}
	clear(rec.clicks)
	return nil
}

func (s *Store) ClearClickHistoryForObject(id string, objID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(id)
	if err != nil {
		return err
	}
	for key := range rec.clicks {
		if key.objID == objID {
			delete(rec.clicks, key)
		}
	}
	return nil
}
