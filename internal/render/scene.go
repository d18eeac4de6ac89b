package render

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var (
	ErrDuplicateID   = errors.New("id already exists")
	ErrUnknownSource = errors.New("unknown source")
	ErrUnknownLayer  = errors.New("unknown layer")
)

// Viewport is the last camera move requested on the scene.
type Viewport struct {
	Bounds   orb.Bound `json:"bounds"`
	Padding  int       `json:"padding"`
	MaxZoom  float64   `json:"maxZoom"`
	Duration int64     `json:"durationMs"`
}

// Snapshot is the serialisable state of a Scene. Layers are listed in
// compositing order (bottom first).
type Snapshot struct {
	Revision uint64                                `json:"revision"`
	Sources  map[string]*geojson.FeatureCollection `json:"sources"`
	Layers   []Layer                               `json:"layers"`
	Markers  []Marker                              `json:"markers"`
	Viewport *Viewport                             `json:"viewport,omitempty"`
	Repaints uint64                                `json:"repaints"`
	At       time.Time                             `json:"at"`
}

// Scene is an in-memory Surface. Web clients receive its snapshots and
// replay them on their map engine.
type Scene struct {
	mu       sync.RWMutex
	sources  map[string]*geojson.FeatureCollection
	layers   []Layer
	markers  map[string]Marker
	viewport *Viewport
	revision uint64
	repaints uint64

	subs map[chan uint64]struct{}
}

func NewScene() *Scene {
	return &Scene{
		sources: make(map[string]*geojson.FeatureCollection),
		markers: make(map[string]Marker),
		subs:    make(map[chan uint64]struct{}),
	}
}

func (s *Scene) AddSource(id string, data *geojson.FeatureCollection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; ok {
		return fmt.Errorf("source %s: %w", id, ErrDuplicateID)
	}
	s.sources[id] = data
	s.bumpLocked()
	return nil
}

func (s *Scene) SetSourceData(id string, data *geojson.FeatureCollection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; !ok {
		return fmt.Errorf("source %s: %w", id, ErrUnknownSource)
	}
	s.sources[id] = data
	s.bumpLocked()
	return nil
}

func (s *Scene) RemoveSource(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; !ok {
		return
	}
	delete(s.sources, id)
	s.bumpLocked()
}

func (s *Scene) HasSource(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sources[id]
	return ok
}

func (s *Scene) AddLayer(l Layer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.layerIndexLocked(l.ID) >= 0 {
		return fmt.Errorf("layer %s: %w", l.ID, ErrDuplicateID)
	}
	if _, ok := s.sources[l.Source]; !ok {
		return fmt.Errorf("layer %s source %s: %w", l.ID, l.Source, ErrUnknownSource)
	}
	paint := make(map[string]any, len(l.Paint))
	for k, v := range l.Paint {
		paint[k] = v
	}
	l.Paint = paint
	s.layers = append(s.layers, l)
	s.bumpLocked()
	return nil
}

func (s *Scene) RemoveLayer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.layerIndexLocked(id)
	if i < 0 {
		return
	}
	s.layers = append(s.layers[:i], s.layers[i+1:]...)
	s.bumpLocked()
}

func (s *Scene) HasLayer(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.layerIndexLocked(id) >= 0
}

func (s *Scene) SetPaint(layerID, property string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.layerIndexLocked(layerID)
	if i < 0 {
		return fmt.Errorf("layer %s: %w", layerID, ErrUnknownLayer)
	}
	s.layers[i].Paint[property] = value
	s.bumpLocked()
	return nil
}

func (s *Scene) AddMarker(m Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[m.ID] = m
	s.bumpLocked()
	return nil
}

func (s *Scene) RemoveMarker(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[id]; !ok {
		return
	}
	delete(s.markers, id)
	s.bumpLocked()
}

func (s *Scene) HasMarker(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.markers[id]
	return ok
}

func (s *Scene) FitBounds(b orb.Bound, opts FitOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport = &Viewport{Bounds: b, Padding: opts.Padding, MaxZoom: opts.MaxZoom, Duration: opts.Duration.Milliseconds()}
	s.bumpLocked()
}

func (s *Scene) Repaint() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repaints++
	s.bumpLocked()
}

// Layer returns a copy of the layer with the given id.
func (s *Scene) Layer(id string) (Layer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.layerIndexLocked(id)
	if i < 0 {
		return Layer{}, false
	}
	return copyLayer(s.layers[i]), true
}

func (s *Scene) Marker(id string) (Marker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markers[id]
	return m, ok
}

// Sizes returns the number of sources, layers and markers on the scene.
func (s *Scene) Sizes() (sources, layers, markers int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sources), len(s.layers), len(s.markers)
}

func (s *Scene) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Revision: s.revision,
		Sources:  make(map[string]*geojson.FeatureCollection, len(s.sources)),
		Layers:   make([]Layer, 0, len(s.layers)),
		Markers:  make([]Marker, 0, len(s.markers)),
		Repaints: s.repaints,
		At:       time.Now().UTC(),
	}
	for id, fc := range s.sources {
		snap.Sources[id] = fc
	}
	for _, l := range s.layers {
		snap.Layers = append(snap.Layers, copyLayer(l))
	}
	for _, m := range s.markers {
		snap.Markers = append(snap.Markers, m)
	}
	sort.Slice(snap.Markers, func(i, j int) bool { return snap.Markers[i].ID < snap.Markers[j].ID })
	if s.viewport != nil {
		vp := *s.viewport
		snap.Viewport = &vp
	}
	return snap
}

// Subscribe returns a channel receiving the latest revision after each change.
// Slow subscribers only see the most recent revision.
func (s *Scene) Subscribe() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (s *Scene) bumpLocked() {
	s.revision++
	for ch := range s.subs {
		select {
		case ch <- s.revision:
		default:
			// drop the stale revision and keep the newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s.revision:
			default:
			}
		}
	}
}

func (s *Scene) layerIndexLocked(id string) int {
	for i, l := range s.layers {
		if l.ID == id {
			return i
		}
	}
	return -1
}

func copyLayer(l Layer) Layer {
	paint := make(map[string]any, len(l.Paint))
	for k, v := range l.Paint {
		paint[k] = v
	}
	l.Paint = paint
	return l
}
