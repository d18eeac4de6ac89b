package editor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"routemap/internal/geo"
	"routemap/internal/mapmatch"
	"routemap/internal/render"
	"routemap/internal/transit"
)

var (
	ErrDraftNotFound = errors.New("draft not found")
	ErrTooFewPoints  = errors.New("a route needs at least two points")
	ErrNoVariant     = errors.New("draft is not bound to a route variant")
	ErrDuplicateStop = errors.New("stop already assigned")
	ErrUnknownStop   = errors.New("unknown stop")
	ErrNoStopNearby  = errors.New("no stop within radius")
	ErrStopIndex     = errors.New("stop index out of range")
	ErrDraftBusy     = errors.New("draft is being saved")
)

// DefaultSnapRadius is how far (meters) a click may land from a stop and
// still select it.
const DefaultSnapRadius = 50.0

// Store is the part of the backend the editor reads from and writes to.
type Store interface {
	FetchRouteVariant(ctx context.Context, id transit.ID) (transit.RouteVariant, error)
	FetchVariantStops(ctx context.Context, variantID transit.ID) ([]transit.VariantStop, error)
	FetchStops(ctx context.Context) ([]transit.Stop, error)
	SaveVariantPath(ctx context.Context, id transit.ID, path geo.Path, length float64) error
	ReplaceVariantStops(ctx context.Context, variantID transit.ID, stopIDs []transit.ID) error
}

type Matcher interface {
	ProcessRouteWithCoordinates(ctx context.Context, coords geo.Path, apiKey string, applyMapMatching bool) (mapmatch.Result, error)
}

// Draft is a route variant being drawn point by point on the map.
type Draft struct {
	ID        uuid.UUID      `json:"id"`
	VariantID transit.ID     `json:"variantId,omitempty"`
	Points    geo.Path       `json:"points"`
	Stops     []transit.Stop `json:"stops"`
	Length    float64        `json:"length"` // meters, unmatched
	CreatedAt time.Time      `json:"createdAt"`

	finishing bool
}

func (d *Draft) clone() Draft {
	out := *d
	out.Points = d.Points.Clone()
	out.Stops = append([]transit.Stop(nil), d.Stops...)
	out.Length = geo.PathLength(d.Points)
	return out
}

// Manager keeps the open drafts and their previews on the map.
type Manager struct {
	store    Store
	matcher  Matcher
	renderer *render.Renderer
	apiKey   string
	style    render.Style

	mu     sync.Mutex
	drafts map[uuid.UUID]*Draft
}

func NewManager(store Store, matcher Matcher, r *render.Renderer, apiKey string) *Manager {
	style := render.DefaultStyle()
	style.Color = "#f59e0b"
	return &Manager{
		store:    store,
		matcher:  matcher,
		renderer: r,
		apiKey:   apiKey,
		style:    style,
		drafts:   make(map[uuid.UUID]*Draft),
	}
}

func previewID(id uuid.UUID) string { return "draft-" + id.String() }

// New opens a draft. When variantID is set the variant's current path and
// stops are loaded so that they can be edited.
func (m *Manager) New(ctx context.Context, variantID transit.ID) (Draft, error) {
	d := &Draft{ID: uuid.New(), VariantID: variantID, CreatedAt: time.Now().UTC()}
	if variantID != "" {
		v, err := m.store.FetchRouteVariant(ctx, variantID)
		if err != nil {
			return Draft{}, err
		}
		stops, err := m.store.FetchVariantStops(ctx, variantID)
		if err != nil {
			return Draft{}, err
		}
		d.Points = v.Path.Clone()
		for _, s := range stops {
			d.Stops = append(d.Stops, s.Stop)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts[d.ID] = d
	m.redrawLocked(d)
	return d.clone(), nil
}

func (m *Manager) Get(id uuid.UUID) (Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[id]
	if !ok {
		return Draft{}, ErrDraftNotFound
	}
	return d.clone(), nil
}

// List returns every open draft.
func (m *Manager) List() []Draft {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Draft, 0, len(m.drafts))
	for _, d := range m.drafts {
		out = append(out, d.clone())
	}
	return out
}

func (m *Manager) AddPoint(id uuid.UUID, c geo.Coordinate) (Draft, error) {
	if !geo.Valid(c) {
		return Draft{}, fmt.Errorf("invalid coordinate %v", c)
	}
	return m.update(id, func(d *Draft) error {
		d.Points = append(d.Points, c)
		return nil
	})
}

// UndoPoint drops the last point. It is a no-op on an empty draft.
func (m *Manager) UndoPoint(id uuid.UUID) (Draft, error) {
	return m.update(id, func(d *Draft) error {
		if len(d.Points) > 0 {
			d.Points = d.Points[:len(d.Points)-1]
		}
		return nil
	})
}

func (m *Manager) ClearPoints(id uuid.UUID) (Draft, error) {
	return m.update(id, func(d *Draft) error {
		d.Points = nil
		return nil
	})
}

// AssignStop appends a known stop to the draft's stop sequence.
func (m *Manager) AssignStop(ctx context.Context, id uuid.UUID, stopID transit.ID) (Draft, error) {
	stops, err := m.store.FetchStops(ctx)
	if err != nil {
		return Draft{}, err
	}
	for _, s := range stops {
		if s.ID == stopID {
			return m.appendStop(id, s)
		}
	}
	return Draft{}, fmt.Errorf("stop %s: %w", stopID, ErrUnknownStop)
}

// AssignNearestStop appends the known stop closest to c, provided it lies
// within radius meters.
func (m *Manager) AssignNearestStop(ctx context.Context, id uuid.UUID, c geo.Coordinate, radius float64) (Draft, error) {
	if radius <= 0 {
		radius = DefaultSnapRadius
	}
	stops, err := m.store.FetchStops(ctx)
	if err != nil {
		return Draft{}, err
	}
	locs := make(geo.Path, len(stops))
	for i, s := range stops {
		locs[i] = s.Location
	}
	idx, dist := geo.Nearest(locs, c)
	if idx < 0 || dist > radius {
		return Draft{}, ErrNoStopNearby
	}
	return m.appendStop(id, stops[idx])
}

func (m *Manager) appendStop(id uuid.UUID, s transit.Stop) (Draft, error) {
	return m.update(id, func(d *Draft) error {
		for _, have := range d.Stops {
			if have.ID == s.ID {
				return fmt.Errorf("stop %s: %w", s.ID, ErrDuplicateStop)
			}
		}
		d.Stops = append(d.Stops, s)
		return nil
	})
}

func (m *Manager) RemoveStop(id uuid.UUID, stopID transit.ID) (Draft, error) {
	return m.update(id, func(d *Draft) error {
		for i, s := range d.Stops {
			if s.ID == stopID {
				d.Stops = append(d.Stops[:i], d.Stops[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("stop %s: %w", stopID, ErrUnknownStop)
	})
}

// MoveStop moves the stop at position from to position to, shifting the
// stops in between.
func (m *Manager) MoveStop(id uuid.UUID, from, to int) (Draft, error) {
	return m.update(id, func(d *Draft) error {
		n := len(d.Stops)
		if from < 0 || from >= n || to < 0 || to >= n {
			return ErrStopIndex
		}
		s := d.Stops[from]
		d.Stops = append(d.Stops[:from], d.Stops[from+1:]...)
		d.Stops = append(d.Stops[:to], append([]transit.Stop{s}, d.Stops[to:]...)...)
		return nil
	})
}

// Finish matches the drawn points, saves the result as the variant's path
// together with the stop sequence, and closes the draft.
func (m *Manager) Finish(ctx context.Context, id uuid.UUID, applyMapMatching bool) (res mapmatch.Result, err error) {
	d, err := m.beginFinish(id)
	if err != nil {
		return mapmatch.Result{}, err
	}
	defer func() {
		if err != nil {
			m.endFinish(id)
		}
	}()

	res, err = m.matcher.ProcessRouteWithCoordinates(ctx, d.Points, m.apiKey, applyMapMatching)
	if err != nil {
		return mapmatch.Result{}, err
	}
	if err := m.store.SaveVariantPath(ctx, d.VariantID, res.Geometry, res.Distance); err != nil {
		return mapmatch.Result{}, fmt.Errorf("save path: %w", err)
	}
	stopIDs := make([]transit.ID, len(d.Stops))
	for i, s := range d.Stops {
		stopIDs[i] = s.ID
	}
	if err := m.store.ReplaceVariantStops(ctx, d.VariantID, stopIDs); err != nil {
		return mapmatch.Result{}, fmt.Errorf("save stops: %w", err)
	}
	log.Printf("draft saved: draft=%s variant=%s points=%d stops=%d matched=%t", id, d.VariantID, len(res.Geometry), len(stopIDs), res.Matched)

	m.Discard(id)
	return res, nil
}

// beginFinish validates the draft and locks it against edits until the
// save either completes or fails.
func (m *Manager) beginFinish(id uuid.UUID) (Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[id]
	switch {
	case !ok:
		return Draft{}, ErrDraftNotFound
	case d.finishing:
		return Draft{}, ErrDraftBusy
	case d.VariantID == "":
		return Draft{}, ErrNoVariant
	case !d.Points.Drawable():
		return Draft{}, ErrTooFewPoints
	}
	d.finishing = true
	return d.clone(), nil
}

func (m *Manager) endFinish(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.drafts[id]; ok {
		d.finishing = false
	}
}

// Discard removes the preview and forgets the draft.
func (m *Manager) Discard(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drafts[id]; !ok {
		return false
	}
	delete(m.drafts, id)
	m.renderer.RemoveRouteFromMap(previewID(id))
	return true
}

func (m *Manager) update(id uuid.UUID, fn func(d *Draft) error) (Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[id]
	if !ok {
		return Draft{}, ErrDraftNotFound
	}
	if d.finishing {
		return Draft{}, ErrDraftBusy
	}
	if err := fn(d); err != nil {
		return Draft{}, err
	}
	m.redrawLocked(d)
	return d.clone(), nil
}

func (m *Manager) redrawLocked(d *Draft) {
	key := previewID(d.ID)
	if len(d.Points) == 0 {
		m.renderer.RemoveRouteFromMap(key)
		if len(d.Stops) > 0 {
			if err := m.renderer.AddStopsToMap(key, d.Stops); err != nil {
				log.Printf("draft preview stops: draft=%s err=%v", d.ID, err)
			}
		}
		return
	}
	// an existing preview line only needs new geometry
	updated, err := m.renderer.SetRouteGeometry(key, d.Points)
	if err != nil {
		log.Printf("draft preview geometry: draft=%s err=%v", d.ID, err)
	}
	if updated {
		if err := m.renderer.AddStopsToMap(key, d.Stops); err != nil {
			log.Printf("draft preview stops: draft=%s err=%v", d.ID, err)
		}
		return
	}
	if err := m.renderer.AddRouteToMap(key, d.Points, m.style, d.Stops); err != nil {
		log.Printf("draft preview: draft=%s err=%v", d.ID, err)
	}
}
