package render

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"

	"routemap/internal/geo"
	"routemap/internal/transit"
)

const (
	fitPadding  = 50
	fitMaxZoom  = 15
	fitDuration = time.Second
)

type Metrics interface {
	SceneSizes(sources, layers, markers int)
}

// Vehicle is a live bus marker.
type Vehicle struct {
	BusID    transit.ID
	Position geo.Coordinate
	Color    string
	Label    string
	Props    map[string]any
}

type routeState struct {
	style       Style
	highlighted bool
	sources     []string
	layers      []string
	markers     []string
}

// Renderer is the only writer of route, stop and vehicle state on a Surface.
// Every id it adds is tracked so that removal is symmetric.
type Renderer struct {
	mu       sync.Mutex
	surface  Surface
	metrics  Metrics
	routes   map[string]*routeState
	stops    map[string][]string // routeID -> stop marker ids
	vehicles map[string]struct{} // vehicle marker ids

	fitDelay time.Duration
	fitTimer *time.Timer
}

func NewRenderer(s Surface, m Metrics) *Renderer {
	return &Renderer{
		surface:  s,
		metrics:  m,
		routes:   make(map[string]*routeState),
		stops:    make(map[string][]string),
		vehicles: make(map[string]struct{}),
		fitDelay: fitDuration,
	}
}

func sourceID(routeID string) string { return "route-" + routeID }

func layerID(routeID, suffix string) string { return fmt.Sprintf("route-%s-%s", routeID, suffix) }

func endpointID(routeID string, k MarkerKind) string { return fmt.Sprintf("route-%s-%s", routeID, k) }

func stopMarkerID(routeID string, stopID transit.ID) string {
	return fmt.Sprintf("stop-%s-%s", routeID, stopID)
}

func vehicleMarkerID(busID transit.ID) string { return "vehicle-" + string(busID) }

// AddRouteToMap draws coords as routeID, replacing whatever was drawn before
// under that id. An empty path is ignored. A single point only gets a start
// marker because no line can be drawn.
func (r *Renderer) AddRouteToMap(routeID string, coords geo.Path, style Style, stops []transit.Stop) error {
	if len(coords) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.reportLocked()

	r.removeRouteLocked(routeID)
	style = style.withDefaults()
	st := &routeState{style: style}
	r.routes[routeID] = st

	if coords.Drawable() {
		src := sourceID(routeID)
		if err := r.surface.AddSource(src, routeData(routeID, coords)); err != nil {
			return fmt.Errorf("add source %s: %w", src, err)
		}
		st.sources = append(st.sources, src)

		for _, suffix := range routeLayerOrder {
			l := Layer{
				ID:     layerID(routeID, suffix),
				Kind:   LayerLine,
				Source: src,
				Paint:  style.paint(suffix),
				Layout: map[string]any{"line-join": "round", "line-cap": "round"},
			}
			if err := r.surface.AddLayer(l); err != nil {
				return fmt.Errorf("add layer %s: %w", l.ID, err)
			}
			st.layers = append(st.layers, l.ID)
		}
	}

	start := Marker{ID: endpointID(routeID, MarkerStart), Kind: MarkerStart, Position: coords[0], Color: style.Color}
	if err := r.surface.AddMarker(start); err != nil {
		return fmt.Errorf("add marker %s: %w", start.ID, err)
	}
	st.markers = append(st.markers, start.ID)
	if coords.Drawable() {
		end := Marker{ID: endpointID(routeID, MarkerEnd), Kind: MarkerEnd, Position: coords[len(coords)-1], Color: style.Color}
		if err := r.surface.AddMarker(end); err != nil {
			return fmt.Errorf("add marker %s: %w", end.ID, err)
		}
		st.markers = append(st.markers, end.ID)
	}

	if len(stops) > 0 {
		return r.addStopsLocked(routeID, stops)
	}
	return nil
}

func routeData(routeID string, coords geo.Path) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(coords.LineString())
	f.Properties["route_id"] = routeID
	fc.Append(f)
	return fc
}

// SetRouteGeometry swaps the line of a drawn route for coords and moves its
// endpoint markers, keeping layers, style and stops. It reports false when
// routeID has no line to update, in which case the caller should draw it
// with AddRouteToMap.
func (r *Renderer) SetRouteGeometry(routeID string, coords geo.Path) (bool, error) {
	if !coords.Drawable() {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.routes[routeID]
	if !ok || len(st.sources) == 0 {
		return false, nil
	}
	if err := r.surface.SetSourceData(sourceID(routeID), routeData(routeID, coords)); err != nil {
		return false, fmt.Errorf("set source %s: %w", sourceID(routeID), err)
	}
	ends := []Marker{
		{ID: endpointID(routeID, MarkerStart), Kind: MarkerStart, Position: coords[0], Color: st.style.Color},
		{ID: endpointID(routeID, MarkerEnd), Kind: MarkerEnd, Position: coords[len(coords)-1], Color: st.style.Color},
	}
	for _, m := range ends {
		if err := r.surface.AddMarker(m); err != nil {
			return true, fmt.Errorf("move marker %s: %w", m.ID, err)
		}
	}
	return true, nil
}

// RemoveRouteFromMap removes everything drawn for routeID, stops included.
func (r *Renderer) RemoveRouteFromMap(routeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeRouteLocked(routeID)
	r.reportLocked()
}

func (r *Renderer) removeRouteLocked(routeID string) {
	r.removeStopsLocked(routeID)
	st, ok := r.routes[routeID]
	if !ok {
		return
	}
	// layers before their sources
	for i := len(st.layers) - 1; i >= 0; i-- {
		if r.surface.HasLayer(st.layers[i]) {
			r.surface.RemoveLayer(st.layers[i])
		}
	}
	for _, id := range st.sources {
		if r.surface.HasSource(id) {
			r.surface.RemoveSource(id)
		}
	}
	for _, id := range st.markers {
		if r.surface.HasMarker(id) {
			r.surface.RemoveMarker(id)
		}
	}
	delete(r.routes, routeID)
}

// ClearAllRoutes removes every route, stop and vehicle the renderer drew.
func (r *Renderer) ClearAllRoutes() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.routes {
		r.removeRouteLocked(id)
	}
	for id := range r.stops {
		r.removeStopsLocked(id)
	}
	for id := range r.vehicles {
		r.surface.RemoveMarker(id)
	}
	r.vehicles = make(map[string]struct{})
	if r.fitTimer != nil {
		r.fitTimer.Stop()
		r.fitTimer = nil
	}
	r.reportLocked()
}

// AddStopsToMap replaces the stop markers of routeID.
func (r *Renderer) AddStopsToMap(routeID string, stops []transit.Stop) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.reportLocked()
	r.removeStopsLocked(routeID)
	return r.addStopsLocked(routeID, stops)
}

// addStopsLocked places one marker per distinct stop. A stop visited more
// than once, like the origin of a loop, keeps every sequence number.
func (r *Renderer) addStopsLocked(routeID string, stops []transit.Stop) error {
	markers := make([]Marker, 0, len(stops))
	index := make(map[string]int, len(stops))
	for i, s := range stops {
		id := stopMarkerID(routeID, s.ID)
		if j, ok := index[id]; ok {
			p := markers[j].Properties
			p["sequences"] = append(p["sequences"].([]int), i+1)
			continue
		}
		index[id] = len(markers)
		markers = append(markers, Marker{
			ID:       id,
			Kind:     MarkerStop,
			Position: s.Location,
			Label:    s.Name,
			Properties: map[string]any{
				"stop_id":   string(s.ID),
				"sequence":  i + 1,
				"sequences": []int{i + 1},
			},
		})
	}
	for _, m := range markers {
		if err := r.surface.AddMarker(m); err != nil {
			return fmt.Errorf("add stop marker %s: %w", m.ID, err)
		}
		r.stops[routeID] = append(r.stops[routeID], m.ID)
	}
	return nil
}

func (r *Renderer) RemoveStopsFromMap(routeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeStopsLocked(routeID)
	r.reportLocked()
}

func (r *Renderer) removeStopsLocked(routeID string) {
	for _, id := range r.stops[routeID] {
		if r.surface.HasMarker(id) {
			r.surface.RemoveMarker(id)
		}
	}
	delete(r.stops, routeID)
}

// FitBoundsToRoute moves the viewport over coords and repaints once the
// camera animation is over, since tiles requested mid-animation can be lost.
func (r *Renderer) FitBoundsToRoute(coords geo.Path) {
	b, ok := geo.Bounds(coords)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.surface.FitBounds(b, FitOptions{Padding: fitPadding, MaxZoom: fitMaxZoom, Duration: fitDuration})
	if r.fitTimer != nil {
		r.fitTimer.Stop()
	}
	r.fitTimer = time.AfterFunc(r.fitDelay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.surface.Repaint()
	})
}

// HighlightRoute toggles emphasis on an already drawn route without
// touching its geometry. It reports whether the route was found.
func (r *Renderer) HighlightRoute(routeID string, highlight bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.routes[routeID]
	if !ok {
		return false
	}
	if st.highlighted == highlight {
		return true
	}
	style := st.style
	if highlight {
		style = style.Highlighted()
	}
	for _, id := range st.layers {
		suffix := id[len(layerID(routeID, "")):]
		for prop, v := range style.paint(suffix) {
			if prop != "line-width" && prop != "line-opacity" {
				continue
			}
			if err := r.surface.SetPaint(id, prop, v); err != nil {
				log.Printf("highlight route %s: %v", routeID, err)
			}
		}
	}
	st.highlighted = highlight
	return true
}

// UpdateVehicles places a marker per vehicle and removes markers of vehicles
// missing from vs.
func (r *Renderer) UpdateVehicles(vs []Vehicle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.reportLocked()

	seen := make(map[string]struct{}, len(vs))
	var firstErr error
	for _, v := range vs {
		if !geo.Valid(v.Position) {
			continue
		}
		id := vehicleMarkerID(v.BusID)
		m := Marker{ID: id, Kind: MarkerVehicle, Position: v.Position, Color: v.Color, Label: v.Label, Properties: v.Props}
		if err := r.surface.AddMarker(m); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("vehicle %s: %w", v.BusID, err)
			}
			continue
		}
		seen[id] = struct{}{}
		r.vehicles[id] = struct{}{}
	}
	for id := range r.vehicles {
		if _, ok := seen[id]; ok {
			continue
		}
		r.surface.RemoveMarker(id)
		delete(r.vehicles, id)
	}
	return firstErr
}

func (r *Renderer) HasRoute(routeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.routes[routeID]
	return ok
}

// Routes lists the ids currently drawn.
func (r *Renderer) Routes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.routes))
	for id := range r.routes {
		ids = append(ids, id)
	}
	return ids
}

// Counts returns the number of tracked sources, layers and markers.
func (r *Renderer) Counts() (sources, layers, markers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countsLocked()
}

func (r *Renderer) countsLocked() (sources, layers, markers int) {
	for _, st := range r.routes {
		sources += len(st.sources)
		layers += len(st.layers)
		markers += len(st.markers)
	}
	for _, ids := range r.stops {
		markers += len(ids)
	}
	markers += len(r.vehicles)
	return
}

func (r *Renderer) reportLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.SceneSizes(r.countsLocked())
}
