package render

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"routemap/internal/geo"
)

// LayerKind mirrors the map engine's layer types we use.
type LayerKind string

const LayerLine LayerKind = "line"

// Layer binds a visual style to a source.
type Layer struct {
	ID     string         `json:"id"`
	Kind   LayerKind      `json:"type"`
	Source string         `json:"source"`
	Paint  map[string]any `json:"paint"`
	Layout map[string]any `json:"layout,omitempty"`
}

// MarkerKind classifies point overlays.
type MarkerKind string

const (
	MarkerStart   MarkerKind = "start"
	MarkerEnd     MarkerKind = "end"
	MarkerStop    MarkerKind = "stop"
	MarkerVehicle MarkerKind = "vehicle"
)

type Marker struct {
	ID         string         `json:"id"`
	Kind       MarkerKind     `json:"kind"`
	Position   geo.Coordinate `json:"position"`
	Color      string         `json:"color,omitempty"`
	Label      string         `json:"label,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

type FitOptions struct {
	Padding  int
	MaxZoom  float64
	Duration time.Duration
}

// Surface is the map engine seen through ids. Implementations must treat
// removal of unknown ids as a no-op.
type Surface interface {
	AddSource(id string, data *geojson.FeatureCollection) error
	SetSourceData(id string, data *geojson.FeatureCollection) error
	RemoveSource(id string)
	HasSource(id string) bool

	AddLayer(l Layer) error
	RemoveLayer(id string)
	HasLayer(id string) bool
	SetPaint(layerID, property string, value any) error

	// AddMarker places or moves a marker.
	AddMarker(m Marker) error
	RemoveMarker(id string)
	HasMarker(id string) bool

	FitBounds(b orb.Bound, opts FitOptions)
	Repaint()
}
