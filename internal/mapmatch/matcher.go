package mapmatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"routemap/internal/geo"
	"routemap/internal/polyline"
)

const (
	// FallbackConfidence marks a best-effort geometry after a failed service call.
	FallbackConfidence = 0.8
	// LocalConfidence is used when matching was not requested.
	LocalConfidence = 1.0
	// ServiceConfidence is used when the service matched but reported no score.
	ServiceConfidence = 1.0

	maxResponseBytes = 8 << 20
)

// Outcome labels for metrics.
const (
	OutcomeMatched  = "matched"
	OutcomeLocal    = "local"
	OutcomeFallback = "fallback"
)

// ErrNoCoordinates is returned for an empty input path.
var ErrNoCoordinates = errors.New("no coordinates to match")

// Result is the geometry handed to the renderer.
type Result struct {
	Geometry   geo.Path `json:"geometry"`
	Confidence float64  `json:"confidence"`
	Distance   float64  `json:"distance"` // meters
	Duration   float64  `json:"duration"` // seconds
	Matched    bool     `json:"matched"`
}

// Metrics receives one outcome per call and the latency of service calls.
type Metrics interface {
	MatchOutcomeInc(outcome string)
	MatchObserve(d time.Duration)
}

// Matcher snaps raw coordinates onto the road network through a
// trace_route endpoint, degrading to local haversine estimates on any failure.
type Matcher struct {
	baseURL string
	client  *http.Client
	metrics Metrics
}

// NewMatcher returns a Matcher for the routing service at baseURL. An empty
// baseURL disables service calls and a non-positive timeout means 10s.
func NewMatcher(baseURL string, timeout time.Duration, m Metrics) *Matcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Matcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		metrics: m,
	}
}

// ProcessRouteWithCoordinates returns a matched geometry for coords. It only
// fails when coords is empty; every service problem degrades to the local
// fallback with FallbackConfidence.
func (m *Matcher) ProcessRouteWithCoordinates(ctx context.Context, coords geo.Path, apiKey string, applyMapMatching bool) (Result, error) {
	if len(coords) == 0 {
		return Result{}, ErrNoCoordinates
	}
	if !applyMapMatching || strings.TrimSpace(apiKey) == "" || m.baseURL == "" {
		m.outcome(OutcomeLocal)
		return Local(coords, LocalConfidence), nil
	}

	start := time.Now()
	res, err := m.traceRoute(ctx, coords, apiKey)
	if m.metrics != nil {
		m.metrics.MatchObserve(time.Since(start))
	}
	if err != nil {
		log.Printf("map matching failed, using local geometry: points=%d err=%v", len(coords), err)
		m.outcome(OutcomeFallback)
		return Local(coords, FallbackConfidence), nil
	}
	m.outcome(OutcomeMatched)
	return res, nil
}

// Local builds the unmatched result: the input geometry, haversine distance
// and a duration at the average transit speed.
func Local(coords geo.Path, confidence float64) Result {
	dist := geo.PathLength(coords)
	return Result{
		Geometry:   coords.Clone(),
		Confidence: confidence,
		Distance:   dist,
		Duration:   geo.EstimateDuration(dist),
	}
}

func (m *Matcher) outcome(o string) {
	if m.metrics != nil {
		m.metrics.MatchOutcomeInc(o)
	}
}

type shapePoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type traceRequest struct {
	Shape          []shapePoint   `json:"shape"`
	Costing        string         `json:"costing"`
	ShapeMatch     string         `json:"shape_match"`
	CostingOptions map[string]any `json:"costing_options"`
}

type traceResponse struct {
	Trip *struct {
		Summary *struct {
			Length *float64 `json:"length"` // kilometers
			Time   *float64 `json:"time"`   // seconds
		} `json:"summary"`
		Legs []struct {
			Shape json.RawMessage `json:"shape"`
		} `json:"legs"`
	} `json:"trip"`
	Shape         json.RawMessage `json:"shape"`
	MatchedPoints json.RawMessage `json:"matched_points"`
	Edges         json.RawMessage `json:"edges"`
	Confidence    *float64        `json:"confidence"`
}

func newTraceRequest(coords geo.Path) traceRequest {
	shape := make([]shapePoint, len(coords))
	for i, c := range coords {
		shape[i] = shapePoint{Lat: c.Lat(), Lon: c.Lon()}
	}
	return traceRequest{
		Shape:      shape,
		Costing:    "bus",
		ShapeMatch: "map_snap",
		CostingOptions: map[string]any{
			"bus": map[string]any{
				"use_highways": 0.5,
				"use_tolls":    0.5,
				"use_ferry":    0.0,
			},
		},
	}
}

func (m *Matcher) traceRoute(ctx context.Context, coords geo.Path, apiKey string) (Result, error) {
	body, err := json.Marshal(newTraceRequest(coords))
	if err != nil {
		return Result{}, err
	}
	endpoint := fmt.Sprintf("%s/trace_route?api_key=%s", m.baseURL, url.QueryEscape(apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("trace_route request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Result{}, fmt.Errorf("trace_route status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var tr traceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&tr); err != nil {
		return Result{}, fmt.Errorf("decode trace_route response: %w", err)
	}
	return tr.result()
}

func (tr traceResponse) geometry() (json.RawMessage, bool) {
	candidates := []json.RawMessage{tr.Shape, tr.MatchedPoints, tr.Edges}
	if tr.Trip != nil && len(tr.Trip.Legs) > 0 {
		candidates = append([]json.RawMessage{tr.Trip.Legs[0].Shape}, candidates...)
	}
	for _, raw := range candidates {
		if len(raw) > 0 && string(raw) != "null" {
			return raw, true
		}
	}
	return nil, false
}

func (tr traceResponse) result() (Result, error) {
	raw, ok := tr.geometry()
	if !ok {
		return Result{}, errors.New("trace_route response has no geometry")
	}
	path, err := polyline.DecodeGeometry(raw)
	if err != nil {
		return Result{}, fmt.Errorf("decode geometry: %w", err)
	}
	if !path.Drawable() {
		return Result{}, fmt.Errorf("matched geometry has %d points", len(path))
	}

	res := Result{Geometry: path, Confidence: ServiceConfidence, Matched: true}
	if tr.Confidence != nil && *tr.Confidence >= 0 && *tr.Confidence <= 1 {
		res.Confidence = *tr.Confidence
	}
	if tr.Trip != nil && tr.Trip.Summary != nil && tr.Trip.Summary.Length != nil {
		res.Distance = *tr.Trip.Summary.Length * 1000
	} else {
		res.Distance = geo.PathLength(path)
	}
	if tr.Trip != nil && tr.Trip.Summary != nil && tr.Trip.Summary.Time != nil {
		res.Duration = *tr.Trip.Summary.Time
	} else {
		res.Duration = geo.EstimateDuration(res.Distance)
	}
	return res, nil
}
