package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routemap/internal/db"
	"routemap/internal/geo"
	"routemap/internal/mapmatch"
	"routemap/internal/polyline"
	"routemap/internal/render"
	"routemap/internal/transit"
)

type fakeStore struct {
	variants map[transit.ID]transit.RouteVariant
}

func (f *fakeStore) FetchRouteVariant(ctx context.Context, id transit.ID) (transit.RouteVariant, error) {
	v, ok := f.variants[id]
	if !ok {
		return v, db.ErrNotFound
	}
	return v, nil
}

func (f *fakeStore) FetchVariantStops(ctx context.Context, id transit.ID) ([]transit.VariantStop, error) {
	return []transit.VariantStop{
		{Stop: transit.Stop{ID: "s1", Location: geo.Coordinate{-75.51, 5.07}}, Order: 1},
		{Stop: transit.Stop{ID: "s2", Location: geo.Coordinate{-75.49, 5.06}}, Order: 2},
	}, nil
}

var raw = geo.Path{{-75.51, 5.07}, {-75.50, 5.065}, {-75.49, 5.06}}

func newPipeline(matcher Matcher) (*Pipeline, *render.Scene) {
	store := &fakeStore{variants: map[transit.ID]transit.RouteVariant{
		"v1":     {ID: "v1", Path: raw},
		"single": {ID: "single", Path: geo.Path{{-75.51, 5.07}}},
		"empty":  {ID: "empty"},
	}}
	scene := render.NewScene()
	return New(store, matcher, render.NewRenderer(scene, nil), "key"), scene
}

func TestDrawVariantMatched(t *testing.T) {
	matched := geo.Path{{-75.5101, 5.0701}, {-75.5049, 5.0674}, {-75.4999, 5.0651}, {-75.4901, 5.0601}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"trip": map[string]any{
				"legs":    []map[string]any{{"shape": polyline.Encode(matched)}},
				"summary": map[string]any{"length": 2.5, "time": 420},
			},
		})
	}))
	defer srv.Close()

	p, scene := newPipeline(mapmatch.NewMatcher(srv.URL, time.Second, nil))
	res, err := p.DrawVariant(context.Background(), "v1", Options{MapMatching: true, WithStops: true, Fit: true})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.InDelta(t, 2500, res.Distance, 1e-6)
	assert.Len(t, res.Geometry, 4)

	snap := scene.Snapshot()
	require.Contains(t, snap.Sources, "route-variant-v1")
	ls, ok := snap.Sources["route-variant-v1"].Features[0].Geometry.(orb.LineString)
	require.True(t, ok)
	assert.Len(t, ls, 4)
	assert.True(t, scene.HasMarker("stop-variant-v1-s1"))
	assert.True(t, scene.HasMarker("stop-variant-v1-s2"))
	require.NotNil(t, snap.Viewport)
	assert.Equal(t, 15.0, snap.Viewport.MaxZoom)
}

func TestDrawVariantServiceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, scene := newPipeline(mapmatch.NewMatcher(srv.URL, time.Second, nil))
	res, err := p.DrawVariant(context.Background(), "v1", Options{MapMatching: true})
	require.NoError(t, err)
	assert.Equal(t, mapmatch.FallbackConfidence, res.Confidence)
	assert.Equal(t, raw, res.Geometry)
	assert.InDelta(t, geo.PathLength(raw), res.Distance, 1e-9)
	assert.True(t, scene.HasLayer("route-variant-v1-line"))
}

func TestDrawDegenerateVariants(t *testing.T) {
	p, scene := newPipeline(mapmatch.NewMatcher("", 0, nil))

	res, err := p.DrawVariant(context.Background(), "single", Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Distance)
	assert.False(t, scene.HasSource("route-variant-single"))
	assert.True(t, scene.HasMarker("route-variant-single-start"))

	res, err = p.DrawVariant(context.Background(), "empty", Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Distance)
	assert.Empty(t, res.Geometry)

	_, err = p.DrawVariant(context.Background(), "missing", Options{})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRedrawHighlightRemove(t *testing.T) {
	p, scene := newPipeline(mapmatch.NewMatcher("", 0, nil))
	ctx := context.Background()

	_, err := p.DrawVariant(ctx, "v1", Options{})
	require.NoError(t, err)
	_, err = p.DrawVariant(ctx, "v1", Options{Style: render.Style{Color: "#ff0000"}})
	require.NoError(t, err)
	s, l, m := scene.Sizes()
	assert.Equal(t, []int{1, 4, 2}, []int{s, l, m})

	line, _ := scene.Layer("route-variant-v1-line")
	assert.Equal(t, "#ff0000", line.Paint["line-color"])

	assert.True(t, p.Highlight("v1", true))
	line, _ = scene.Layer("route-variant-v1-line")
	assert.Equal(t, 1.0, line.Paint["line-opacity"])
	assert.False(t, p.Highlight("other", true))

	p.RemoveVariant("v1")
	s, l, m = scene.Sizes()
	assert.Zero(t, s+l+m)

	_, err = p.DrawVariant(ctx, "v1", Options{})
	require.NoError(t, err)
	p.Clear()
	s, l, m = scene.Sizes()
	assert.Zero(t, s+l+m)
}
