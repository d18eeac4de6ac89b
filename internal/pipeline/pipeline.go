package pipeline

import (
	"context"
	"fmt"
	"log"

	"routemap/internal/geo"
	"routemap/internal/mapmatch"
	"routemap/internal/render"
	"routemap/internal/transit"
)

type VariantStore interface {
	FetchRouteVariant(ctx context.Context, id transit.ID) (transit.RouteVariant, error)
	FetchVariantStops(ctx context.Context, variantID transit.ID) ([]transit.VariantStop, error)
}

type Matcher interface {
	ProcessRouteWithCoordinates(ctx context.Context, coords geo.Path, apiKey string, applyMapMatching bool) (mapmatch.Result, error)
}

// Options tune a single draw.
type Options struct {
	MapMatching bool
	Style       render.Style
	WithStops   bool
	Fit         bool
}

// Pipeline turns a stored route variant into drawn map state: load, match,
// render and frame.
type Pipeline struct {
	store    VariantStore
	matcher  Matcher
	renderer *render.Renderer
	apiKey   string
}

func New(store VariantStore, matcher Matcher, r *render.Renderer, apiKey string) *Pipeline {
	return &Pipeline{store: store, matcher: matcher, renderer: r, apiKey: apiKey}
}

func variantRouteID(id transit.ID) string { return "variant-" + string(id) }

// DrawVariant draws a variant under the id "variant-{id}". A variant whose
// path has fewer than two points is drawn as-is, without matching, and
// reports a zero distance.
func (p *Pipeline) DrawVariant(ctx context.Context, variantID transit.ID, opts Options) (mapmatch.Result, error) {
	v, err := p.store.FetchRouteVariant(ctx, variantID)
	if err != nil {
		return mapmatch.Result{}, fmt.Errorf("load variant %s: %w", variantID, err)
	}
	var stops []transit.Stop
	if opts.WithStops {
		vs, err := p.store.FetchVariantStops(ctx, variantID)
		if err != nil {
			return mapmatch.Result{}, fmt.Errorf("load stops of variant %s: %w", variantID, err)
		}
		stops = make([]transit.Stop, len(vs))
		for i, s := range vs {
			stops[i] = s.Stop
		}
	}

	var res mapmatch.Result
	if v.Path.Drawable() {
		res, err = p.matcher.ProcessRouteWithCoordinates(ctx, v.Path, p.apiKey, opts.MapMatching)
		if err != nil {
			return mapmatch.Result{}, err
		}
	} else {
		res = mapmatch.Result{Geometry: v.Path.Clone(), Confidence: mapmatch.LocalConfidence}
	}

	id := variantRouteID(variantID)
	if err := p.renderer.AddRouteToMap(id, res.Geometry, opts.Style, stops); err != nil {
		return res, fmt.Errorf("draw variant %s: %w", variantID, err)
	}
	if opts.Fit {
		p.renderer.FitBoundsToRoute(res.Geometry)
	}
	log.Printf("variant drawn: variant=%s points=%d stops=%d matched=%t confidence=%.2f", variantID, len(res.Geometry), len(stops), res.Matched, res.Confidence)
	return res, nil
}

func (p *Pipeline) RemoveVariant(variantID transit.ID) {
	p.renderer.RemoveRouteFromMap(variantRouteID(variantID))
}

// Highlight reports false when the variant is not drawn.
func (p *Pipeline) Highlight(variantID transit.ID, on bool) bool {
	return p.renderer.HighlightRoute(variantRouteID(variantID), on)
}

func (p *Pipeline) Clear() {
	p.renderer.ClearAllRoutes()
}
