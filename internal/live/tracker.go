package live

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"routemap/internal/geo"
	"routemap/internal/publisher"
	"routemap/internal/render"
	"routemap/internal/transit"
)

const DefaultPollInterval = 10 * time.Second

type VariantSource interface {
	FetchRouteVariant(ctx context.Context, id transit.ID) (transit.RouteVariant, error)
}

type Publisher interface {
	PublishPosition(msg publisher.PositionMessage) error
}

type Metrics interface {
	PollInc()
	PollErrInc()
	VehiclesSet(n int)
}

type Config struct {
	Interval time.Duration
	// OffsetTotal is the full lateral range shared by companies on one variant.
	OffsetTotal float64
	LineWidth   float64
}

// Tracker polls the vehicle feed and keeps the live layer of the map in sync:
// one marker per bus and one offset, company-coloured line per
// (variant, company) pair currently in service.
type liveLine struct {
	variantID transit.ID
	style     render.Style
}

type Tracker struct {
	feed     Feed
	variants VariantSource
	renderer *render.Renderer
	colors   *render.ColorCache
	pub      Publisher
	metrics  Metrics
	cfg      Config

	mu    sync.Mutex
	drawn map[string]liveLine // live route key -> what was drawn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTracker(feed Feed, variants VariantSource, r *render.Renderer, colors *render.ColorCache, pub Publisher, m Metrics, cfg Config) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.OffsetTotal == 0 {
		cfg.OffsetTotal = 4
	}
	if cfg.LineWidth <= 0 {
		cfg.LineWidth = 3
	}
	return &Tracker{
		feed:     feed,
		variants: variants,
		renderer: r,
		colors:   colors,
		pub:      pub,
		metrics:  m,
		cfg:      cfg,
		drawn:    make(map[string]liveLine),
	}
}

func liveRouteKey(variantID, companyID transit.ID) string {
	return fmt.Sprintf("live-%s-%s", variantID, companyID)
}

// Start polls immediately and then every interval until Stop or ctx is done.
func (t *Tracker) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.Poll(ctx); err != nil {
			log.Printf("live poll error: %v", err)
		}
		ticker := time.NewTicker(t.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.Poll(ctx); err != nil {
					log.Printf("live poll error: %v", err)
				}
			}
		}
	}()
}

// Stop cancels polling, waits for an in-flight poll and removes the live layer.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.drawn {
		t.renderer.RemoveRouteFromMap(key)
	}
	t.drawn = make(map[string]liveLine)
	_ = t.renderer.UpdateVehicles(nil)
}

// Poll runs one refresh of the live layer.
func (t *Tracker) Poll(ctx context.Context) error {
	if t.metrics != nil {
		t.metrics.PollInc()
	}
	positions, err := t.feed.FetchLivePositions(ctx)
	if err != nil {
		if t.metrics != nil {
			t.metrics.PollErrInc()
		}
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	vehicles := make([]render.Vehicle, 0, len(positions))
	// variant -> companies in first-seen order
	groups := make(map[transit.ID][]transit.ID)
	for _, p := range positions {
		color := t.colors.Color(p.CompanyID)
		vehicles = append(vehicles, render.Vehicle{
			BusID:    p.BusID,
			Position: p.Location.Coordinate(),
			Color:    color,
			Label:    string(p.BusID),
			Props: map[string]any{
				"company_id": string(p.CompanyID),
				"variant_id": string(p.VariantID()),
				"speed_kph":  p.SpeedKph,
			},
		})
		if v := p.VariantID(); v != "" {
			groups[v] = append(groups[v], p.CompanyID)
		}
	}
	if err := t.renderer.UpdateVehicles(vehicles); err != nil {
		log.Printf("update vehicle markers: %v", err)
	}
	if t.metrics != nil {
		t.metrics.VehiclesSet(len(vehicles))
	}

	active := make(map[string]struct{})
	for variantID, companies := range groups {
		if !t.drawVariantLocked(ctx, variantID, companies, active) {
			// keep what is already on the map until the variant loads again
			for key, line := range t.drawn {
				if line.variantID == variantID {
					active[key] = struct{}{}
				}
			}
		}
	}
	for key := range t.drawn {
		if _, ok := active[key]; ok {
			continue
		}
		t.renderer.RemoveRouteFromMap(key)
		delete(t.drawn, key)
	}

	if t.pub != nil {
		now := time.Now().UTC()
		for _, p := range positions {
			msg := publisher.PositionMessage{
				BusID:     string(p.BusID),
				VariantID: string(p.VariantID()),
				CompanyID: string(p.CompanyID),
				Color:     t.colors.Color(p.CompanyID),
				Timestamp: now,
				Lat:       p.Location.Lat,
				Lon:       p.Location.Lng,
				SpeedKph:  p.SpeedKph,
			}
			if err := t.pub.PublishPosition(msg); err != nil {
				log.Printf("publish position bus=%s: %v", p.BusID, err)
			}
		}
	}
	return nil
}

// drawVariantLocked draws one offset line per company running variantID and
// marks the drawn keys active. It returns false when the variant could not
// be loaded.
func (t *Tracker) drawVariantLocked(ctx context.Context, variantID transit.ID, companies []transit.ID, active map[string]struct{}) bool {
	var path geo.Path
	loaded := false
	for companyID, offset := range render.CompanyOffsets(companies, t.cfg.OffsetTotal) {
		key := liveRouteKey(variantID, companyID)
		style := render.Style{
			Color:   t.colors.Color(companyID),
			Width:   t.cfg.LineWidth,
			Opacity: 0.85,
			Offset:  offset,
		}
		if line, ok := t.drawn[key]; ok && line.style == style && t.renderer.HasRoute(key) {
			active[key] = struct{}{}
			continue
		}
		if !loaded {
			v, err := t.variants.FetchRouteVariant(ctx, variantID)
			if err != nil {
				log.Printf("live layer: load variant %s: %v", variantID, err)
				return false
			}
			path, loaded = v.Path, true
		}
		if err := t.renderer.AddRouteToMap(key, path, style, nil); err != nil {
			log.Printf("live layer: draw %s: %v", key, err)
			continue
		}
		t.drawn[key] = liveLine{variantID: variantID, style: style}
		active[key] = struct{}{}
	}
	return true
}
