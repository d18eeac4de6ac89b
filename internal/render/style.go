package render

// Style drives every paint property of a drawn route. The shadow, outline,
// line and glow layers all derive their values from it.
type Style struct {
	Color        string  `json:"color"`
	Width        float64 `json:"width"`
	Opacity      float64 `json:"opacity"`
	Offset       float64 `json:"offset"` // lateral line-offset
	OutlineColor string  `json:"outlineColor"`
	ShadowColor  string  `json:"shadowColor"`
}

func DefaultStyle() Style {
	return Style{
		Color:        "#2563eb",
		Width:        4,
		Opacity:      0.9,
		OutlineColor: "#ffffff",
		ShadowColor:  "#000000",
	}
}

// withDefaults fills zero fields from DefaultStyle.
func (s Style) withDefaults() Style {
	d := DefaultStyle()
	if s.Color == "" {
		s.Color = d.Color
	}
	if s.Width <= 0 {
		s.Width = d.Width
	}
	if s.Opacity <= 0 || s.Opacity > 1 {
		s.Opacity = d.Opacity
	}
	if s.OutlineColor == "" {
		s.OutlineColor = d.OutlineColor
	}
	if s.ShadowColor == "" {
		s.ShadowColor = d.ShadowColor
	}
	return s
}

// layer suffixes in compositing order, bottom first
const (
	layerShadow  = "shadow"
	layerOutline = "outline"
	layerLine    = "line"
	layerGlow    = "glow"
)

var routeLayerOrder = []string{layerShadow, layerOutline, layerLine, layerGlow}

func (s Style) paint(layer string) map[string]any {
	p := map[string]any{"line-offset": s.Offset}
	switch layer {
	case layerShadow:
		p["line-color"] = s.ShadowColor
		p["line-width"] = s.Width + 6
		p["line-opacity"] = s.Opacity * 0.25
		p["line-blur"] = 3.0
	case layerOutline:
		p["line-color"] = s.OutlineColor
		p["line-width"] = s.Width + 3
		p["line-opacity"] = s.Opacity
	case layerLine:
		p["line-color"] = s.Color
		p["line-width"] = s.Width
		p["line-opacity"] = s.Opacity
	case layerGlow:
		p["line-color"] = s.Color
		p["line-width"] = s.Width + 8
		p["line-opacity"] = s.Opacity * 0.15
		p["line-blur"] = 6.0
	}
	return p
}

// Highlighted is the emphasised variant of s.
func (s Style) Highlighted() Style {
	s.Width *= 1.5
	s.Opacity = 1
	return s
}
