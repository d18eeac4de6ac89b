package transit

import (
	"bytes"
	"encoding/json"

	"routemap/internal/geo"
)

// ID accepts both string and numeric JSON identifiers from the hosted backend.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// RouteVariant is one directional geometry of a route.
type RouteVariant struct {
	ID      ID       `json:"id"`
	RouteID ID       `json:"route_id"`
	Name    string   `json:"name"`
	Path    geo.Path `json:"path"`
	Length  float64  `json:"length"` // meters
}

type Stop struct {
	ID       ID             `json:"id"`
	Name     string         `json:"name"`
	Location geo.Coordinate `json:"location"`
}

// VariantStop is a stop in its position along a variant.
type VariantStop struct {
	Stop
	Order int `json:"stop_order"`
}

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (l LatLng) Coordinate() geo.Coordinate { return geo.Coordinate{l.Lng, l.Lat} }

// Position is one entry of the live vehicle feed.
type Position struct {
	BusID                ID      `json:"bus_id"`
	Location             LatLng  `json:"location_json"`
	ActiveRouteVariantID *ID     `json:"active_route_variant_id"`
	CompanyID            ID      `json:"company_id"`
	SpeedKph             float64 `json:"speed_kph"`
}

// VariantID returns the active variant or "" when the bus is off route.
func (p Position) VariantID() ID {
	if p.ActiveRouteVariantID == nil {
		return ""
	}
	return *p.ActiveRouteVariantID
}
