// Package polyline decodes compact route geometries returned by routing
// services into ordered paths. Encoded strings use the delta + zig-zag +
// 5-bit group scheme at 1e6 precision with (lat, lng) value order.
package polyline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"routemap/internal/geo"
)

// Precision is the scale factor of encoded values (6 decimal places).
const Precision = 1e6

// ErrMalformed is returned when an encoded geometry cannot be decoded.
var ErrMalformed = errors.New("malformed polyline encoding")

// Edge is one piece of a structured geometry, carrying its own encoded shape.
type Edge struct {
	Shape string `json:"shape"`
}

// Point is an already decoded vertex.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Decode decodes an encoded polyline string into [lon, lat] coordinates.
func Decode(encoded string) (geo.Path, error) {
	path := make(geo.Path, 0, len(encoded)/4)
	var lat, lng int64
	idx := 0
	for idx < len(encoded) {
		dlat, next, err := decodeValue(encoded, idx)
		if err != nil {
			return nil, err
		}
		idx = next
		if idx >= len(encoded) {
			return nil, fmt.Errorf("%w: missing longitude at offset %d", ErrMalformed, idx)
		}
		dlng, next, err := decodeValue(encoded, idx)
		if err != nil {
			return nil, err
		}
		idx = next
		lat += dlat
		lng += dlng
		path = append(path, geo.Coordinate{float64(lng) / Precision, float64(lat) / Precision})
	}
	return path, nil
}

// decodeValue reads one zig-zag encoded signed integer starting at idx.
func decodeValue(s string, idx int) (int64, int, error) {
	var result uint64
	var shift uint
	for {
		if idx >= len(s) {
			return 0, idx, fmt.Errorf("%w: truncated value at offset %d", ErrMalformed, idx)
		}
		b := int(s[idx]) - 63
		if b < 0 || b > 63 {
			return 0, idx, fmt.Errorf("%w: invalid character %q at offset %d", ErrMalformed, s[idx], idx)
		}
		// only four bits of the thirteenth group fit in 64
		if shift > 60 || uint64(b&0x1f)>>(64-shift) != 0 {
			return 0, idx, fmt.Errorf("%w: value overflow at offset %d", ErrMalformed, idx)
		}
		idx++
		result |= uint64(b&0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
	}
	if result&1 != 0 {
		return ^int64(result >> 1), idx, nil
	}
	return int64(result >> 1), idx, nil
}

// DecodeEdges decodes each edge's shape and concatenates the results in order.
func DecodeEdges(edges []Edge) (geo.Path, error) {
	var path geo.Path
	for i, e := range edges {
		p, err := Decode(e.Shape)
		if err != nil {
			return nil, fmt.Errorf("edge %d: %w", i, err)
		}
		path = append(path, p...)
	}
	return path, nil
}

// FromPoints maps explicit lat/lon points to [lon, lat] coordinates.
func FromPoints(points []Point) geo.Path {
	path := make(geo.Path, 0, len(points))
	for _, p := range points {
		path = append(path, geo.Coordinate{p.Lon, p.Lat})
	}
	return path
}

// DecodeGeometry accepts any of the three geometry shapes a routing service
// may return: an encoded string, a list of edges with encoded shapes, or a
// list of lat/lon points.
func DecodeGeometry(raw json.RawMessage) (geo.Path, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: empty geometry", ErrMalformed)
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Decode(s)
	case '[':
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if len(items) == 0 {
			return geo.Path{}, nil
		}
		if _, ok := items[0]["shape"]; ok {
			var edges []Edge
			if err := json.Unmarshal(raw, &edges); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			return DecodeEdges(edges)
		}
		var pts []Point
		if err := json.Unmarshal(raw, &pts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return FromPoints(pts), nil
	}
	return nil, fmt.Errorf("%w: unsupported geometry type", ErrMalformed)
}

// Encode is the inverse of Decode.
func Encode(path geo.Path) string {
	buf := make([]byte, 0, len(path)*12)
	var prevLat, prevLng int64
	for _, c := range path {
		lat := int64(math.Round(c.Lat() * Precision))
		lng := int64(math.Round(c.Lon() * Precision))
		buf = appendValue(buf, lat-prevLat)
		buf = appendValue(buf, lng-prevLng)
		prevLat, prevLng = lat, lng
	}
	return string(buf)
}

func appendValue(buf []byte, v int64) []byte {
	u := uint64(v) << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		buf = append(buf, byte((0x20|(u&0x1f))+63))
		u >>= 5
	}
	return append(buf, byte(u+63))
}
