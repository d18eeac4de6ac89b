package polyline

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routemap/internal/geo"
)

func assertPathNear(t *testing.T, want, got geo.Path, tol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i].Lon(), got[i].Lon(), tol, "lon at %d", i)
		assert.InDelta(t, want[i].Lat(), got[i].Lat(), tol, "lat at %d", i)
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		path geo.Path
	}{
		{"manizales pair", geo.Path{{-75.5138, 5.0703}, {-75.5000, 5.0650}}},
		{"single point", geo.Path{{2.170047, 41.387016}}},
		{"negative deltas", geo.Path{{10, 10}, {-10, -10}, {179.999999, -89.999999}, {-180, 90}}},
		{"repeated points", geo.Path{{1.5, 1.5}, {1.5, 1.5}, {1.500001, 1.5}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(Encode(tc.path))
			require.NoError(t, err)
			assertPathNear(t, tc.path, got, 1e-6)
		})
	}
}

func TestDecodeKnownString(t *testing.T) {
	// Reference string from the polyline format documentation, read at 1e6.
	got, err := Decode("_p~iF~ps|U_ulLnnqC_mqNvxq`@")
	require.NoError(t, err)
	want := geo.Path{{-12.02, 3.85}, {-12.095, 4.07}, {-12.6453, 4.3252}}
	assertPathNear(t, want, got, 1e-9)
}

func TestDecodeEmpty(t *testing.T) {
	got, err := Decode("")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeMalformed(t *testing.T) {
	valid := Encode(geo.Path{{-75.5138, 5.0703}, {-75.5000, 5.0650}})
	tests := []struct {
		name    string
		encoded string
	}{
		{"truncated continuation", valid[:len(valid)-1]},
		{"latitude only", "_p~iF"},
		{"dangling continuation byte", "_"},
		{"character below range", "_p~iF ps|U"},
		{"overflowing value", "~~~~~~~~~~~~~~~~?"},
		{"top group past 64 bits", strings.Repeat("~", 12) + "O"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.encoded)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeValueWidth(t *testing.T) {
	v, next, err := decodeValue(strings.Repeat("~", 12)+"N", 0)
	require.NoError(t, err)
	assert.Equal(t, 13, next)
	assert.Equal(t, int64(math.MinInt64), v)

	_, _, err = decodeValue(strings.Repeat("~", 12)+"O", 0)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeEdges(t *testing.T) {
	first := geo.Path{{-75.5138, 5.0703}, {-75.51, 5.068}}
	second := geo.Path{{-75.509, 5.067}, {-75.5000, 5.0650}}
	got, err := DecodeEdges([]Edge{{Shape: Encode(first)}, {Shape: Encode(second)}})
	require.NoError(t, err)
	assertPathNear(t, append(first.Clone(), second...), got, 1e-6)

	_, err = DecodeEdges([]Edge{{Shape: Encode(first)}, {Shape: "_"}})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFromPoints(t *testing.T) {
	got := FromPoints([]Point{{Lat: 5.0703, Lon: -75.5138}, {Lat: 5.065, Lon: -75.5}})
	assert.Equal(t, geo.Path{{-75.5138, 5.0703}, {-75.5, 5.065}}, got)
}

func TestDecodeGeometry(t *testing.T) {
	path := geo.Path{{-75.5138, 5.0703}, {-75.5000, 5.0650}}
	str, _ := json.Marshal(Encode(path))
	edges, _ := json.Marshal([]Edge{{Shape: Encode(path[:1])}, {Shape: Encode(path[1:])}})
	points, _ := json.Marshal([]Point{{Lat: 5.0703, Lon: -75.5138}, {Lat: 5.065, Lon: -75.5}})

	for name, raw := range map[string][]byte{"string": str, "edges": edges, "points": points} {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeGeometry(raw)
			require.NoError(t, err)
			assertPathNear(t, path, got, 1e-6)
		})
	}

	for _, raw := range []string{"", "null", "42", `{"shape":"x"}`} {
		_, err := DecodeGeometry(json.RawMessage(raw))
		assert.ErrorIs(t, err, ErrMalformed, "input %q", raw)
	}

	got, err := DecodeGeometry(json.RawMessage("[]"))
	require.NoError(t, err)
	assert.Empty(t, got)
}
