package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversine(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Coordinate
		expected float64 // meters
		margin   float64 // fraction
	}{
		{"same point", Coordinate{13.4050, 52.5200}, Coordinate{13.4050, 52.5200}, 0, 0},
		{"manizales segment", Coordinate{-75.5138, 5.0703}, Coordinate{-75.5000, 5.0650}, 1640, 0.01},
		{"berlin tv tower to brandenburg gate", Coordinate{13.4094, 52.5208}, Coordinate{13.3777, 52.5163}, 2200, 0.05},
		{"new york to los angeles", Coordinate{-74.0060, 40.7128}, Coordinate{-118.2437, 34.0522}, 3940000, 0.01},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := Haversine(tc.a, tc.b)
			if tc.expected == 0 {
				assert.Zero(t, d)
				return
			}
			assert.InDelta(t, tc.expected, d, tc.expected*tc.margin)
		})
	}
}

func TestPathLengthMonotonic(t *testing.T) {
	p := Path{{-75.5138, 5.0703}}
	prev := PathLength(p)
	assert.Zero(t, prev)

	next := []Coordinate{
		{-75.5000, 5.0650},
		{-75.5000, 5.0650}, // repeated point adds nothing
		{-75.4950, 5.0700},
		{-75.5138, 5.0703},
	}
	for _, c := range next {
		p = append(p, c)
		l := PathLength(p)
		assert.GreaterOrEqual(t, l, prev)
		prev = l
	}
}

func TestEstimateDuration(t *testing.T) {
	// 25 km/h -> 25 km takes one hour
	assert.InDelta(t, 3600, EstimateDuration(25000), 1e-9)
	assert.Zero(t, EstimateDuration(0))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(Coordinate{-75.5, 5.07}))
	assert.True(t, Valid(Coordinate{180, -90}))
	assert.False(t, Valid(Coordinate{181, 0}))
	assert.False(t, Valid(Coordinate{0, 91}))
	assert.False(t, Valid(Coordinate{math.NaN(), 0}))
	assert.False(t, Valid(Coordinate{0, math.Inf(1)}))
}

func TestBoundsAndNearest(t *testing.T) {
	_, ok := Bounds(nil)
	assert.False(t, ok)

	p := Path{{-75.52, 5.06}, {-75.50, 5.08}, {-75.49, 5.07}}
	b, ok := Bounds(p)
	require.True(t, ok)
	assert.Equal(t, Coordinate{-75.52, 5.06}, b.Min)
	assert.Equal(t, Coordinate{-75.49, 5.08}, b.Max)

	idx, d := Nearest(p, Coordinate{-75.501, 5.079})
	assert.Equal(t, 1, idx)
	assert.Less(t, d, 200.0)

	idx, _ = Nearest(nil, Coordinate{0, 0})
	assert.Equal(t, -1, idx)
}

func TestDrawable(t *testing.T) {
	assert.False(t, Path{}.Drawable())
	assert.False(t, Path{{0, 0}}.Drawable())
	assert.True(t, Path{{0, 0}, {1, 1}}.Drawable())
}
