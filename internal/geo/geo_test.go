package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestNewPoint(t *testing.T) {
	tests := []struct {
		name   string
		lat    *float64
		lon    *float64
		wantOK bool
	}{
		{"valid", f(55.7558), f(37.6173), true},
		{"missing longitude", f(55.7558), nil, false},
		{"zero island", f(0), f(0), false},
		{"out of range", f(95), f(37), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := NewPoint(tt.lat, tt.lon)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestGeohash(t *testing.T) {
	p, ok := NewPoint(f(55.7558), f(37.6173))
	require.True(t, ok)
	hash := Geohash(p)
	assert.Len(t, hash, GeohashPrecision)
	assert.Equal(t, "ucfv0", hash[:5])
}

func TestDistanceMeters(t *testing.T) {
	kremlin, _ := NewPoint(f(55.7520), f(37.6175))
	okhotny, _ := NewPoint(f(55.7577), f(37.6156))

	d := DistanceMeters(kremlin, okhotny)
	assert.InDelta(t, 645, d, 15)
	assert.Zero(t, DistanceMeters(kremlin, kremlin))
}
