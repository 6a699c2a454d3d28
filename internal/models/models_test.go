package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscription_IsActive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name string
		sub  *Subscription
		want bool
	}{
		{"nil subscription", nil, false},
		{"open ended", &Subscription{BeginDate: past}, true},
		{"not started", &Subscription{BeginDate: future}, false},
		{"expired", &Subscription{BeginDate: past.Add(-time.Hour), EndDate: &past}, false},
		{"within window", &Subscription{BeginDate: past, EndDate: &future}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.IsActive(now))
		})
	}
}

func TestSubscription_Allows(t *testing.T) {
	sub := &Subscription{Package: Package{AllowedOptions: []string{OptionSpeeding, OptionSMS}}}

	assert.True(t, sub.Allows(OptionSpeeding))
	assert.True(t, sub.Allows(OptionSMS))
	assert.False(t, sub.Allows(OptionGeofence))

	var none *Subscription
	assert.False(t, none.Allows(OptionEmail))
}

func TestPolygon_Contains(t *testing.T) {
	square := NewPolygon(
		Location{Lat: 0, Lon: 0},
		Location{Lat: 0, Lon: 10},
		Location{Lat: 10, Lon: 10},
		Location{Lat: 10, Lon: 0},
	)

	assert.Len(t, square.Coordinates[0], 5, "ring should be closed")
	assert.True(t, square.Contains(Location{Lat: 5, Lon: 5}))
	assert.False(t, square.Contains(Location{Lat: 15, Lon: 5}))
	assert.False(t, square.Contains(Location{Lat: 5, Lon: -1}))
	assert.False(t, Polygon{}.Contains(Location{Lat: 1, Lon: 1}))
}
