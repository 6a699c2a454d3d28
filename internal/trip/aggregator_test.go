package trip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/trackhub/internal/db"
	"github.com/ukydev/trackhub/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fakeScheduler struct {
	started   int
	cancelled int
	interval  time.Duration
}

func (f *fakeScheduler) schedule(interval time.Duration, fn func()) func() {
	f.started++
	f.interval = interval
	return func() { f.cancelled++ }
}

func newTestAggregator(t *testing.T) (*Aggregator, *db.MemoryStore, *fakeScheduler, primitive.ObjectID) {
	t.Helper()
	store := db.NewMemoryStore()
	pairing := store.AddPairing(models.Pairing{State: models.PairingHealthy})
	sched := &fakeScheduler{}
	agg := NewAggregator(pairing.ID, DefaultConfig(), store, store, sched.schedule)
	return agg, store, sched, pairing.ID
}

// drive feeds one sample per second for seconds, spreading the odometer
// delta evenly, then keeps ticking while stopped until the trip closes.
func drive(t *testing.T, agg *Aggregator, seconds int, mileage float64, stop int) Outcome {
	t.Helper()
	start := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for s := 0; s <= seconds; s++ {
		agg.Add(models.TelemetryEvent{
			ID:       primitive.NewObjectID(),
			Date:     start.Add(time.Duration(s) * time.Second),
			Speed:    50,
			Odometer: 1000 + mileage*float64(s)/float64(seconds),
		})
		if s < seconds {
			require.Equal(t, Open, agg.Tick(context.Background()))
		}
	}
	agg.Add(models.TelemetryEvent{ID: primitive.NewObjectID(), Date: start.Add(time.Duration(seconds+1) * time.Second), Odometer: 1000 + mileage})

	outcome := Open
	for i := 0; i < stop && outcome == Open; i++ {
		outcome = agg.Tick(context.Background())
	}
	return outcome
}

func TestAggregator_IgnoresStoppedSampleWithoutTrip(t *testing.T) {
	agg, _, sched, _ := newTestAggregator(t)
	agg.Add(models.TelemetryEvent{Speed: 0})
	assert.False(t, agg.IsOpen())
	assert.Equal(t, 0, sched.started)
	assert.Equal(t, Idle, agg.Tick(context.Background()))
}

func TestAggregator_OpensOnMovingSample(t *testing.T) {
	agg, _, sched, _ := newTestAggregator(t)
	agg.Add(models.TelemetryEvent{Speed: 12})
	agg.Add(models.TelemetryEvent{Speed: 30})
	assert.True(t, agg.IsOpen())
	assert.Equal(t, 1, sched.started, "one tick per open trip")
	assert.Equal(t, time.Second, sched.interval)
}

func TestAggregator_ThresholdLaw(t *testing.T) {
	tests := []struct {
		name    string
		seconds int
		mileage float64
		want    Outcome
	}{
		{"long enough and far enough", 310, 600, Persisted},
		{"too short", 200, 600, Discarded},
		{"too little mileage", 310, 400, Discarded},
		{"exact thresholds", 300, 500, Persisted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, store, sched, pairingID := newTestAggregator(t)
			got := drive(t, agg, tt.seconds, tt.mileage, 305)
			assert.Equal(t, tt.want, got)
			assert.False(t, agg.IsOpen())
			assert.Equal(t, 1, sched.cancelled, "tick must stop on close")

			trips := store.Trips(pairingID)
			if tt.want == Persisted {
				require.Len(t, trips, 1)
				assert.Equal(t, tt.mileage, trips[0].Mileage)
				assert.GreaterOrEqual(t, trips[0].MoveDuration, 300)
				assert.Len(t, trips[0].Events, tt.seconds+2)
				p, err := store.FindPairingByID(context.Background(), pairingID)
				require.NoError(t, err)
				assert.Equal(t, []primitive.ObjectID{trips[0].ID}, p.Trips)
			} else {
				assert.Empty(t, trips)
			}
		})
	}
}

func TestAggregator_ClosesOnlyAfterMaxStop(t *testing.T) {
	agg, _, _, _ := newTestAggregator(t)
	agg.Add(models.TelemetryEvent{Speed: 10})
	for i := 0; i < 300; i++ {
		require.Equal(t, Open, agg.Tick(context.Background()))
	}
	assert.Equal(t, Discarded, agg.Tick(context.Background()))
}

func TestAggregator_MovingSampleResetsStop(t *testing.T) {
	agg, _, _, _ := newTestAggregator(t)
	agg.Add(models.TelemetryEvent{Speed: 10})
	for i := 0; i < 299; i++ {
		agg.Tick(context.Background())
	}
	agg.Add(models.TelemetryEvent{Speed: 10})
	for i := 0; i < 299; i++ {
		require.Equal(t, Open, agg.Tick(context.Background()))
	}
	assert.True(t, agg.IsOpen())
}

func TestAggregator_CloseCancelsTick(t *testing.T) {
	agg, _, sched, _ := newTestAggregator(t)
	closed := 0
	agg.OnClose(func(Outcome) { closed++ })

	agg.Add(models.TelemetryEvent{Speed: 10})
	agg.Close()

	assert.False(t, agg.IsOpen())
	assert.Equal(t, 1, sched.cancelled)
	assert.Equal(t, 0, closed, "Close does not count as a trip close")
	agg.Close()
	assert.Equal(t, 1, sched.cancelled)
}
