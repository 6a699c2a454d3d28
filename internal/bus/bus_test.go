package bus

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_PublishSubscribe(t *testing.T) {
	b := NewLocal()
	var got []ChangeRelayState
	require.NoError(t, b.Subscribe(SignalChangeRelay, func(_ context.Context, payload []byte) {
		msg, err := Decode[ChangeRelayState](payload)
		require.NoError(t, err)
		got = append(got, msg)
	}))

	require.NoError(t, b.Publish(context.Background(), SignalChangeRelay, ChangeRelayState{PairingID: "p1", State: true}))
	require.NoError(t, b.Publish(context.Background(), SignalRefreshPairing, RefreshPairing{PairingID: "p1"}))

	assert.Equal(t, []ChangeRelayState{{PairingID: "p1", State: true}}, got)
}

func TestLocal_Close(t *testing.T) {
	b := NewLocal()
	calls := 0
	_ = b.Subscribe(SignalTrackerRemoved, func(context.Context, []byte) { calls++ })
	b.Close()
	require.NoError(t, b.Publish(context.Background(), SignalTrackerRemoved, TrackerRemoved{ID: "t"}))
	assert.Zero(t, calls)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    NewTrackerInsert
		wantErr bool
	}{
		{"valid", `{"imei":"353000000000001","id":"abc"}`, NewTrackerInsert{IMEI: "353000000000001", ID: "abc"}, false},
		{"extra fields", `{"imei":"1","id":"2","x":3}`, NewTrackerInsert{IMEI: "1", ID: "2"}, false},
		{"garbage", `not json`, NewTrackerInsert{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode[NewTrackerInsert]([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMQTT_Topic(t *testing.T) {
	assert.Equal(t, "trackhub/refresh-pairing", (&MQTT{prefix: "trackhub"}).Topic(SignalRefreshPairing))
	assert.Equal(t, "refresh-pairing", (&MQTT{}).Topic(SignalRefreshPairing))
}

func TestMQTT_RoundTrip(t *testing.T) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		t.Skip("MQTT_BROKER not set, skipping MQTT integration test")
	}
	b, err := NewMQTT(MQTTConfig{
		Broker:   broker,
		ClientID: fmt.Sprintf("trackhub-test-%d", time.Now().UnixNano()),
		Prefix:   fmt.Sprintf("trackhub-test-%d", time.Now().UnixNano()),
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Skipf("MQTT broker not reachable: %v", err)
	}
	defer b.Close()

	received := make(chan SendTrackEvent, 1)
	require.NoError(t, b.Subscribe(SignalSendTrackEvent, func(_ context.Context, payload []byte) {
		if msg, err := Decode[SendTrackEvent](payload); err == nil {
			received <- msg
		}
	}))
	require.NoError(t, b.Publish(context.Background(), SignalSendTrackEvent, SendTrackEvent{PairingID: "p42"}))

	select {
	case msg := <-received:
		assert.Equal(t, "p42", msg.PairingID)
	case <-time.After(5 * time.Second):
		t.Fatal("signal not received")
	}
}
