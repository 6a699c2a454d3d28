package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/trackhub/internal/middleware"
	"github.com/ukydev/trackhub/internal/models"
)

type fakeProvider struct {
	pairings map[string][]string
}

func (f *fakeProvider) NewTrackers(ctx context.Context) (interface{}, error) {
	return []map[string]string{{"imei": "353000000000001"}}, nil
}

func (f *fakeProvider) PairingList(ctx context.Context, userID string) ([]string, error) {
	return f.pairings[userID], nil
}

func (f *fakeProvider) PairingData(ctx context.Context, pairingID string) (interface{}, error) {
	return map[string]interface{}{"id": pairingID, "data": map[string]string{"state": "off"}}, nil
}

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(&fakeProvider{pairings: map[string][]string{"cust-1": {"p1", "p2"}}})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	ws := HandleWebSocket(hub, NewUpgrader(nil))
	// stands in for the auth middleware
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := &models.Claims{UserID: r.URL.Query().Get("user"), Role: models.Role(r.URL.Query().Get("role"))}
		ctx := context.WithValue(r.Context(), middleware.UserContextKey, claims)
		ws(w, r.WithContext(ctx))
	}))
	t.Cleanup(server.Close)
	return hub, server
}

func dial(t *testing.T, server *httptest.Server, user string, role models.Role) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?user=" + user + "&role=" + string(role)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": event, "data": data}))
}

func next(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	assert.Eventually(t, func() bool { return hub.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_CustomerReceivesOnlyWatchedPairings(t *testing.T) {
	hub, server := startHub(t)
	conn := dial(t, server, "cust-1", models.RoleCustomer)
	waitClients(t, hub, 1)

	send(t, conn, RequestPairingList, map[string]string{"userID": "cust-1"})
	msg := next(t, conn)
	assert.Equal(t, EventPairingList, msg.Event)
	var ids []string
	require.NoError(t, json.Unmarshal(msg.Data, &ids))
	assert.Equal(t, []string{"p1", "p2"}, ids)

	hub.Broadcast("other", EventTrackPing, map[string]string{"id": "other"})
	hub.Broadcast("", EventNewTracker, []string{"x"})
	hub.Broadcast("p2", EventTrackPing, map[string]string{"id": "p2"})

	msg = next(t, conn)
	assert.Equal(t, EventTrackPing, msg.Event)
	assert.JSONEq(t, `{"id":"p2"}`, string(msg.Data))
}

func TestHub_CustomerCannotListOtherUsers(t *testing.T) {
	hub, server := startHub(t)
	conn := dial(t, server, "cust-1", models.RoleCustomer)
	waitClients(t, hub, 1)

	send(t, conn, RequestPairingList, map[string]string{"userID": "cust-2"})
	assert.Equal(t, EventError, next(t, conn).Event)

	send(t, conn, RequestPairingData, map[string]string{"pairingID": "p9"})
	assert.Equal(t, EventError, next(t, conn).Event)

	send(t, conn, RequestNewTracker, nil)
	assert.Equal(t, EventError, next(t, conn).Event)
}

func TestHub_OperatorSeesEverything(t *testing.T) {
	hub, server := startHub(t)
	conn := dial(t, server, "op-1", models.RoleOperator)
	waitClients(t, hub, 1)

	send(t, conn, RequestNewTracker, nil)
	msg := next(t, conn)
	assert.Equal(t, EventNewTracker, msg.Event)

	send(t, conn, RequestPairingData, map[string]string{"pairingID": "p7"})
	msg = next(t, conn)
	assert.Equal(t, EventPairingData, msg.Event)
	assert.JSONEq(t, `{"id":"p7","data":{"state":"off"}}`, string(msg.Data))

	hub.Broadcast("", EventNewTracker, []string{"353000000000002"})
	assert.Equal(t, EventNewTracker, next(t, conn).Event)
}

func TestHub_UnknownRequest(t *testing.T) {
	hub, server := startHub(t)
	conn := dial(t, server, "op-1", models.RoleOperator)
	waitClients(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, EventError, next(t, conn).Event)

	send(t, conn, "get-everything", nil)
	assert.Equal(t, EventError, next(t, conn).Event)
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hub, server := startHub(t)
	conn := dial(t, server, "op-1", models.RoleOperator)
	waitClients(t, hub, 1)

	conn.Close()
	waitClients(t, hub, 0)
}

func TestHandleWebSocket_RequiresClaims(t *testing.T) {
	hub := NewHub(&fakeProvider{})
	w := httptest.NewRecorder()
	HandleWebSocket(hub, NewUpgrader(nil))(w, httptest.NewRequest("GET", "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNewUpgrader_CheckOrigin(t *testing.T) {
	up := NewUpgrader([]string{"https://app.example.com"})
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, up.CheckOrigin(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, up.CheckOrigin(req))
}
