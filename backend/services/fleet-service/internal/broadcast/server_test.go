package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"veloway/backend/libs/session"
	"veloway/backend/libs/wire"
	"veloway/backend/services/fleet-service/internal/state"
)

func newTestServer(t *testing.T) (*httptest.Server, *state.Cache, session.Store) {
	t.Helper()

	cache := state.NewCache(16, zap.NewNop())
	hub := NewHub(cache, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	store := session.NewMemoryStore()
	server := NewServer(hub, cache, store, 10*time.Millisecond, time.Second, zap.NewNop())

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return ts, cache, store
}

func saveAdminSession(t *testing.T, store session.Store, id string) {
	t.Helper()
	_, err := store.Save(context.Background(), session.Session{
		ID:            id,
		AccountID:     "acct-ops",
		Role:          session.RoleAdmin,
		CreatedAt:     time.Now(),
		ValidPeriodMS: int64(time.Hour / time.Millisecond),
	})
	if err != nil {
		t.Fatalf("save session: %v", err)
	}
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read push: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected binary push, got type %d", msgType)
	}
	return data
}

func TestEndToEndViewportBroadcast(t *testing.T) {
	ts, cache, store := newTestServer(t)
	saveAdminSession(t, store, "sess-admin")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?session_id=sess-admin"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	vp := map[string]float64{"minLong": 106.6, "maxLong": 106.8, "minLat": 10.7, "maxLat": 10.9}
	if err := conn.WriteJSON(vp); err != nil {
		t.Fatalf("send viewport: %v", err)
	}

	// First push is the (empty) snapshot for the fresh viewport.
	initial, err := wire.DecodeFleetUpdate(readBinary(t, conn))
	if err != nil {
		t.Fatalf("decode initial push: %v", err)
	}
	if len(initial) != 0 {
		t.Fatalf("expected empty initial snapshot, got %+v", initial)
	}

	// Vehicle BIK-0001 publishes inside the viewport.
	cache.Upsert(wire.VehicleState{
		VehicleID:      "BIK-0001",
		BatteryPercent: 45,
		Longitude:      106.62,
		Latitude:       10.80,
	})

	vehicles, err := wire.DecodeFleetUpdate(readBinary(t, conn))
	if err != nil {
		t.Fatalf("decode push: %v", err)
	}
	if len(vehicles) != 1 {
		t.Fatalf("expected exactly one visible vehicle, got %d", len(vehicles))
	}
	got := vehicles[0]
	if got.VehicleID != "BIK-0001" || got.BatteryPercent != 45 || got.Longitude != 106.62 || got.Latitude != 10.80 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestHandleWSRejectsMissingSession(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandleWSRejectsExpiredSession(t *testing.T) {
	ts, _, store := newTestServer(t)
	_, err := store.Save(context.Background(), session.Session{
		ID:            "sess-stale",
		AccountID:     "acct-ops",
		Role:          session.RoleAdmin,
		CreatedAt:     time.Now().Add(-2 * time.Hour),
		ValidPeriodMS: int64(time.Hour / time.Millisecond),
	})
	if err != nil {
		t.Fatalf("save session: %v", err)
	}

	resp, err := http.Get(ts.URL + "/?session_id=sess-stale")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandleWSRejectsCustomerSession(t *testing.T) {
	ts, _, store := newTestServer(t)
	_, err := store.Save(context.Background(), session.Session{
		ID:            "sess-rider",
		AccountID:     "acct-rider",
		Role:          session.RoleCustomer,
		CreatedAt:     time.Now(),
		ValidPeriodMS: int64(time.Hour / time.Millisecond),
	})
	if err != nil {
		t.Fatalf("save session: %v", err)
	}

	resp, err := http.Get(ts.URL + "/?session_id=sess-rider")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandleWSAcceptsAuthorizationHeader(t *testing.T) {
	ts, _, store := newTestServer(t)
	saveAdminSession(t, store, "sess-header")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	header := http.Header{"Authorization": []string{"Bearer sess-header"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial with header auth: %v", err)
	}
	conn.Close()
}
