package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"veloway/backend/libs/wire"
	"veloway/backend/services/fleet-service/internal/state"
)

type fakeSocket struct {
	mu      sync.Mutex
	frames  [][]byte
	inbound chan []byte
	once    sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan []byte)}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	msg, ok := <-f.inbound
	if !ok {
		return 0, nil, errors.New("closed")
	}
	return websocket.TextMessage, msg, nil
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.BinaryMessage {
		return nil
	}
	f.mu.Lock()
	frame := make([]byte, len(data))
	copy(frame, data)
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) SetReadLimit(int64) {}

func (f *fakeSocket) SetReadDeadline(time.Time) error { return nil }

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) SetPongHandler(func(string) error) {}

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.inbound) })
	return nil
}

func (f *fakeSocket) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeSocket) frameAt(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.frames) {
		return nil
	}
	return f.frames[i]
}

func startTestConnection(t *testing.T, cache *state.Cache, debounce time.Duration) (*Connection, *fakeSocket, func()) {
	t.Helper()
	socket := newFakeSocket()
	conn := NewConnection("conn-1", socket, cache.Snapshot, debounce, time.Second, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go conn.Start(ctx)

	return conn, socket, func() {
		socket.Close()
		cancel()
	}
}

func waitFrames(t *testing.T, socket *fakeSocket, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if socket.frameCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d frames, got %d", want, socket.frameCount())
}

func TestViewportContains(t *testing.T) {
	vehicle := wire.VehicleState{VehicleID: "BIK-0001", Longitude: 106.70, Latitude: 10.80}

	cases := []struct {
		name string
		vp   Viewport
		want bool
	}{
		{name: "inside", vp: Viewport{MinLongitude: 106.6, MaxLongitude: 106.8, MinLatitude: 10.7, MaxLatitude: 10.9}, want: true},
		{name: "on min bound", vp: Viewport{MinLongitude: 106.70, MaxLongitude: 107, MinLatitude: 10.80, MaxLatitude: 11}, want: true},
		{name: "on max bound", vp: Viewport{MinLongitude: 106, MaxLongitude: 106.70, MinLatitude: 10, MaxLatitude: 10.80}, want: true},
		{name: "west of box", vp: Viewport{MinLongitude: 106.71, MaxLongitude: 107, MinLatitude: 10.7, MaxLatitude: 10.9}, want: false},
		{name: "east of box", vp: Viewport{MinLongitude: 106, MaxLongitude: 106.69, MinLatitude: 10.7, MaxLatitude: 10.9}, want: false},
		{name: "south of box", vp: Viewport{MinLongitude: 106.6, MaxLongitude: 106.8, MinLatitude: 10.81, MaxLatitude: 11}, want: false},
		{name: "north of box", vp: Viewport{MinLongitude: 106.6, MaxLongitude: 106.8, MinLatitude: 10, MaxLatitude: 10.79}, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.vp.Contains(vehicle); got != tc.want {
				t.Fatalf("Contains = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDebounceCoalescesViewportUpdates(t *testing.T) {
	cache := state.NewCache(16, zap.NewNop())
	cache.Upsert(wire.VehicleState{VehicleID: "BIK-0001", BatteryPercent: 45, Longitude: 106.62, Latitude: 10.80})
	cache.Upsert(wire.VehicleState{VehicleID: "SCO-0002", BatteryPercent: 70, Longitude: 1.0, Latitude: 1.0})

	conn, socket, stop := startTestConnection(t, cache, 100*time.Millisecond)
	defer stop()

	// Continuous panning: ten updates in quick succession. Only the last
	// bounds (covering SCO-0002 alone) may take effect, with one push.
	for i := 0; i < 9; i++ {
		conn.UpdateViewport(Viewport{MinLongitude: 106, MaxLongitude: 107, MinLatitude: 10, MaxLatitude: 11})
	}
	conn.UpdateViewport(Viewport{MinLongitude: 0, MaxLongitude: 2, MinLatitude: 0, MaxLatitude: 2})

	waitFrames(t, socket, 1)
	time.Sleep(300 * time.Millisecond)
	if got := socket.frameCount(); got != 1 {
		t.Fatalf("expected exactly one push, got %d", got)
	}

	vehicles, err := wire.DecodeFleetUpdate(socket.frameAt(0))
	if err != nil {
		t.Fatalf("decode push: %v", err)
	}
	if len(vehicles) != 1 || vehicles[0].VehicleID != "SCO-0002" {
		t.Fatalf("push reflects wrong bounds: %+v", vehicles)
	}
}

func TestVehicleEnteringViewportIsPushed(t *testing.T) {
	cache := state.NewCache(16, zap.NewNop())
	conn, socket, stop := startTestConnection(t, cache, time.Millisecond)
	defer stop()

	conn.UpdateViewport(Viewport{MinLongitude: 106.6, MaxLongitude: 106.8, MinLatitude: 10.7, MaxLatitude: 10.9})
	waitFrames(t, socket, 1) // empty snapshot for the fresh viewport

	v := wire.VehicleState{VehicleID: "BIK-0001", BatteryPercent: 45, Longitude: 106.62, Latitude: 10.80}
	cache.Upsert(v)
	conn.VehicleChanged(v)

	waitFrames(t, socket, 2)
	vehicles, err := wire.DecodeFleetUpdate(socket.frameAt(1))
	if err != nil {
		t.Fatalf("decode push: %v", err)
	}
	if len(vehicles) != 1 || vehicles[0] != v {
		t.Fatalf("unexpected push payload: %+v", vehicles)
	}
}

func TestVehicleOutsideViewportIsIgnored(t *testing.T) {
	cache := state.NewCache(16, zap.NewNop())
	conn, socket, stop := startTestConnection(t, cache, time.Millisecond)
	defer stop()

	conn.UpdateViewport(Viewport{MinLongitude: 106.6, MaxLongitude: 106.8, MinLatitude: 10.7, MaxLatitude: 10.9})
	waitFrames(t, socket, 1)

	far := wire.VehicleState{VehicleID: "SCO-0009", Longitude: 0, Latitude: 0}
	cache.Upsert(far)
	conn.VehicleChanged(far)

	time.Sleep(100 * time.Millisecond)
	if got := socket.frameCount(); got != 1 {
		t.Fatalf("expected no push for out-of-viewport vehicle, got %d frames", got)
	}
}

func TestVehicleLeavingViewportTriggersPush(t *testing.T) {
	cache := state.NewCache(16, zap.NewNop())
	conn, socket, stop := startTestConnection(t, cache, time.Millisecond)
	defer stop()

	conn.UpdateViewport(Viewport{MinLongitude: 106.6, MaxLongitude: 106.8, MinLatitude: 10.7, MaxLatitude: 10.9})
	waitFrames(t, socket, 1)

	inside := wire.VehicleState{VehicleID: "BIK-0001", BatteryPercent: 45, Longitude: 106.62, Latitude: 10.80}
	cache.Upsert(inside)
	conn.VehicleChanged(inside)
	waitFrames(t, socket, 2)

	// The vehicle rides out of the box; the connection must learn it is gone.
	outside := inside
	outside.Longitude = 120.0
	cache.Upsert(outside)
	conn.VehicleChanged(outside)

	waitFrames(t, socket, 3)
	vehicles, err := wire.DecodeFleetUpdate(socket.frameAt(2))
	if err != nil {
		t.Fatalf("decode push: %v", err)
	}
	if len(vehicles) != 0 {
		t.Fatalf("expected empty visible set, got %+v", vehicles)
	}
}

func TestUnchangedRecomputeDoesNotPush(t *testing.T) {
	cache := state.NewCache(16, zap.NewNop())
	conn, socket, stop := startTestConnection(t, cache, time.Millisecond)
	defer stop()

	conn.UpdateViewport(Viewport{MinLongitude: 106.6, MaxLongitude: 106.8, MinLatitude: 10.7, MaxLatitude: 10.9})
	waitFrames(t, socket, 1)

	v := wire.VehicleState{VehicleID: "BIK-0001", BatteryPercent: 45, Longitude: 106.62, Latitude: 10.80}
	cache.Upsert(v)
	conn.VehicleChanged(v)
	waitFrames(t, socket, 2)

	// Same state again: still inside, nothing changed, no push.
	conn.VehicleChanged(v)
	time.Sleep(100 * time.Millisecond)
	if got := socket.frameCount(); got != 2 {
		t.Fatalf("expected no push for unchanged state, got %d frames", got)
	}
}
