package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ir-quote-feed/internal/display"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func dial(t *testing.T, ctx context.Context, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readView(t *testing.T, ctx context.Context, conn *websocket.Conn) display.View {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var view display.View
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return view
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, h.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubSendsCurrentViewThenUpdates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h := New(0, zap.NewNop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	h.Publish(display.View{Status: display.StatusLoading, Symbol: "ATON", Timeframe: "1D"})
	conn := dial(t, ctx, srv)
	if view := readView(t, ctx, conn); view.Status != display.StatusLoading {
		t.Fatalf("expected current view on connect, got %+v", view)
	}
	waitForClients(t, h, 1)

	h.Publish(display.View{Status: display.StatusReady, Symbol: "ATON", Timeframe: "5D", Source: "POLYGON"})
	view := readView(t, ctx, conn)
	if view.Status != display.StatusReady || view.Source != "POLYGON" || view.Timeframe != "5D" {
		t.Fatalf("unexpected pushed view %+v", view)
	}
}

func TestHubBroadcastsToAllClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h := New(0, zap.NewNop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	a := dial(t, ctx, srv)
	b := dial(t, ctx, srv)
	waitForClients(t, h, 2)

	h.Publish(display.View{Status: display.StatusError, Symbol: "ATON"})
	for _, conn := range []*websocket.Conn{a, b} {
		if view := readView(t, ctx, conn); view.Status != display.StatusError {
			t.Fatalf("unexpected view %+v", view)
		}
	}
}

func TestHubUnsubscribesOnClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h := New(0, zap.NewNop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, ctx, srv)
	waitForClients(t, h, 1)
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	waitForClients(t, h, 0)
}

func TestHubCloseDisconnects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h := New(0, zap.NewNop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, ctx, srv)
	waitForClients(t, h, 1)
	h.Close()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("expected going-away close, got %v", err)
	}
	h.Publish(display.View{Status: display.StatusReady})
}
