package sink

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/marz/internal/session"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readSnapshot(t *testing.T, conn *websocket.Conn) session.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var s session.Snapshot
	if err := wsjson.Read(ctx, conn, &s); err != nil {
		t.Fatalf("read: %v", err)
	}
	return s
}

func TestHub_SendsLatestOnConnect(t *testing.T) {
	t.Parallel()

	h := NewHub()
	s := idle()
	s.Seq = 42
	h.Publish(s)

	conn := dialHub(t, h)
	if got := readSnapshot(t, conn); got.Seq != 42 || got.State != session.StateIdle {
		t.Errorf("first snapshot = %+v", got)
	}
}

func TestHub_StreamsPublishes(t *testing.T) {
	t.Parallel()

	h := NewHub()
	conn := dialHub(t, h)
	waitFor(t, "client registered", func() bool { return h.Clients() == 1 })

	for i := range 3 {
		s := idle()
		s.Seq = uint64(i + 1)
		h.Publish(s)
	}
	for want := uint64(1); want <= 3; want++ {
		if got := readSnapshot(t, conn).Seq; got != want {
			t.Fatalf("seq = %d, want %d", got, want)
		}
	}
}

func TestHub_CloseDisconnects(t *testing.T) {
	t.Parallel()

	h := NewHub()
	conn := dialHub(t, h)
	waitFor(t, "client registered", func() bool { return h.Clients() == 1 })

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("read err = %v, want going away", err)
	}
	if h.Clients() != 0 {
		t.Errorf("clients = %d after Close", h.Clients())
	}
}

func TestHub_DropsSlowClient(t *testing.T) {
	t.Parallel()

	h := NewHub(WithClientBuffer(1))
	c := &client{send: make(chan session.Snapshot, 1)}
	h.clients[c] = struct{}{}

	h.Publish(idle())
	h.Publish(idle())

	if h.Clients() != 0 {
		t.Fatalf("slow client kept")
	}
	<-c.send
	if _, ok := <-c.send; ok {
		t.Error("send channel still open")
	}
}
