package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/workescrow/internal/events"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func transition(id, job, to string) events.Transition {
	return events.Transition{MilestoneID: id, JobID: job, From: "funded", To: to, Operation: "deliver", At: time.Now()}
}

func TestSubscription_Matches(t *testing.T) {
	tr := transition("ms_1", "job_1", "delivered")

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"empty matches all", Subscription{}, true},
		{"milestone match", Subscription{MilestoneIDs: []string{"ms_2", "ms_1"}}, true},
		{"milestone miss", Subscription{MilestoneIDs: []string{"ms_2"}}, false},
		{"job match", Subscription{JobIDs: []string{"job_1"}}, true},
		{"status miss", Subscription{Statuses: []string{"approved"}}, false},
		{"all lists must match", Subscription{JobIDs: []string{"job_1"}, Statuses: []string{"approved"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.Matches(tr); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	if stats.ConnectedClients != 0 || stats.TotalEvents != 0 {
		t.Errorf("expected empty stats, got %+v", stats)
	}
}

func TestHub_PublishToClient(t *testing.T) {
	h := runHub(t)

	client := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{Statuses: []string{"delivered"}}}
	h.register <- client

	if err := h.Publish(context.Background(), transition("ms_1", "job_1", "approved")); err != nil {
		t.Fatal(err)
	}
	if err := h.Publish(context.Background(), transition("ms_1", "job_1", "delivered")); err != nil {
		t.Fatal(err)
	}

	select {
	case frame := <-client.send:
		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != "transition" || msg.Data.To != "delivered" {
			t.Errorf("unexpected frame %s", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for transition")
	}

	select {
	case frame := <-client.send:
		t.Errorf("filtered transition delivered: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)

	client := &Client{hub: h, send: make(chan []byte, 1)}
	h.register <- client
	h.unregister <- client

	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed after unregister")
	}
	if got := h.Stats().PeakClients; got != 1 {
		t.Errorf("PeakClients = %d, want 1", got)
	}
}

func TestHub_DropsSlowClients(t *testing.T) {
	h := runHub(t)

	client := &Client{hub: h, send: make(chan []byte, 1)}
	h.register <- client

	for i := 0; i < 3; i++ {
		_ = h.Publish(context.Background(), transition("ms_1", "", "funded"))
	}

	deadline := time.After(time.Second)
	for h.Stats().DroppedSlow == 0 {
		select {
		case <-deadline:
			t.Fatal("slow client was not dropped")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := h.Stats().ConnectedClients; got != 0 {
		t.Errorf("ConnectedClients = %d, want 0", got)
	}
}

func TestHub_PublishBacklogged(t *testing.T) {
	h := testHub() // not running, so nothing drains the buffer
	var err error
	for i := 0; i <= cap(h.broadcast); i++ {
		err = h.Publish(context.Background(), transition("ms_1", "", "funded"))
	}
	if err != ErrBacklogged {
		t.Errorf("err = %v, want ErrBacklogged", err)
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	go h.Run(ctx)
	cancel()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Error("hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketStream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := runHub(t)

	r := gin.New()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream?milestone=ms_2,ms_3"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.After(time.Second)
	for h.Stats().ConnectedClients == 0 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	_ = h.Publish(context.Background(), transition("ms_1", "", "funded"))
	_ = h.Publish(context.Background(), transition("ms_3", "", "funded"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Data.MilestoneID != "ms_3" {
		t.Errorf("got transition for %s, want ms_3", msg.Data.MilestoneID)
	}
}
