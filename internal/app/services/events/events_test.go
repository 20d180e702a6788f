package events

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/coinjoin/pkg/logger"
)

type failing struct{ err error }

func (f failing) Publish(context.Context, Event) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	rec := &Recorder{}
	boom := errors.New("boom")
	m := Multi{rec, nil, failing{boom}}

	err := m.Publish(context.Background(), Event{Type: TypeMix})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(rec.Events()) != 1 {
		t.Fatalf("recorder should still receive the event")
	}
}

func TestHubDeliversToWebsocketClients(t *testing.T) {
	hub := NewHub(logger.NewDiscard())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := hub.Publish(context.Background(), Event{Type: TypeDeposit, Symbol: "10", PoolSize: 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != TypeDeposit || got.PoolSize != 2 {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestHubDropsSlowClients(t *testing.T) {
	hub := NewHub(logger.NewDiscard())
	c := &client{send: make(chan Event, clientBuffer)}
	hub.clients[c] = struct{}{}

	for i := 0; i <= clientBuffer; i++ {
		_ = hub.Publish(context.Background(), Event{Type: TypeMix})
	}
	if hub.Clients() != 0 {
		t.Fatalf("slow client should have been dropped")
	}
}

func TestRedisPublisherIntegration(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pub := NewRedisPublisher(client, "coinjoin:test:"+time.Now().Format("150405.000"))
	events, err := pub.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := pub.Publish(ctx, Event{Type: TypePrune, PoolSize: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case evt := <-events:
		if evt.Type != TypePrune {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-ctx.Done():
		t.Fatalf("event not received")
	}
}
