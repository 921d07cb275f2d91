package sse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vidamais/edgeguard/internal/events"
	"pgregory.net/rapid"
)

func TestHub_FanOut(t *testing.T) {
	hub := NewHub(DefaultConfig())
	a := NewConnection("a", "", 4)
	b := NewConnection("b", "", 4)
	hub.Add(a)
	hub.Add(b)

	e := events.New(events.EventTypeRouteAdded, "/ehr", "route added")
	if err := hub.Notify(context.Background(), e); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	for _, c := range []*Connection{a, b} {
		select {
		case got := <-c.Events:
			if got.Subject != "/ehr" {
				t.Errorf("connection %s got %+v", c.ID, got)
			}
		default:
			t.Errorf("connection %s received nothing", c.ID)
		}
	}
}

func TestHub_SlowConsumerIsDropped(t *testing.T) {
	hub := NewHub(DefaultConfig())
	slow := NewConnection("slow", "", 1)
	hub.Add(slow)

	ctx := context.Background()
	hub.Notify(ctx, events.New(events.EventTypeRouteAdded, "/a", ""))
	hub.Notify(ctx, events.New(events.EventTypeRouteAdded, "/b", ""))

	if !slow.IsClosed() || slow.Reason != ReasonSlowConsumer {
		t.Fatalf("expected slow consumer to be closed, reason %q", slow.Reason)
	}
	if hub.Count() != 0 {
		t.Errorf("expected hub to forget the connection, count %d", hub.Count())
	}
}

func TestHub_ConnectionLimitClosesOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 2
	hub := NewHub(cfg)

	base := time.Now()
	conns := make([]*Connection, 3)
	for i := range conns {
		conns[i] = NewConnection(fmt.Sprintf("c%d", i), "", 1)
		conns[i].CreatedAt = base.Add(time.Duration(i) * time.Second)
		hub.Add(conns[i])
	}

	if !conns[0].IsClosed() || conns[0].Reason != ReasonConnectionLimit {
		t.Errorf("expected oldest connection closed for limit, reason %q", conns[0].Reason)
	}
	if conns[1].IsClosed() || conns[2].IsClosed() {
		t.Error("expected newer connections to stay open")
	}
	if hub.Count() != 2 {
		t.Errorf("expected 2 connections, got %d", hub.Count())
	}
}

// Property: the hub never holds more than MaxConnections.
func TestProperty_HubRespectsLimit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 10).Draw(t, "limit")
		n := rapid.IntRange(0, 30).Draw(t, "n")

		cfg := DefaultConfig()
		cfg.MaxConnections = limit
		hub := NewHub(cfg)
		for i := 0; i < n; i++ {
			hub.Add(NewConnection(fmt.Sprintf("c%d", i), "", 1))
		}
		if want := min(n, limit); hub.Count() != want {
			t.Fatalf("expected %d connections, got %d", want, hub.Count())
		}
	})
}

func TestHub_CloseAll(t *testing.T) {
	hub := NewHub(DefaultConfig())
	c := NewConnection("c", "", 1)
	hub.Add(c)
	hub.CloseAll()
	if !c.IsClosed() || hub.Count() != 0 {
		t.Error("expected all connections closed")
	}
}
