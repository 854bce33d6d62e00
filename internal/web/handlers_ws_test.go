package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"viessmann-go-home/internal/controller"

	"nhooyr.io/websocket"
)

func newTestHub(t *testing.T) *WSHub {
	t.Helper()
	hub := NewWSHub(testLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func clientCount(h *WSHub) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func valueEvent(name string, v any) controller.Event {
	return controller.Event{Type: controller.EventValue, Data: controller.ValueUpdate{Datapoint: name, Value: v}}
}

func received(c *wsClient) []string {
	var out []string
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

func TestWSHubAddRemove(t *testing.T) {
	hub := newTestHub(t)

	client := &wsClient{send: make(chan []byte, 16)}
	if !hub.add(client) {
		t.Fatal("add failed on a running hub")
	}
	if n := clientCount(hub); n != 1 {
		t.Errorf("after add: count = %d, want 1", n)
	}

	hub.remove(client)
	hub.remove(client)
	if n := clientCount(hub); n != 0 {
		t.Errorf("after remove: count = %d, want 0", n)
	}
	if _, ok := <-client.send; ok {
		t.Error("send channel still open after remove")
	}
}

func TestWSHubBroadcastFilters(t *testing.T) {
	hub := newTestHub(t)

	all := &wsClient{send: make(chan []byte, 16)}
	outside := &wsClient{send: make(chan []byte, 16), datapoints: map[string]bool{"Aussentemperatur_TP": true}}
	hub.add(all)
	hub.add(outside)

	hub.Broadcast(valueEvent("Aussentemperatur_TP", 7.5))
	hub.Broadcast(valueEvent("Kesseltemperatur", 55.0))
	hub.Broadcast(controller.Event{Type: controller.EventLinkState, Data: "faulted"})
	hub.Broadcast(controller.Event{Type: controller.EventBlacklist, Data: controller.BlacklistChange{}})
	time.Sleep(20 * time.Millisecond)

	tests := []struct {
		name   string
		client *wsClient
		want   []string
	}{
		{"unfiltered", all, []string{"Aussentemperatur_TP", "Kesseltemperatur", "faulted", "blacklisted"}},
		{"filtered", outside, []string{"Aussentemperatur_TP", "faulted", "blacklisted"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := received(tt.client)
			if len(msgs) != len(tt.want) {
				t.Fatalf("got %d messages %v, want %d", len(msgs), msgs, len(tt.want))
			}
			for i, w := range tt.want {
				if !strings.Contains(msgs[i], w) {
					t.Errorf("message %d = %s, want it to mention %s", i, msgs[i], w)
				}
			}
		})
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub(t)

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.add(slow)
	hub.add(fast)

	hub.Broadcast(valueEvent("a", 1.0))
	hub.Broadcast(valueEvent("b", 2.0))
	time.Sleep(20 * time.Millisecond)

	hub.mu.Lock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.Unlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastNeverBlocks(t *testing.T) {
	hub := NewWSHub(testLogger()) // not running: nothing drains the queue
	for i := 0; i < wsQueueSize; i++ {
		hub.Broadcast(valueEvent("a", float64(i)))
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(valueEvent("overflow", 0.0))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when the queue is full")
	}
}

func TestWSHubStop(t *testing.T) {
	hub := NewWSHub(testLogger())
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.add(client)

	hub.Stop()
	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send should be closed after hub stop")
	}
	if hub.add(&wsClient{send: make(chan []byte, 1)}) {
		t.Error("add succeeded after stop")
	}
}

func TestParseSubscription(t *testing.T) {
	tests := []struct {
		query string
		want  map[string]bool
	}{
		{"", nil},
		{"datapoints=a", map[string]bool{"a": true}},
		{"datapoints=a,%20b,,", map[string]bool{"a": true, "b": true}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := parseSubscription(httptest.NewRequest("GET", "/ws?"+tt.query, nil))
			if len(got) != len(tt.want) || (got == nil) != (tt.want == nil) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k := range tt.want {
				if !got[k] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestWSSnapshotAndEvents(t *testing.T) {
	srv, ctrl := setupTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	type message struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	read := func() message {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatal(err)
		}
		return m
	}

	snap := read()
	if snap.Type != snapshotEvent {
		t.Fatalf("first message type = %q, want snapshot", snap.Type)
	}
	var values map[string]controller.Value
	if err := json.Unmarshal(snap.Data, &values); err != nil {
		t.Fatal(err)
	}
	if values["Aussentemperatur_TP"].Value != 7.5 {
		t.Errorf("snapshot = %v", values)
	}

	// Writes start after the client joined the hub, so it is subscribed
	// once the snapshot arrived.
	ctrl.events.Emit(controller.Event{Type: controller.EventLinkState, Data: "faulted"})
	ev := read()
	if ev.Type != controller.EventLinkState || string(ev.Data) != `"faulted"` {
		t.Errorf("event = %s %s", ev.Type, ev.Data)
	}
}

func TestWSFilteredSnapshot(t *testing.T) {
	srv, _ := setupTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?datapoints=Aussentemperatur_TP"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var snap struct {
		Data map[string]controller.Value `json:"data"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Data) != 1 || snap.Data["Aussentemperatur_TP"].Value != 7.5 {
		t.Errorf("snapshot = %v, want only Aussentemperatur_TP", snap.Data)
	}
}
