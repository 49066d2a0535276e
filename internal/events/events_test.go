package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/enginectl/internal/metrics"
)

func TestBus_FanOutAndDrop(t *testing.T) {
	b := NewBus()
	a := b.Subscribe(4)
	slow := b.Subscribe(1)
	defer a.Close()
	defer slow.Close()

	b.Publish(TopicProgress, map[string]any{"percent": 5})
	b.Publish(TopicProgress, map[string]any{"percent": 13})

	first := <-a.C
	second := <-a.C
	assert.Equal(t, TopicProgress, first.Topic)
	assert.Equal(t, 13, second.Data.(map[string]any)["percent"])
	assert.False(t, first.Time.IsZero())

	<-slow.C
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestBus_DropsAreCounted(t *testing.T) {
	require.NoError(t, metrics.Register(prometheus.DefaultRegisterer))
	dropped := func() float64 {
		mfs, err := prometheus.DefaultGatherer.Gather()
		require.NoError(t, err)
		for _, mf := range mfs {
			if mf.GetName() != "enginectl_events_dropped_total" {
				continue
			}
			for _, m := range mf.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "topic" && l.GetValue() == string(TopicLog) {
						return m.GetCounter().GetValue()
					}
				}
			}
		}
		return 0
	}
	before := dropped()

	b := NewBus()
	sub := b.Subscribe(1)
	defer sub.Close()
	for i := 0; i < 4; i++ {
		b.Publish(TopicLog, map[string]string{"stream": "stdout", "line": "burst"})
	}
	assert.Equal(t, uint64(3), b.Dropped())
	assert.Equal(t, before+3, dropped())
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	b := NewBus()
	s := b.Subscribe(0)
	s.Close()
	s.Close()
	_, ok := <-s.C
	assert.False(t, ok)
	// publishing after close must not panic
	b.Publish(TopicLog, nil)
}

func startHub(t *testing.T, greeting func() []Event) (*Bus, *Hub, string) {
	t.Helper()
	bus := NewBus()
	hub := NewHub(bus, nil)
	hub.Greeting = greeting
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(hub)
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return bus, hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(msg, &out))
	return out
}

func TestHub_GreetingThenBroadcast(t *testing.T) {
	bus, hub, url := startHub(t, func() []Event {
		return []Event{{Topic: TopicStatus, Data: StatusData{Status: StatusStarted, Port: 7860}}}
	})
	conn := dial(t, url)

	hello := readEvent(t, conn)
	assert.Equal(t, "engine-status", hello["event"])
	assert.Equal(t, "started", hello["data"].(map[string]any)["status"])

	require.Eventually(t, func() bool { return hub.Count() == 1 && bus.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	bus.Publish(TopicLog, map[string]string{"stream": "stdout", "line": "Running on local URL"})

	got := readEvent(t, conn)
	assert.Equal(t, "engine-log", got["event"])
	assert.Equal(t, "stdout", got["data"].(map[string]any)["stream"])
	assert.NotEmpty(t, got["time"])
}

func TestHub_ClientLeaves(t *testing.T) {
	_, hub, url := startHub(t, nil)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	_ = conn.Close()
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
