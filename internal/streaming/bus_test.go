package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func drain(s *Subscription) []Event {
	out := append([]Event(nil), s.Backlog...)
	for ev := range s.C {
		out = append(out, ev)
	}
	return out
}

func ids(events []Event) []uint64 {
	out := make([]uint64, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func TestBusAssignsGaplessIDs(t *testing.T) {
	m := NewManager(Config{}, zaptest.NewLogger(t))
	b := m.Create("s1")
	for i := 0; i < 5; i++ {
		ev, err := b.Publish(context.Background(), Event{Type: "progress"})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), ev.ID)
		assert.Equal(t, "s1", ev.SessionID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, ids(b.Events()))
}

func TestBusSubscribeBacklogAndLive(t *testing.T) {
	b := NewManager(Config{Buffer: 4}, zaptest.NewLogger(t)).Create("s1")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := b.Publish(ctx, Event{Type: "progress"})
		require.NoError(t, err)
	}

	sub := b.Subscribe(0)
	resumed := b.Subscribe(2)
	assert.Equal(t, []uint64{1, 2, 3}, ids(sub.Backlog))
	assert.Equal(t, []uint64{3}, ids(resumed.Backlog))

	_, err := b.Publish(ctx, Event{Type: "progress"})
	require.NoError(t, err)
	_, err = b.Publish(ctx, Event{Type: TypeComplete})
	require.NoError(t, err)
	b.Close()

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, ids(drain(sub)))
	assert.Equal(t, []uint64{3, 4, 5}, ids(drain(resumed)))
	assert.False(t, sub.Detached())
}

func TestBusSubscribeAfterClose(t *testing.T) {
	b := NewManager(Config{}, nil).Create("s1")
	_, _ = b.Publish(context.Background(), Event{Type: "start"})
	_, _ = b.Publish(context.Background(), Event{Type: TypeError})
	b.Close()

	sub := b.Subscribe(0)
	assert.Equal(t, []uint64{1, 2}, ids(drain(sub)))
	_, err := b.Publish(context.Background(), Event{Type: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}

// A concurrent subscriber sees every event exactly once, in order, whenever
// it joins.
func TestBusConcurrentSubscribersSeePrefix(t *testing.T) {
	b := NewManager(Config{Buffer: 2, PublishTimeout: 5 * time.Second}, zaptest.NewLogger(t)).Create("s1")
	const total = 200

	var wg sync.WaitGroup
	results := make([][]Event, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i) * time.Millisecond)
			results[i] = drain(b.Subscribe(0))
		}(i)
	}
	for i := 0; i < total; i++ {
		_, err := b.Publish(context.Background(), Event{Type: "progress"})
		require.NoError(t, err)
	}
	b.Close()
	wg.Wait()

	for _, got := range results {
		require.Len(t, got, total)
		for i, ev := range got {
			assert.Equal(t, uint64(i+1), ev.ID)
		}
	}
}

func TestBusBlocksThenDetachesSlowSubscriber(t *testing.T) {
	b := NewManager(Config{Buffer: 1, PublishTimeout: 50 * time.Millisecond}, zaptest.NewLogger(t)).Create("s1")
	ctx := context.Background()
	slow := b.Subscribe(0)

	_, err := b.Publish(ctx, Event{Type: "a"})
	require.NoError(t, err)
	start := time.Now()
	_, err = b.Publish(ctx, Event{Type: "b"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "publisher waited for the full subscriber")

	got := drain(slow)
	assert.Equal(t, []uint64{1}, ids(got))
	assert.True(t, slow.Detached())

	// Nothing was lost: a resume from the last seen id picks up the rest.
	_, err = b.Publish(ctx, Event{Type: TypeComplete})
	require.NoError(t, err)
	b.Close()
	assert.Equal(t, []uint64{2, 3}, ids(drain(b.Subscribe(1))))
}

func TestBusPublishHonoursContext(t *testing.T) {
	b := NewManager(Config{Buffer: 1, PublishTimeout: time.Minute}, zaptest.NewLogger(t)).Create("s1")
	sub := b.Subscribe(0)
	defer b.Unsubscribe(sub)
	_, err := b.Publish(context.Background(), Event{Type: "a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ev, err := b.Publish(ctx, Event{Type: "b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(2), ev.ID)
	assert.Equal(t, 2, b.Len(), "the event is logged even though delivery was abandoned")
}

func TestBusDetachesSubscriberThatMissedTerminalEvent(t *testing.T) {
	b := NewManager(Config{Buffer: 2, PublishTimeout: time.Minute}, zaptest.NewLogger(t)).Create("s1")
	sub := b.Subscribe(0)
	for i := 0; i < 2; i++ {
		_, err := b.Publish(context.Background(), Event{Type: "progress"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Publish(ctx, Event{Type: TypeComplete})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	b.Close()

	assert.Equal(t, []uint64{1, 2}, ids(drain(sub)))
	assert.True(t, sub.Detached(), "a subscriber that missed an event is told to resume")
	resumed := drain(b.Subscribe(2))
	require.Len(t, resumed, 1)
	assert.Equal(t, TypeComplete, resumed[0].Type)
}

func TestBusUnsubscribeReleasesPublisher(t *testing.T) {
	b := NewManager(Config{Buffer: 1, PublishTimeout: time.Minute}, zaptest.NewLogger(t)).Create("s1")
	sub := b.Subscribe(0)
	_, err := b.Publish(context.Background(), Event{Type: "a"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = b.Publish(context.Background(), Event{Type: "b"})
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	b.Unsubscribe(sub)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after unsubscribe")
	}
}

func TestManagerRemoveClosesBus(t *testing.T) {
	m := NewManager(Config{}, nil)
	b := m.Create("s1")
	assert.Same(t, b, m.Create("s1"))
	sub := b.Subscribe(0)
	m.Remove("s1")
	_, ok := m.Get("s1")
	assert.False(t, ok)
	assert.True(t, b.Closed())
	_, open := <-sub.C
	assert.False(t, open)
	assert.Zero(t, m.Len())
}

func TestEventJSONFlattensPayload(t *testing.T) {
	ev := Event{
		ID:        7,
		SessionID: "s1",
		Type:      "retrieval",
		NodeName:  "retriever",
		Payload:   map[string]any{"source": "web_search", "result_count": 3, "type": "ignored"},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(b, &flat))
	assert.Equal(t, "retrieval", flat["type"])
	assert.Equal(t, "web_search", flat["source"])
	assert.Equal(t, float64(3), flat["result_count"])
	assert.Equal(t, "2026-01-02T03:04:05Z", flat["timestamp"])
	assert.NotContains(t, flat, "message")

	var back Event
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, ev.ID, back.ID)
	assert.Equal(t, "retriever", back.NodeName)
	assert.Equal(t, "web_search", back.Payload["source"])
	assert.True(t, ev.Timestamp.Equal(back.Timestamp))
}
