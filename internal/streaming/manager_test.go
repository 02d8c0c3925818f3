package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/decisionflow/engine/internal/circuitbreaker"
	"github.com/decisionflow/engine/internal/state"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[2].Seq)

	evs = r.since(2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
}

func TestEventFor(t *testing.T) {
	assert.Equal(t, EventSnapshot, EventFor(state.Snapshot{}).Type)
	assert.Equal(t, EventFinal, EventFor(state.Snapshot{Final: true}).Type)
	assert.Equal(t, EventError, EventFor(state.Snapshot{Final: true, Err: "boom"}).Type)
	assert.True(t, EventFor(state.Snapshot{Final: true}).Terminal())
}

func TestManagerPublishSubscribe(t *testing.T) {
	m := NewManager(8, nil, zaptest.NewLogger(t))
	ctx := context.Background()
	ch := m.Subscribe("s1", 4)

	m.Publish(ctx, "s1", EventFor(state.Snapshot{Plan: "p"}))
	m.Publish(ctx, "s2", EventFor(state.Snapshot{Plan: "other"}))
	m.Publish(ctx, "s1", EventFor(state.Snapshot{Plan: "p2", Final: true}))

	first := <-ch
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, "s1", first.SessionID)
	assert.Equal(t, "p", first.Snapshot.Plan)
	second := <-ch
	assert.Equal(t, uint64(2), second.Seq)
	assert.True(t, second.Terminal())
	assert.True(t, m.Completed("s1"))
	assert.False(t, m.Completed("s2"))

	m.Unsubscribe("s1", ch)
	_, open := <-ch
	assert.False(t, open)
	// second unsubscribe is a no-op
	m.Unsubscribe("s1", ch)
}

func TestManagerSlowSubscriberDrops(t *testing.T) {
	m := NewManager(8, nil, zaptest.NewLogger(t))
	ch := m.Subscribe("s", 1)
	defer m.Unsubscribe("s", ch)
	for i := 0; i < 3; i++ {
		m.Publish(context.Background(), "s", Event{Type: EventSnapshot})
	}
	assert.Len(t, ch, 1)
	assert.Len(t, m.ReplaySince(context.Background(), "s", 1), 2)
}

func TestManagerSweep(t *testing.T) {
	m := NewManager(8, nil, zaptest.NewLogger(t))
	ctx := context.Background()
	m.Publish(ctx, "done", Event{Type: EventFinal, Timestamp: time.Now().Add(-time.Hour)})
	m.Publish(ctx, "running", Event{Type: EventSnapshot})
	assert.Equal(t, 1, m.Sweep(time.Minute))
	assert.Empty(t, m.ReplaySince(ctx, "done", 0))
	assert.Len(t, m.ReplaySince(ctx, "running", 0), 1)
}

func TestRedisMirrorReplay(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	logger := zaptest.NewLogger(t)
	mirror := NewRedisMirror(circuitbreaker.NewRedisWrapper(client, "stream-mirror", logger), 16, time.Hour)
	ctx := context.Background()

	producer := NewManager(8, mirror, logger)
	for _, plan := range []string{"a", "ab", "abc"} {
		producer.Publish(ctx, "sess", EventFor(state.Snapshot{SessionID: "sess", Plan: plan}))
	}
	producer.Publish(ctx, "sess", EventFor(state.Snapshot{SessionID: "sess", Plan: "abc", Final: true, Confidence: 0.8}))

	assert.True(t, mr.Exists(StreamKey("sess")))
	assert.Greater(t, mr.TTL(StreamKey("sess")), time.Duration(0))

	// another replica has no local history and reads the mirror
	replica := NewManager(8, mirror, logger)
	evs := replica.ReplaySince(ctx, "sess", 2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
	assert.Equal(t, "abc", evs[0].Snapshot.Plan)
	assert.Equal(t, EventFinal, evs[1].Type)
	assert.InDelta(t, 0.8, evs[1].Snapshot.Confidence, 1e-9)
	assert.False(t, evs[1].Timestamp.IsZero())
}
