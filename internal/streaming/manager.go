package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/decisionflow/engine/internal/metrics"
	"github.com/decisionflow/engine/internal/state"
	"go.uber.org/zap"
)

// Event types
const (
	EventSnapshot = "snapshot"
	EventFinal    = "final"
	EventError    = "error"
)

// Event is one progress update of a session as delivered to SSE, WebSocket
// and Temporal heartbeat consumers.
type Event struct {
	SessionID string         `json:"session_id"`
	Seq       uint64         `json:"seq"`
	Type      string         `json:"type"`
	Snapshot  state.Snapshot `json:"snapshot"`
	Timestamp time.Time      `json:"timestamp"`
}

// Terminal reports whether no further events follow for the session
func (e Event) Terminal() bool { return e.Type == EventFinal || e.Type == EventError }

// Marshal returns JSON for SSE data lines and logs
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// EventFor classifies a snapshot
func EventFor(snap state.Snapshot) Event {
	typ := EventSnapshot
	switch {
	case snap.Err != "":
		typ = EventError
	case snap.Final:
		typ = EventFinal
	}
	return Event{SessionID: snap.SessionID, Type: typ, Snapshot: snap}
}

// Manager provides in-memory pub/sub for session events with a per-session
// ring buffer for replay and Last-Event-ID support. An optional Redis
// Streams mirror lets other replicas replay sessions they did not run.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	mirror      *RedisMirror
	logger      *zap.Logger
}

// NewManager creates a manager keeping capacity events per session.
// mirror may be nil.
func NewManager(capacity int, mirror *RedisMirror, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		mirror:      mirror,
		logger:      logger,
	}
}

// Subscribe adds a subscriber channel for a session; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Publish assigns the next sequence number, records the event and sends it
// to all subscribers without blocking. Slow subscribers miss events and
// recover them through ReplaySince.
func (m *Manager) Publish(ctx context.Context, sessionID string, evt Event) Event {
	m.mu.Lock()
	rg := m.history[sessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[sessionID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	evt.SessionID = sessionID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	rg.push(evt)
	if evt.Terminal() {
		rg.closedAt = evt.Timestamp
	}
	// send under the lock so Unsubscribe cannot close a channel mid-send
	for ch := range m.subscribers[sessionID] {
		select {
		case ch <- evt:
		default:
			metrics.SnapshotsDropped.Inc()
		}
	}
	m.mu.Unlock()

	if m.mirror != nil {
		if err := m.mirror.Append(ctx, evt); err != nil {
			m.logger.Warn("Failed to mirror event to Redis",
				zap.String("session_id", sessionID), zap.Uint64("seq", evt.Seq), zap.Error(err))
		}
	}
	return evt
}

// ReplaySince returns events with Seq > since. Local history is preferred;
// sessions unknown to this process are read from the Redis mirror.
func (m *Manager) ReplaySince(ctx context.Context, sessionID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[sessionID]
	var out []Event
	if rg != nil {
		out = rg.since(since)
	}
	m.mu.RUnlock()
	if rg != nil || m.mirror == nil {
		return out
	}
	evs, err := m.mirror.Since(ctx, sessionID, since)
	if err != nil {
		m.logger.Warn("Failed to replay events from Redis", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}
	return evs
}

// Completed reports whether the session's terminal event was published locally
func (m *Manager) Completed(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[sessionID]
	return rg != nil && !rg.closedAt.IsZero()
}

// Sweep drops history of sessions that ended more than ttl ago and have
// no subscribers. It returns the number of sessions dropped.
func (m *Manager) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rg := range m.history {
		if rg.closedAt.IsZero() || rg.closedAt.After(cutoff) || len(m.subscribers[id]) > 0 {
			continue
		}
		delete(m.history, id)
		n++
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done
func (m *Manager) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Sweep(ttl); n > 0 {
				m.logger.Debug("Swept finished session streams", zap.Int("count", n))
			}
		}
	}
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf      []Event
	start    int
	count    int
	nextSeq  uint64
	closedAt time.Time
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
