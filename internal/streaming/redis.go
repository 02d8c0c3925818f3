package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/decisionflow/engine/internal/circuitbreaker"
	"github.com/redis/go-redis/v9"
)

// RedisMirror appends session events to a Redis stream per session
type RedisMirror struct {
	cli    *circuitbreaker.RedisWrapper
	maxLen int64
	ttl    time.Duration
}

// NewRedisMirror keeps at most maxLen events per session for ttl
func NewRedisMirror(cli *circuitbreaker.RedisWrapper, maxLen int, ttl time.Duration) *RedisMirror {
	if maxLen <= 0 {
		maxLen = 256
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisMirror{cli: cli, maxLen: int64(maxLen), ttl: ttl}
}

// StreamKey names the Redis stream for a session
func StreamKey(sessionID string) string {
	return fmt.Sprintf("decisionflow:session:events:%s", sessionID)
}

// Append writes evt to the session stream and refreshes its expiry
func (r *RedisMirror) Append(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt.Snapshot)
	if err != nil {
		return err
	}
	key := StreamKey(evt.SessionID)
	return r.cli.Do(ctx, func(c redis.UniversalClient) error {
		pipe := c.TxPipeline()
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: r.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"session_id": evt.SessionID,
				"type":       evt.Type,
				"payload":    string(payload),
				"ts_nano":    strconv.FormatInt(evt.Timestamp.UnixNano(), 10),
				"seq":        strconv.FormatUint(evt.Seq, 10),
			},
		})
		pipe.Expire(ctx, key, r.ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Since reads events with Seq > since from the session stream
func (r *RedisMirror) Since(ctx context.Context, sessionID string, since uint64) ([]Event, error) {
	var msgs []redis.XMessage
	err := r.cli.Do(ctx, func(c redis.UniversalClient) error {
		var e error
		msgs, e = c.XRange(ctx, StreamKey(sessionID), "-", "+").Result()
		return e
	})
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		evt, err := decodeMessage(m)
		if err != nil {
			return nil, fmt.Errorf("decode stream entry %s: %w", m.ID, err)
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

func decodeMessage(m redis.XMessage) (Event, error) {
	str := func(k string) string {
		s, _ := m.Values[k].(string)
		return s
	}
	seq, err := strconv.ParseUint(str("seq"), 10, 64)
	if err != nil {
		return Event{}, err
	}
	evt := Event{SessionID: str("session_id"), Type: str("type"), Seq: seq}
	if ns, err := strconv.ParseInt(str("ts_nano"), 10, 64); err == nil {
		evt.Timestamp = time.Unix(0, ns)
	}
	if err := json.Unmarshal([]byte(str("payload")), &evt.Snapshot); err != nil {
		return Event{}, err
	}
	return evt, nil
}
