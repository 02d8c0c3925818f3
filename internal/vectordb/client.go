package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/decisionflow/engine/internal/circuitbreaker"
	"github.com/decisionflow/engine/internal/metrics"
	"github.com/decisionflow/engine/internal/tracing"
	"go.uber.org/zap"
)

// Client is a minimal Qdrant HTTP client bound to one collection
type Client struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// NewClient applies defaults and wraps HTTP calls in the vectordb breaker
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Collection == "" {
		cfg.Collection = "organizational_context"
	}
	if cfg.ScoreKind == "" {
		cfg.ScoreKind = ScoreSimilarity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:   cfg,
		base:  fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpw: circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, circuitbreaker.VectorDB, "qdrant", logger),
		log:   logger,
	}
}

// newClientWithBase is used by tests to point at an httptest server
func newClientWithBase(cfg Config, base string, logger *zap.Logger) *Client {
	c := NewClient(cfg, logger)
	c.base = base
	return c
}

// Config returns the effective configuration
func (c *Client) Config() Config { return c.cfg }

// Enabled reports whether searches reach Qdrant
func (c *Client) Enabled() bool { return c != nil && c.cfg.Enabled }

// Search returns up to limit points nearest to vec. It uses the
// /points/query API and falls back to /points/search for older servers.
func (c *Client) Search(ctx context.Context, vec []float32, limit int) ([]Document, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("vectordb: search called while disabled")
	}
	collection := c.cfg.Collection
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, "vectordb.search")
	defer span.End()

	points, err := c.query(ctx, collection, vec, limit)
	if err != nil {
		tracing.RecordError(span, err)
		metrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())

	docs := make([]Document, 0, len(points))
	for _, p := range points {
		docs = append(docs, toDocument(p))
	}
	return docs, nil
}

func (c *Client) query(ctx context.Context, collection string, vec []float32, limit int) ([]qdrantPoint, error) {
	body, _ := json.Marshal(qdrantQueryRequest{Query: vec, Limit: limit, WithPayload: true})
	resp, err := c.post(ctx, fmt.Sprintf("%s/collections/%s/points/query", c.base, collection), body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		defer resp.Body.Close()
		var qr qdrantQueryResponse
		if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
			return nil, fmt.Errorf("decode qdrant query response: %w", err)
		}
		return qr.Result.Points, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	c.log.Debug("Qdrant query API unavailable, using search API", zap.Int("status", resp.StatusCode))
	body, _ = json.Marshal(qdrantSearchRequest{Vector: vec, Limit: limit, WithPayload: true})
	resp, err = c.post(ctx, fmt.Sprintf("%s/collections/%s/points/search", c.base, collection), body)
	if err != nil {
		return nil, fmt.Errorf("qdrant query/search failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qdrant status %d", resp.StatusCode)
	}
	var sr qdrantSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode qdrant search response: %w", err)
	}
	return sr.Result, nil
}

// Upsert inserts or updates points in the configured collection
func (c *Client) Upsert(ctx context.Context, points []UpsertItem) (*UpsertResponse, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("vectordb: upsert called while disabled")
	}
	url := fmt.Sprintf("%s/collections/%s/points", c.base, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPut, url)
	defer span.End()

	buf, err := json.Marshal(map[string]any{"points": points})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	resp, err := c.httpw.Do(req)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant upsert status %d", resp.StatusCode)
	}
	var r UpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	return c.httpw.Do(req)
}

// toDocument maps a point payload onto a Document. The chunk text is read
// from "content", then "text", then "document"; other keys become metadata.
func toDocument(p qdrantPoint) Document {
	doc := Document{Score: p.Score, Metadata: map[string]any{}}
	for k, v := range p.Payload {
		switch k {
		case "content", "text", "document":
			continue
		default:
			doc.Metadata[k] = v
		}
	}
	for _, key := range []string{"content", "text", "document"} {
		if s, ok := p.Payload[key].(string); ok && s != "" {
			doc.Content = s
			break
		}
	}
	if p.ID != nil {
		doc.Metadata["_point_id"] = fmt.Sprintf("%v", p.ID)
	}
	return doc
}
