package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/decisionflow/engine/internal/circuitbreaker"
	"github.com/decisionflow/engine/internal/metrics"
	"github.com/decisionflow/engine/internal/tracing"
	"go.uber.org/zap"
)

const providerHTTP = "llm-service"

// HTTPConfig configures the LLM service client
type HTTPConfig struct {
	BaseURL   string
	Model     string
	APIKey    string
	Timeout   time.Duration
	MaxTokens int
}

// HTTPClient talks to the LLM service over JSON and SSE
type HTTPClient struct {
	cfg    HTTPConfig
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewHTTPClient builds a client. The timeout bounds unary calls only;
// streams are bounded by the caller's context.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper(&http.Client{}, circuitbreaker.LLM, providerHTTP, logger),
		logger: logger,
	}
}

// Breaker exposes the client's circuit breaker for health checks
func (c *HTTPClient) Breaker() *circuitbreaker.CircuitBreaker { return c.http.Breaker() }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string            `json:"model"`
	Messages    []chatMessage     `json:"messages"`
	Temperature float64           `json:"temperature"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Stream      bool              `json:"stream"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type completionResponse struct {
	Completion string `json:"completion"`
	ModelUsed  string `json:"model_used"`
	Usage      struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type streamChunk struct {
	Delta string `json:"delta"`
	Error string `json:"error"`
}

func (c *HTTPClient) newRequest(ctx context.Context, path string, req Request, stream bool) (*http.Request, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	body := completionRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
		Metadata:    map[string]string{"op": req.Op},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, httpReq)
	return httpReq, nil
}

func (c *HTTPClient) fail(op string, status int, err error) error {
	return &Error{Provider: providerHTTP, Op: op, StatusCode: status, Err: err}
}

// Complete performs one unary completion
func (c *HTTPClient) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	url := c.cfg.BaseURL + "/completions/"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	start := time.Now()
	httpReq, err := c.newRequest(ctx, "/completions/", req, false)
	if err != nil {
		return "", c.fail(req.Op, 0, err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.RecordLLMMetrics(providerHTTP, req.Op, "error", time.Since(start).Seconds())
		tracing.RecordError(span, err)
		return "", c.fail(req.Op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.RecordLLMMetrics(providerHTTP, req.Op, "error", time.Since(start).Seconds())
		err := fmt.Errorf("%s", strings.TrimSpace(string(body)))
		tracing.RecordError(span, err)
		return "", c.fail(req.Op, resp.StatusCode, err)
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.RecordLLMMetrics(providerHTTP, req.Op, "error", time.Since(start).Seconds())
		return "", c.fail(req.Op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	if strings.TrimSpace(out.Completion) == "" {
		metrics.RecordLLMMetrics(providerHTTP, req.Op, "empty", time.Since(start).Seconds())
		return "", c.fail(req.Op, resp.StatusCode, ErrEmptyCompletion)
	}
	metrics.RecordLLMMetrics(providerHTTP, req.Op, "ok", time.Since(start).Seconds())
	c.logger.Debug("Completion finished",
		zap.String("op", req.Op),
		zap.String("model", out.ModelUsed),
		zap.Int("tokens", out.Usage.TotalTokens),
		zap.Duration("duration", time.Since(start)),
	)
	return out.Completion, nil
}

// Stream performs a streaming completion over SSE. Each yielded value is
// the text accumulated so far.
func (c *HTTPClient) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		url := c.cfg.BaseURL + "/completions/stream"
		ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
		defer span.End()

		start := time.Now()
		httpReq, err := c.newRequest(ctx, "/completions/stream", req, true)
		if err != nil {
			yield("", c.fail(req.Op, 0, err))
			return
		}
		resp, err := c.http.Do(httpReq)
		if err != nil {
			metrics.RecordLLMMetrics(providerHTTP, req.Op, "error", time.Since(start).Seconds())
			tracing.RecordError(span, err)
			yield("", c.fail(req.Op, 0, err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			metrics.RecordLLMMetrics(providerHTTP, req.Op, "error", time.Since(start).Seconds())
			yield("", c.fail(req.Op, resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(body)))))
			return
		}

		var acc strings.Builder
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

		var eventType, data string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, ":"):
				// keepalive
			case strings.HasPrefix(line, "event:"):
				eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "" && data != "":
				if data == "[DONE]" {
					if acc.Len() == 0 {
						yield("", c.fail(req.Op, resp.StatusCode, ErrEmptyCompletion))
						return
					}
					metrics.RecordLLMMetrics(providerHTTP, req.Op, "ok", time.Since(start).Seconds())
					return
				}
				var chunk streamChunk
				if err := json.Unmarshal([]byte(data), &chunk); err != nil {
					chunk.Delta = data
				}
				if eventType == "error" || chunk.Error != "" {
					msg := chunk.Error
					if msg == "" {
						msg = data
					}
					metrics.RecordLLMMetrics(providerHTTP, req.Op, "error", time.Since(start).Seconds())
					yield(acc.String(), c.fail(req.Op, resp.StatusCode, errors.New(msg)))
					return
				}
				eventType, data = "", ""
				if chunk.Delta == "" {
					continue
				}
				acc.WriteString(chunk.Delta)
				if !yield(acc.String(), nil) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			metrics.RecordLLMMetrics(providerHTTP, req.Op, "error", time.Since(start).Seconds())
			tracing.RecordError(span, err)
			yield(acc.String(), c.fail(req.Op, resp.StatusCode, err))
			return
		}
		// Upstream closed without [DONE]; accept what was streamed
		if acc.Len() == 0 {
			yield("", c.fail(req.Op, resp.StatusCode, ErrEmptyCompletion))
			return
		}
		metrics.RecordLLMMetrics(providerHTTP, req.Op, "ok", time.Since(start).Seconds())
	}
}
