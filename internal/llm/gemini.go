package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/decisionflow/engine/internal/circuitbreaker"
	"github.com/decisionflow/engine/internal/metrics"
	"github.com/decisionflow/engine/internal/tracing"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const providerGemini = "gemini"

// GeminiClient implements Service on top of the Google GenAI SDK
type GeminiClient struct {
	client    *genai.Client
	model     string
	maxTokens int
	cb        *circuitbreaker.CircuitBreaker
	logger    *zap.Logger
}

// NewGeminiClient creates a client for model using apiKey
func NewGeminiClient(ctx context.Context, apiKey, model string, maxTokens int, logger *zap.Logger) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.LLM, circuitbreaker.ConfigFor(circuitbreaker.LLM), logger)
	circuitbreaker.GlobalMetricsCollector.Register(providerGemini, cb)
	return &GeminiClient{client: client, model: model, maxTokens: maxTokens, cb: cb, logger: logger}, nil
}

// Breaker exposes the client's circuit breaker for health checks
func (g *GeminiClient) Breaker() *circuitbreaker.CircuitBreaker { return g.cb }

func (g *GeminiClient) config(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		Temperature:       genai.Ptr(float32(req.Temperature)),
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.maxTokens
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	return cfg
}

func (g *GeminiClient) fail(op string, err error) error {
	return &Error{Provider: providerGemini, Op: op, Err: err}
}

// Complete performs one unary generation
func (g *GeminiClient) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "gemini.generate")
	defer span.End()

	start := time.Now()
	var text string
	err := g.cb.Execute(ctx, func() error {
		resp, err := g.client.Models.GenerateContent(ctx, g.model,
			[]*genai.Content{genai.NewContentFromText(req.User, genai.RoleUser)}, g.config(req))
		if err != nil {
			return err
		}
		text = resp.Text()
		return nil
	})
	circuitbreaker.GlobalMetricsCollector.RecordRequest(g.cb.Name(), providerGemini, g.cb.State(), err == nil)
	if err != nil {
		metrics.RecordLLMMetrics(providerGemini, req.Op, "error", time.Since(start).Seconds())
		tracing.RecordError(span, err)
		return "", g.fail(req.Op, err)
	}
	if strings.TrimSpace(text) == "" {
		metrics.RecordLLMMetrics(providerGemini, req.Op, "empty", time.Since(start).Seconds())
		return "", g.fail(req.Op, ErrEmptyCompletion)
	}
	metrics.RecordLLMMetrics(providerGemini, req.Op, "ok", time.Since(start).Seconds())
	return text, nil
}

// Stream performs a streaming generation, yielding accumulated text
func (g *GeminiClient) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, span := tracing.StartSpan(ctx, "gemini.stream")
		defer span.End()

		if g.cb.State() == circuitbreaker.StateOpen {
			yield("", g.fail(req.Op, circuitbreaker.ErrCircuitBreakerOpen))
			return
		}

		start := time.Now()
		var acc strings.Builder
		contents := []*genai.Content{genai.NewContentFromText(req.User, genai.RoleUser)}
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, g.config(req)) {
			if err != nil {
				// Record the failure on the breaker without re-running the call
				_ = g.cb.Execute(ctx, func() error { return err })
				metrics.RecordLLMMetrics(providerGemini, req.Op, "error", time.Since(start).Seconds())
				tracing.RecordError(span, err)
				yield(acc.String(), g.fail(req.Op, err))
				return
			}
			delta := resp.Text()
			if delta == "" {
				continue
			}
			acc.WriteString(delta)
			if !yield(acc.String(), nil) {
				return
			}
		}
		if acc.Len() == 0 {
			yield("", g.fail(req.Op, ErrEmptyCompletion))
			return
		}
		_ = g.cb.Execute(ctx, func() error { return nil })
		metrics.RecordLLMMetrics(providerGemini, req.Op, "ok", time.Since(start).Seconds())
	}
}
