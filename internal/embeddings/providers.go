package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/decisionflow/engine/internal/circuitbreaker"
	"github.com/decisionflow/engine/internal/tracing"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// HTTPProvider calls the LLM service /embeddings/ endpoint
type HTTPProvider struct {
	baseURL string
	http    *circuitbreaker.HTTPWrapper
}

// NewHTTPProvider creates a provider for baseURL
func NewHTTPProvider(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPProvider {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, circuitbreaker.Embeddings, "embeddings", logger),
	}
}

func (p *HTTPProvider) Name() string { return "http" }

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

func (p *HTTPProvider) EmbedTexts(ctx context.Context, model string, texts []string) ([][]float32, error) {
	url := p.baseURL + "/embeddings/"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, err := json.Marshal(embedRequest{Texts: texts, Model: model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := p.http.Do(req)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, err
	}
	if len(er.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d embeddings for %d texts", len(er.Embeddings), len(texts))
	}
	out := make([][]float32, len(er.Embeddings))
	for i, emb := range er.Embeddings {
		vec := make([]float32, len(emb))
		for j, f := range emb {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}

// GeminiProvider generates embeddings through the Google GenAI SDK
type GeminiProvider struct {
	client *genai.Client
	cb     *circuitbreaker.CircuitBreaker
}

// NewGeminiProvider creates a GenAI-backed provider
func NewGeminiProvider(ctx context.Context, apiKey string, logger *zap.Logger) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Embeddings, circuitbreaker.ConfigFor(circuitbreaker.Embeddings), logger)
	circuitbreaker.GlobalMetricsCollector.Register("embeddings-gemini", cb)
	return &GeminiProvider{client: client, cb: cb}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) EmbedTexts(ctx context.Context, model string, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	var out [][]float32
	err := p.cb.Execute(ctx, func() error {
		result, err := p.client.Models.EmbedContent(ctx, model, contents, nil)
		if err != nil {
			return fmt.Errorf("GenAI embed failed: %w", err)
		}
		if len(result.Embeddings) != len(texts) {
			return fmt.Errorf("GenAI returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
		}
		out = make([][]float32, len(result.Embeddings))
		for i, emb := range result.Embeddings {
			out[i] = emb.Values
		}
		return nil
	})
	circuitbreaker.GlobalMetricsCollector.RecordRequest(p.cb.Name(), "embeddings-gemini", p.cb.State(), err == nil)
	return out, err
}
