package activities

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/decisionflow/engine/internal/state"
	"github.com/decisionflow/engine/internal/vectordb"
)

const (
	chunkHeader            = "Use the following chunks in priority order (most relevant first):\n\n"
	noContextMessage       = "No context documents uploaded. Using general knowledge only."
	contextDownMessage     = "No context documents available. Using general knowledge only."
	historyDownMessage     = "Historical memory unavailable. Continuing without supportive evidence."
	collaboratorVectorDB   = "vector retrieval"
	collaboratorHistorical = "historical retrieval"
)

// ContextRetrieval fetches the authoritative organizational context for the
// question and annotates each chunk with its source and similarity.
func (a *Activities) ContextRetrieval(ctx context.Context, s *state.Session) (state.Patch, error) {
	return a.stage(ctx, state.StageContext, s, func(ctx context.Context) (state.Patch, error) {
		p := state.Patch{
			AuthoritativeContext: state.String(""),
			ContextChunks:        []state.ContextChunk{},
		}
		if a.context == nil {
			p.Say(noContextMessage)
			return p, nil
		}
		docs, err := a.context.Search(ctx, s.Question, a.cfg.ContextK)
		if err != nil {
			p.Say(contextDownMessage)
			return p, &state.CollaboratorUnavailableError{Collaborator: collaboratorVectorDB, Err: err}
		}
		if len(docs) == 0 {
			p.Say(noContextMessage)
			return p, nil
		}

		chunks := AnnotateChunks(docs, a.cfg.ScoreKind)
		sources := make(map[string]struct{}, len(chunks))
		for _, c := range chunks {
			sources[c.Source] = struct{}{}
		}
		p.AuthoritativeContext = state.String(FormatChunks(chunks))
		p.ContextChunks = chunks
		p.Say(fmt.Sprintf("📄 Organizational Context: Retrieved %d authoritative chunks from %d document(s)", len(chunks), len(sources)))
		return p, nil
	})
}

// HistoricalRetrieval fetches supportive evidence. On retry cycles the
// previous plan enriches the query.
func (a *Activities) HistoricalRetrieval(ctx context.Context, s *state.Session) (state.Patch, error) {
	return a.stage(ctx, state.StageHistorical, s, func(ctx context.Context) (state.Patch, error) {
		p := state.Patch{SupportiveEvidence: []string{}}
		if a.history == nil {
			p.Say(historicalMessage(0))
			return p, nil
		}
		docs, err := a.history.Search(ctx, HistoricalQuery(s), a.cfg.HistoricalK)
		if err != nil {
			p.Say(historyDownMessage)
			return p, &state.CollaboratorUnavailableError{Collaborator: collaboratorHistorical, Err: err}
		}
		for _, d := range docs {
			p.SupportiveEvidence = append(p.SupportiveEvidence, d.Content)
		}
		p.Say(historicalMessage(len(docs)))
		return p, nil
	})
}

func historicalMessage(n int) string {
	return fmt.Sprintf("📚 Historical Context: Retrieved %d similar past decisions from memory", n)
}

// HistoricalQuery builds the supportive-evidence query for s
func HistoricalQuery(s *state.Session) string {
	if plan := s.PlanText(); plan != "" {
		return fmt.Sprintf("Question: %s\nPlan: %s", s.Question, plan)
	}
	return s.Question
}

// AnnotateChunks converts retrieved documents into numbered context chunks
func AnnotateChunks(docs []vectordb.Document, scoreKind string) []state.ContextChunk {
	out := make([]state.ContextChunk, 0, len(docs))
	for i, d := range docs {
		n := i + 1
		out = append(out, state.ContextChunk{
			Index:      n,
			Source:     chunkSource(d.Metadata, n),
			ChunkID:    chunkID(d.Metadata, n),
			Similarity: Similarity(d.Score, scoreKind),
			Content:    d.Content,
		})
	}
	return out
}

// FormatChunks renders chunks as the authoritative context handed to the models
func FormatChunks(chunks []state.ContextChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(chunkHeader)
	for _, c := range chunks {
		fmt.Fprintf(&b, "[CHUNK %d] Source: %s | Chunk ID: %s | Similarity: %.2f\n", c.Index, c.Source, c.ChunkID, c.Similarity)
		fmt.Fprintf(&b, "ORGANIZATIONAL FACT:\n%s\n\n", c.Content)
	}
	return strings.TrimSpace(b.String())
}

// Similarity maps a retrieval score into [0,1]. Distances shrink as
// documents get closer, so they are inverted.
func Similarity(score float64, kind string) float64 {
	if kind == vectordb.ScoreDistance {
		score = 1 - math.Min(score, 1)
	}
	return math.Max(0, math.Min(1, score))
}

func chunkSource(meta map[string]any, n int) string {
	for _, key := range []string{"filename", "source"} {
		if v, ok := meta[key]; ok {
			if s := fmt.Sprint(v); s != "" {
				return s
			}
		}
	}
	return "Document_" + strconv.Itoa(n)
}

func chunkID(meta map[string]any, n int) string {
	if v, ok := meta["chunk_id"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return strconv.Itoa(n)
}
