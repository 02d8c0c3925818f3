package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// Operations label requests in logs and metrics
const (
	OpPlanner  = "planner"
	OpAnalyzer = "analyzer"
	OpDecision = "decision"
)

// Request is one completion call
type Request struct {
	Op          string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Service is the completion service contract. Stream yields accumulated
// text snapshots, each a prefix-or-equal extension of the previous one,
// and ends after the final text or at the first error.
type Service interface {
	Complete(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// ErrEmptyCompletion is returned when the provider answers with no text
var ErrEmptyCompletion = errors.New("empty completion")

// Error is a typed completion service failure
type Error struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Drain consumes a stream and returns its final text
func Drain(seq iter.Seq2[string, error]) (string, error) {
	var last string
	for text, err := range seq {
		if err != nil {
			return last, err
		}
		last = text
	}
	return last, nil
}
