// Package events publishes finalized decisions to the message bus.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultSubject is where finalized decisions are published
const DefaultSubject = "decisions.finalized"

// DecisionFinalized is emitted once per session after the report is written
type DecisionFinalized struct {
	SessionID   string    `json:"session_id"`
	Question    string    `json:"question"`
	Decision    string    `json:"decision"`
	Confidence  float64   `json:"confidence"`
	Attempts    int       `json:"attempts"`
	MemoryID    string    `json:"memory_id,omitempty"`
	ReportFile  string    `json:"report_file,omitempty"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// Publisher delivers finalized-decision events
type Publisher interface {
	PublishDecision(ctx context.Context, evt DecisionFinalized) error
}

// Decode parses an event payload
func Decode(data []byte) (DecisionFinalized, error) {
	var evt DecisionFinalized
	err := json.Unmarshal(data, &evt)
	return evt, err
}
