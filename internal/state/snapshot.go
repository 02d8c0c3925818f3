package state

import (
	"fmt"
	"html"
)

// Stage names used in snapshots, logs and metrics
const (
	StageIntake        = "intake"
	StageContext       = "context_retrieval"
	StageHistorical    = "historical_retrieval"
	StageParallel      = "parallel_generation"
	StagePlanner       = "planner"
	StageAnalyzer      = "analyzer"
	StageDecision      = "decision_merger"
	StageRouter        = "confidence_router"
	StageSummarize     = "summarizer"
	StageDone          = "done"
	StageFailed        = "failed"
	errorSnapshotLabel = "❌ Error: "
)

// Snapshot is one caller-facing progress update. Early snapshots carry
// placeholders for fields that are not computed yet; the final one is complete.
type Snapshot struct {
	SessionID      string    `json:"session_id"`
	Stage          string    `json:"stage"`
	Attempt        int       `json:"attempt"`
	Plan           string    `json:"plan"`
	Analysis       string    `json:"analysis"`
	Decision       string    `json:"decision"`
	Confidence     float64   `json:"confidence"`
	Messages       []Message `json:"messages"`
	ReportPreview  string    `json:"report_preview"`
	ReportFile     string    `json:"report_file"`
	HistoricalHTML string    `json:"historical_html"`
	EvidenceHTML   string    `json:"evidence_html"`
	Final          bool      `json:"final"`
	Err            string    `json:"error,omitempty"`
}

// SnapshotOf copies the committed session fields into a snapshot
func SnapshotOf(s *Session, stage string) Snapshot {
	msgs := make([]Message, len(s.Messages))
	copy(msgs, s.Messages)
	return Snapshot{
		SessionID:  s.ID,
		Stage:      stage,
		Attempt:    s.Attempts,
		Plan:       s.PlanText(),
		Analysis:   s.AnalysisText(),
		Decision:   s.DecisionText(),
		Confidence: s.ConfidenceValue(),
		Messages:   msgs,
	}
}

// ErrorSnapshot builds the terminal snapshot for a failed session. The
// partial conversation is preserved; text fields carry the error message.
func ErrorSnapshot(s *Session, err error) Snapshot {
	msg := errorSnapshotLabel + err.Error()
	snap := Snapshot{Stage: StageFailed, Final: true, Err: err.Error()}
	if s != nil {
		snap = SnapshotOf(s, StageFailed)
		snap.Final = true
		snap.Err = err.Error()
	}
	snap.Plan = msg
	snap.Analysis = msg
	snap.Decision = msg
	snap.Confidence = 0
	snap.ReportPreview = fmt.Sprintf("<p>%s</p>", html.EscapeString(msg))
	snap.HistoricalHTML = snap.ReportPreview
	snap.EvidenceHTML = snap.ReportPreview
	return snap
}
