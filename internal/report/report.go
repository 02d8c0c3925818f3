// Package report renders the session report (full document and inline
// preview) and the historical and evidence fragments shown next to it.
package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/decisionflow/engine/internal/state"
	"go.uber.org/zap"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Config controls rendering and report files
type Config struct {
	Dir         string
	MaxMessages int
}

// Report is the rendered output of one session
type Report struct {
	Full           string
	Preview        string
	HistoricalHTML string
	EvidenceHTML   string
	// Messages is the conversation view the report was rendered from
	Messages []state.Message
}

// Renderer renders reports from session state
type Renderer struct {
	cfg     Config
	full    *template.Template
	preview *template.Template
	logger  *zap.Logger
}

// New parses the embedded templates
func New(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if cfg.Dir == "" {
		cfg.Dir = "./reports"
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	full, err := template.ParseFS(templateFS, "templates/report_full.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse full report template: %w", err)
	}
	preview, err := template.ParseFS(templateFS, "templates/report_preview.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse preview template: %w", err)
	}
	return &Renderer{cfg: cfg, full: full, preview: preview, logger: logger}, nil
}

type messageView struct {
	Role    string
	Content string
}

type reportView struct {
	Timestamp  string
	SessionID  string
	Question   string
	Plan       template.HTML
	Analysis   template.HTML
	Decision   template.HTML
	Factors    template.HTML
	Confidence string
	Attempts   int
	Messages   []messageView
}

// Render builds the full report, the preview and both fragments. The
// session is read, never modified.
func (r *Renderer) Render(s *state.Session, now time.Time) (Report, error) {
	msgs := CompressMessages(s.Messages, r.cfg.MaxMessages)

	view := func(inline bool) reportView {
		v := reportView{
			Timestamp:  now.UTC().Format("2006-01-02 15:04:05 UTC"),
			SessionID:  s.ID,
			Question:   s.Question,
			Plan:       MarkdownToHTML(s.PlanText(), inline),
			Analysis:   MarkdownToHTML(s.AnalysisText(), inline),
			Decision:   MarkdownToHTML(s.DecisionText(), inline),
			Factors:    MarkdownToHTML(s.ContextualFactors, inline),
			Confidence: formatConfidence(s.Confidence),
			Attempts:   s.Attempts,
		}
		for _, m := range msgs {
			v.Messages = append(v.Messages, messageView{Role: string(m.Role), Content: m.Content})
		}
		return v
	}

	var full, preview bytes.Buffer
	if err := r.full.Execute(&full, view(false)); err != nil {
		return Report{}, fmt.Errorf("render report: %w", err)
	}
	if err := r.preview.Execute(&preview, view(true)); err != nil {
		return Report{}, fmt.Errorf("render preview: %w", err)
	}
	return Report{
		Full:           full.String(),
		Preview:        preview.String(),
		HistoricalHTML: HistoricalHTML(s.SimilarDecisions),
		EvidenceHTML:   EvidenceHTML(s.ContextDocs, s.ContextChunks),
		Messages:       msgs,
	}, nil
}

// Write stores the full report as <dir>/<session_id>.html and returns the path
func (r *Renderer) Write(sessionID, doc string) (string, error) {
	path, err := r.Path(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	r.logger.Debug("Report written", zap.String("session_id", sessionID), zap.String("path", path))
	return path, nil
}

// Path returns where the report for sessionID lives
func (r *Renderer) Path(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || strings.Contains(sessionID, "..") {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(r.cfg.Dir, sessionID+".html"), nil
}

// CompressMessages returns the conversation view used in reports: logs
// longer than max keep the first message and the last max-1, followed by a
// note. The input slice is not modified.
func CompressMessages(msgs []state.Message, max int) []state.Message {
	if max <= 0 || len(msgs) <= max {
		return append([]state.Message(nil), msgs...)
	}
	out := make([]state.Message, 0, max+1)
	out = append(out, msgs[0])
	out = append(out, msgs[len(msgs)-(max-1):]...)
	out = append(out, state.Message{
		Role:    state.RoleAssistant,
		Content: fmt.Sprintf("[Compressed message history: kept %d of %d messages]", max, len(msgs)),
	})
	return out
}

func formatConfidence(c *float64) string {
	if c == nil || *c == 0 {
		return ""
	}
	return fmt.Sprintf("%.2f (scale: 0.0-1.0)", *c)
}
