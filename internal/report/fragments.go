package report

import (
	"bytes"
	"html/template"

	"github.com/decisionflow/engine/internal/state"
)

const noHistoryHTML = `<p style='color: gray;'>No similar historical decisions found.</p>`

var historicalTmpl = template.Must(template.New("historical").Parse(
	`{{range .}}<div style="border:1px solid #e2e8f0; background-color:#f9fafb; padding:8px; margin-bottom:5px; border-radius:6px;">` +
		`<b>ID:</b> {{.ID}} &nbsp; <b>Similarity:</b> {{printf "%.2f" .Similarity}}<br>{{.Content}}</div>{{end}}`))

// HistoricalHTML renders one card per similar decision
func HistoricalHTML(similar []state.SimilarDecision) string {
	if len(similar) == 0 {
		return noHistoryHTML
	}
	var b bytes.Buffer
	if err := historicalTmpl.Execute(&b, similar); err != nil {
		return noHistoryHTML
	}
	return b.String()
}

const docPreviewLen = 500

type docView struct {
	Index     int
	Length    int
	Preview   string
	Truncated bool
}

type chunkView struct {
	state.ContextChunk
	Percent float64
	Color   string
}

var evidenceTmpl = template.Must(template.New("evidence").Parse(`<div style="font-family: monospace;">
{{- if .Docs}}<h3 style="font-weight: bold; margin-top: 0;">📂 Uploaded Context Documents</h3>
<p style="color: #9ca3af; margin-bottom: 15px;">Uploaded {{len .Docs}} document(s)</p>
{{- range .Docs}}<div style="border:1px solid #3498db; background-color:#eef6fc; padding:12px; margin-bottom:10px; border-radius:6px;">
<b style="color: #1e40af; font-weight: bold;">Document {{.Index}}</b> <span style="color: #4b5563;">({{.Length}} chars)</span><br>
<pre style="white-space: pre-wrap; margin-top: 8px; font-size: 0.9em; color: #1f2937;">{{.Preview}}</pre>
{{- if .Truncated}}<p style="color: #6b7280; font-style: italic;">... (truncated)</p>{{end}}</div>
{{- end}}<hr style="margin: 20px 0; border: 1px solid #e2e8f0;">
{{- end}}
{{- if .Chunks}}<h3 style="font-weight: bold;">📚 Retrieved Evidence</h3>
<p style="color: #9ca3af; margin-bottom: 15px;">These chunks were retrieved and used to ground the analysis:</p>
{{- range .Chunks}}<div style="border:1px solid #16a34a; background-color:#f0fdf4; padding:12px; margin-bottom:10px; border-radius:6px;">
<div style="display: flex; justify-content: space-between; margin-bottom: 8px;"><b style="color: #15803d; font-weight: bold;">Chunk {{.Index}}</b>
<span style="background: {{.Color}}; color: white; padding: 2px 8px; border-radius: 12px; font-size: 0.85em; font-weight: bold;">{{printf "%.0f" .Percent}}% relevant</span></div>
<div style="font-size: 0.85em; color: #4b5563; margin-bottom: 8px;"><b>Source:</b> {{.Source}} | <b>Chunk ID:</b> {{.ChunkID}}</div>
<pre style="white-space: pre-wrap; background: white; padding: 8px; border-radius: 4px; font-size: 0.9em; color: #1f2937;">{{.Content}}</pre></div>
{{- end}}
{{- else if not .Docs}}<p style="color: #9ca3af; font-style: italic;">No context documents uploaded. The analysis is based on general knowledge and historical decisions only.</p>
{{- end}}</div>`))

// EvidenceHTML renders uploaded documents and retrieved chunks
func EvidenceHTML(docs []string, chunks []state.ContextChunk) string {
	data := struct {
		Docs   []docView
		Chunks []chunkView
	}{}
	for i, d := range docs {
		v := docView{Index: i + 1, Length: len([]rune(d)), Preview: d}
		if r := []rune(d); len(r) > docPreviewLen {
			v.Preview = string(r[:docPreviewLen])
			v.Truncated = true
		}
		data.Docs = append(data.Docs, v)
	}
	for _, c := range chunks {
		pct := c.Similarity * 100
		color := "#ef4444"
		switch {
		case pct >= 70:
			color = "#16a34a"
		case pct >= 50:
			color = "#facc15"
		}
		data.Chunks = append(data.Chunks, chunkView{ContextChunk: c, Percent: pct, Color: color})
	}
	var b bytes.Buffer
	if err := evidenceTmpl.Execute(&b, data); err != nil {
		return ""
	}
	return b.String()
}
