package httpapi

import (
	"errors"
	"io/fs"
	"net/http"
	"os"

	"github.com/decisionflow/engine/internal/report"
)

// ReportHandler serves rendered session reports
type ReportHandler struct {
	renderer *report.Renderer
}

// NewReportHandler creates the handler
func NewReportHandler(renderer *report.Renderer) *ReportHandler {
	return &ReportHandler{renderer: renderer}
}

// RegisterRoutes registers GET /v1/reports/{session_id}
func (h *ReportHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/reports/{session_id}", h.handleReport)
}

func (h *ReportHandler) handleReport(w http.ResponseWriter, r *http.Request) {
	path, err := h.renderer.Path(r.PathValue("session_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open report")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open report")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
