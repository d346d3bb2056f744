package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	ragvault "github.com/RobThePCGuy/rag-vault-sub003"
)

type handler struct {
	engine *ragvault.Engine
	dev    bool
}

func newHandler(e *ragvault.Engine, dev bool) *handler {
	return &handler{engine: e, dev: dev}
}

// POST /query
func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query   string `json:"query"`
		Limit   int    `json:"limit,omitempty"`
		Explain bool   `json:"explain,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON", nil, false)
		return
	}

	results, err := h.engine.Query(r.Context(), req.Query, req.Limit, req.Explain)
	if err != nil {
		h.writeEngineError(w, err)
		slog.Error("query error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// POST /ingest/file
func (h *handler) handleIngestFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FilePath string            `json:"file_path"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON", nil, false)
		return
	}
	if req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "validation", "file_path is required", nil, false)
		return
	}

	summary, err := h.engine.IngestFile(r.Context(), req.FilePath, req.Metadata)
	if err != nil {
		h.writeEngineError(w, err)
		slog.Error("ingest error", "path", req.FilePath, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// POST /ingest/data
func (h *handler) handleIngestData(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content  string                `json:"content"`
		Metadata ragvault.DataMetadata `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON", nil, false)
		return
	}
	if req.Metadata.Source == "" {
		writeError(w, http.StatusBadRequest, "validation", "metadata.source is required", nil, false)
		return
	}

	summary, err := h.engine.IngestData(r.Context(), req.Content, req.Metadata)
	if err != nil {
		h.writeEngineError(w, err)
		slog.Error("ingest data error", "source", req.Metadata.Source, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// POST /delete
func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req ragvault.DeleteTarget
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON", nil, false)
		return
	}

	summary, err := h.engine.Delete(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, err)
		slog.Error("delete error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// POST /related
func (h *handler) handleRelated(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FilePath       string `json:"file_path"`
		ChunkIndex     int    `json:"chunk_index"`
		Limit          int    `json:"limit,omitempty"`
		ExcludeSameDoc bool   `json:"exclude_same_doc,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON", nil, false)
		return
	}
	if req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "validation", "file_path is required", nil, false)
		return
	}

	results, err := h.engine.Related(r.Context(), req.FilePath, req.ChunkIndex, req.Limit, req.ExcludeSameDoc)
	if err != nil {
		h.writeEngineError(w, err)
		slog.Error("related error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// GET /files
func (h *handler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.engine.ListFiles(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		slog.Error("list files error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// GET /status
func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Status(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		slog.Error("status error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type feedbackRequest struct {
	SourceQuery       string `json:"source_query"`
	TargetFilePath    string `json:"target_file_path"`
	TargetChunkIndex  int    `json:"target_chunk_index"`
	TargetFingerprint string `json:"target_fingerprint,omitempty"`
}

func decodeFeedback(w http.ResponseWriter, r *http.Request) (*feedbackRequest, bool) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON", nil, false)
		return nil, false
	}
	if req.SourceQuery == "" || req.TargetFilePath == "" {
		writeError(w, http.StatusBadRequest, "validation", "source_query and target_file_path are required", nil, false)
		return nil, false
	}
	return &req, true
}

// POST /feedback/pin
func (h *handler) handleFeedbackPin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFeedback(w, r)
	if !ok {
		return
	}
	h.engine.FeedbackPin(req.SourceQuery, req.TargetFilePath, req.TargetChunkIndex, req.TargetFingerprint)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// POST /feedback/dismiss
func (h *handler) handleFeedbackDismiss(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFeedback(w, r)
	if !ok {
		return
	}
	h.engine.FeedbackDismiss(req.SourceQuery, req.TargetFilePath, req.TargetChunkIndex, req.TargetFingerprint)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// GET /feedback/stats
func (h *handler) handleFeedbackStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.FeedbackStats())
}

// POST /db/swap
func (h *handler) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DBPath string `json:"db_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON", nil, false)
		return
	}
	if req.DBPath == "" {
		writeError(w, http.StatusBadRequest, "validation", "db_path is required", nil, false)
		return
	}

	if err := h.engine.SwapDatabase(r.Context(), req.DBPath); err != nil {
		h.writeEngineError(w, err)
		slog.Error("swap error", "db_path", req.DBPath, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"db_path":    req.DBPath,
		"swapped_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeEngineError maps an engine error kind onto an HTTP status.
func (h *handler) writeEngineError(w http.ResponseWriter, err error) {
	code := ragvault.Code(err)
	status := http.StatusInternalServerError
	switch code {
	case "validation":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "concurrency":
		status = http.StatusConflict
	case "parse":
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, code, http.StatusText(status), err, h.dev)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// writeError emits the error envelope. Details are included only in dev
// mode; production responses carry the code and a generic message.
func writeError(w http.ResponseWriter, status int, code, message string, err error, dev bool) {
	body := map[string]string{"code": code, "message": message}
	if dev && err != nil {
		body["detail"] = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": body})
}
