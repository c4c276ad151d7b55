// Package httpapi exposes the QA core over HTTP: JSON endpoints for
// search, ingestion, and entry management, plus a Server-Sent Events
// stream for answers.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/auth"
	"github.com/mnemo-ai/mnemo/internal/faults"
	"github.com/mnemo-ai/mnemo/internal/ingest"
	"github.com/mnemo-ai/mnemo/internal/kb"
	"github.com/mnemo-ai/mnemo/internal/qa"
	"github.com/mnemo-ai/mnemo/internal/retrieval"
)

// Core is the subset of the composition root the HTTP layer uses.
type Core interface {
	Resolve(ctx context.Context, apiKey string) (auth.Principal, error)
	Answer(ctx context.Context, p auth.Principal, question, sessionID string, topK int, groupFilter []string) (<-chan qa.Event, error)
	Search(ctx context.Context, p auth.Principal, query string, topK int, groupFilter []string) (retrieval.Result, error)
	SubmitIngestion(ctx context.Context, p auth.Principal, entry kb.KnowledgeEntry, text, source, contextPrefix string) (string, error)
	TaskStatus(taskID string, p auth.Principal) (ingest.Status, error)
	DeleteEntry(ctx context.Context, p auth.Principal, entryID string) error
	Reindex(ctx context.Context, p auth.Principal) error
	QueueDepth() int
}

// Handler routes API requests to the core.
type Handler struct {
	core   Core
	logger *zap.Logger
}

// New creates the handler set.
func New(core Core, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{core: core, logger: logger}
}

// RegisterRoutes mounts all endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/answer", h.handleAnswer)
	mux.HandleFunc("/v1/search", h.handleSearch)
	mux.HandleFunc("/v1/ingest", h.handleIngest)
	mux.HandleFunc("/v1/ingest/status", h.handleIngestStatus)
	mux.HandleFunc("/v1/entries", h.handleDeleteEntry)
	mux.HandleFunc("/v1/admin/reindex", h.handleReindex)
	mux.HandleFunc("/healthz", h.handleHealth)
}

func (h *Handler) principal(r *http.Request) (auth.Principal, error) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
			key = strings.TrimPrefix(bearer, "Bearer ")
		}
	}
	return h.core.Resolve(r.Context(), key)
}

type answerRequest struct {
	Question  string   `json:"question"`
	SessionID string   `json:"session_id,omitempty"`
	TopK      int      `json:"top_k,omitempty"`
	GroupIDs  []string `json:"group_ids,omitempty"`
}

// handleAnswer streams the answer as SSE: one sources event, chunk events
// while the model generates, a highlights event, then done or error.
func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	p, err := h.principal(r)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question required")
		return
	}

	events, err := h.core.Answer(r.Context(), p, req.Question, req.SessionID, req.TopK, req.GroupIDs)
	if err != nil {
		h.writeFault(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			// The chain observes the same ctx and stops generating.
			for range events {
			}
			return
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// sourceView is the wire form of a retrieved passage: a numbered reference
// with a short preview instead of the full text.
type sourceView struct {
	Index     int     `json:"index"`
	PassageID string  `json:"passage_id"`
	Source    string  `json:"source"`
	Score     float64 `json:"score"`
	Preview   string  `json:"preview"`
}

const previewRunes = 200

func sourceViews(hits []kb.Hit) []sourceView {
	out := make([]sourceView, len(hits))
	for i, h := range hits {
		preview := h.Passage.Text
		if runes := []rune(preview); len(runes) > previewRunes {
			preview = string(runes[:previewRunes]) + "…"
		}
		out[i] = sourceView{
			Index:     i + 1,
			PassageID: h.Passage.ID,
			Source:    h.Passage.Source,
			Score:     h.Score,
			Preview:   preview,
		}
	}
	return out
}

func writeSSE(w http.ResponseWriter, ev qa.Event) {
	var data []byte
	switch ev.Type {
	case qa.EventError:
		// Err does not serialize; send the taxonomy kind and message.
		data, _ = json.Marshal(map[string]string{
			"kind":  string(faults.KindOf(ev.Err)),
			"error": ev.Err.Error(),
		})
	case qa.EventSources:
		data, _ = json.Marshal(sourceViews(ev.Sources))
	default:
		var err error
		if data, err = json.Marshal(ev); err != nil {
			return
		}
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}

type searchRequest struct {
	Query    string   `json:"query"`
	TopK     int      `json:"top_k,omitempty"`
	GroupIDs []string `json:"group_ids,omitempty"`
}

type searchResponse struct {
	Hits     []kb.Hit `json:"hits"`
	Degraded []string `json:"degraded,omitempty"`
	Reranked bool     `json:"reranked"`
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	p, err := h.principal(r)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}
	result, err := h.core.Search(r.Context(), p, req.Query, req.TopK, req.GroupIDs)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{
		Hits:     result.Hits,
		Degraded: result.Degraded,
		Reranked: result.Reranked,
	})
}

type ingestRequest struct {
	Entry         kb.KnowledgeEntry `json:"entry"`
	Text          string            `json:"text"`
	Source        string            `json:"source"`
	ContextPrefix string            `json:"context_prefix,omitempty"`
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	p, err := h.principal(r)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Entry.ID == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "entry.entry_id and text required")
		return
	}
	taskID, err := h.core.SubmitIngestion(r.Context(), p, req.Entry, req.Text, req.Source, req.ContextPrefix)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (h *Handler) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	p, err := h.principal(r)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id required")
		return
	}
	st, err := h.core.TaskStatus(taskID, p)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "DELETE required")
		return
	}
	p, err := h.principal(r)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	entryID := r.URL.Query().Get("id")
	if entryID == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	if err := h.core.DeleteEntry(r.Context(), p, entryID); err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": entryID})
}

func (h *Handler) handleReindex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	p, err := h.principal(r)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	if err := h.core.Reindex(r.Context(), p); err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reindexed"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": h.core.QueueDepth(),
	})
}

// writeFault maps the error taxonomy to HTTP statuses.
func (h *Handler) writeFault(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	status := statusOf(kind)
	if status >= 500 {
		h.logger.Error("Request failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{
		"kind":  string(kind),
		"error": err.Error(),
	})
}

func statusOf(kind faults.Kind) int {
	switch kind {
	case faults.KindUnauthorized:
		return http.StatusUnauthorized
	case faults.KindForbidden:
		return http.StatusForbidden
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindQueueFull, faults.KindSessionBusy:
		return http.StatusTooManyRequests
	case faults.KindRetrievalUnavailable, faults.KindEmbeddingUnavailable, faults.KindLLMUnavailable:
		return http.StatusServiceUnavailable
	case faults.KindDimensionMismatch:
		return http.StatusConflict
	case faults.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
