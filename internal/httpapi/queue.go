package httpapi

import (
	"net/http"
	"time"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/distq"
	"github.com/vaultstream/vaultstream/internal/store"
)

// QueueHandler exposes the distribution queue operations.
type QueueHandler struct {
	distq *distq.Service
	token TokenFunc
}

func NewQueueHandler(dq *distq.Service, token TokenFunc) *QueueHandler {
	return &QueueHandler{distq: dq, token: token}
}

func (h *QueueHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/distribution-queue/stats", authMiddleware(h.token, h.handleStats))
	mux.HandleFunc("GET /api/v1/distribution-queue/items", authMiddleware(h.token, h.handleItems))
	mux.HandleFunc("POST /api/v1/distribution-queue/items/{id}/push-now", authMiddleware(h.token, h.handleItemPushNow))
	mux.HandleFunc("POST /api/v1/distribution-queue/items/{id}/retry", authMiddleware(h.token, h.handleItemRetry))
	mux.HandleFunc("POST /api/v1/distribution-queue/items/{id}/cancel", authMiddleware(h.token, h.handleItemCancel))
	mux.HandleFunc("POST /api/v1/distribution-queue/batch-retry", authMiddleware(h.token, h.handleBatchRetry))
	mux.HandleFunc("GET /api/v1/distribution-queue/content/{id}/status", authMiddleware(h.token, h.handleContentStatus))
	mux.HandleFunc("POST /api/v1/distribution-queue/content/{id}/reorder", authMiddleware(h.token, h.handleReorder))
	mux.HandleFunc("POST /api/v1/distribution-queue/content/{id}/push-now", authMiddleware(h.token, h.handleContentPushNow))
	mux.HandleFunc("POST /api/v1/distribution-queue/content/{id}/schedule", authMiddleware(h.token, h.handleSchedule))
	mux.HandleFunc("POST /api/v1/distribution-queue/content/batch-push-now", authMiddleware(h.token, h.handleBatchPushNow))
	mux.HandleFunc("POST /api/v1/distribution-queue/content/batch-reschedule", authMiddleware(h.token, h.handleBatchReschedule))
	mux.HandleFunc("POST /api/v1/distribution-queue/content/merge-group", authMiddleware(h.token, h.handleMergeGroup))
}

func (h *QueueHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.distq.Stats(r.Context(), queryInt64(r, "rule_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *QueueHandler) handleItems(w http.ResponseWriter, r *http.Request) {
	page, size := pagination(r)
	q := r.URL.Query()
	f := store.QueueFilter{
		Page:      page,
		Size:      size,
		RuleID:    queryInt64(r, "rule_id"),
		ContentID: queryInt64(r, "content_id"),
		BotChatID: queryInt64(r, "bot_chat_id"),
		Status:    q.Get("status"),
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = &t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = &t
		}
	}
	items, total, err := h.distq.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items, "total": total, "page": page, "size": size,
	})
}

func (h *QueueHandler) handleItemPushNow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.distq.PushNow(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item_id": id, "action": "push_now"})
}

func (h *QueueHandler) handleItemRetry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.distq.Retry(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item_id": id, "action": "retry"})
}

func (h *QueueHandler) handleItemCancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.distq.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item_id": id, "action": "cancel"})
}

type batchItemsRequest struct {
	ItemIDs []int64 `json:"item_ids"`
}

func (h *QueueHandler) handleBatchRetry(w http.ResponseWriter, r *http.Request) {
	var req batchItemsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.ItemIDs) == 0 {
		writeError(w, apperr.New(apperr.KindValidation, "item_ids is required"))
		return
	}
	n, err := h.distq.BatchRetry(r.Context(), req.ItemIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retried": n})
}

func (h *QueueHandler) handleContentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := h.distq.ItemsForContent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"content_id": id, "items": items})
}

type reorderRequest struct {
	Index int `json:"index"`
}

func (h *QueueHandler) handleReorder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req reorderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.distq.Reorder(r.Context(), id, req.Index); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content_id": id, "index": req.Index})
}

func (h *QueueHandler) handleContentPushNow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := h.distq.PushNowContent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content_id": id, "items": n})
}

type scheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (h *QueueHandler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req scheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ScheduledAt.IsZero() {
		writeError(w, apperr.New(apperr.KindValidation, "scheduled_at is required"))
		return
	}
	n, err := h.distq.Schedule(r.Context(), id, req.ScheduledAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content_id": id, "items": n})
}

type batchContentsRequest struct {
	ContentIDs  []int64    `json:"content_ids"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

func (h *QueueHandler) handleBatchPushNow(w http.ResponseWriter, r *http.Request) {
	var req batchContentsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.ContentIDs) == 0 {
		writeError(w, apperr.New(apperr.KindValidation, "content_ids is required"))
		return
	}
	var total int64
	for _, id := range req.ContentIDs {
		n, err := h.distq.PushNowContent(r.Context(), id)
		if err != nil {
			continue
		}
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": total})
}

func (h *QueueHandler) handleBatchReschedule(w http.ResponseWriter, r *http.Request) {
	var req batchContentsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.ContentIDs) == 0 || req.ScheduledAt == nil {
		writeError(w, apperr.New(apperr.KindValidation, "content_ids and scheduled_at are required"))
		return
	}
	var total int64
	for _, id := range req.ContentIDs {
		n, err := h.distq.Schedule(r.Context(), id, *req.ScheduledAt)
		if err != nil {
			continue
		}
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": total})
}

func (h *QueueHandler) handleMergeGroup(w http.ResponseWriter, r *http.Request) {
	var req batchContentsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	aligned, err := h.distq.MergeGroup(r.Context(), req.ContentIDs, req.ScheduledAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content_ids": req.ContentIDs, "scheduled_at": aligned,
	})
}
