package httpapi

import (
	"net/http"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/settings"
)

// SettingsHandler exposes the DB-backed settings with secret masking.
type SettingsHandler struct {
	settings *settings.Service
	token    TokenFunc
}

func NewSettingsHandler(st *settings.Service, token TokenFunc) *SettingsHandler {
	return &SettingsHandler{settings: st, token: token}
}

func (h *SettingsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/settings", authMiddleware(h.token, h.handleList))
	mux.HandleFunc("PUT /api/v1/settings/{key}", authMiddleware(h.token, h.handleSet))
	mux.HandleFunc("DELETE /api/v1/settings/{key}", authMiddleware(h.token, h.handleDelete))
}

func (h *SettingsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.settings.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"settings": entries})
}

type settingRequest struct {
	Value string `json:"value"`
}

func (h *SettingsHandler) handleSet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, apperr.New(apperr.KindValidation, "key is required"))
		return
	}
	var req settingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.settings.Set(r.Context(), key, req.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key})
}

func (h *SettingsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, apperr.New(apperr.KindValidation, "key is required"))
		return
	}
	if err := h.settings.Delete(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
