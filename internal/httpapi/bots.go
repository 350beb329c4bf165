package httpapi

import (
	"net/http"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/botreg"
	"github.com/vaultstream/vaultstream/internal/store"
)

// BotsHandler manages bot accounts and chat synchronization.
type BotsHandler struct {
	registry *botreg.Registry
	bots     store.BotStore
	queue    store.QueueStore
	token    TokenFunc
}

func NewBotsHandler(registry *botreg.Registry, bots store.BotStore, queue store.QueueStore, token TokenFunc) *BotsHandler {
	return &BotsHandler{registry: registry, bots: bots, queue: queue, token: token}
}

func (h *BotsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/bots", authMiddleware(h.token, h.handleList))
	mux.HandleFunc("POST /api/v1/bots", authMiddleware(h.token, h.handleCreate))
	mux.HandleFunc("GET /api/v1/bots/{id}", authMiddleware(h.token, h.handleGet))
	mux.HandleFunc("PATCH /api/v1/bots/{id}", authMiddleware(h.token, h.handleUpdate))
	mux.HandleFunc("DELETE /api/v1/bots/{id}", authMiddleware(h.token, h.handleDelete))
	mux.HandleFunc("POST /api/v1/bots/{id}/activate", authMiddleware(h.token, h.handleActivate))
	mux.HandleFunc("POST /api/v1/bots/{id}/sync-chats", authMiddleware(h.token, h.handleSyncChats))
	mux.HandleFunc("GET /api/v1/bots/{id}/chats", authMiddleware(h.token, h.handleChats))
	mux.HandleFunc("GET /api/v1/bots/{id}/qr", authMiddleware(h.token, h.handleQR))
	mux.HandleFunc("PATCH /api/v1/bots/{id}/chats/{chatID}", authMiddleware(h.token, h.handleUpdateChat))
}

func (h *BotsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	bots, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bots": bots})
}

type botRequest struct {
	Platform      string `json:"platform"`
	Name          string `json:"name"`
	Enabled       *bool  `json:"enabled,omitempty"`
	BotToken      string `json:"bot_token,omitempty"`
	NapcatHTTPURL string `json:"napcat_http_url,omitempty"`
	NapcatWSURL   string `json:"napcat_ws_url,omitempty"`
}

func (h *BotsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req botRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	cfg := &store.BotConfig{
		Platform:      req.Platform,
		Name:          req.Name,
		Enabled:       true,
		BotToken:      req.BotToken,
		NapcatHTTPURL: req.NapcatHTTPURL,
		NapcatWSURL:   req.NapcatWSURL,
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if err := h.registry.Create(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (h *BotsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	bot, err := h.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindNotFound, err, "bot"))
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

func (h *BotsHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	bot, err := h.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindNotFound, err, "bot"))
		return
	}
	var req botRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name != "" {
		bot.Name = req.Name
	}
	if req.BotToken != "" {
		bot.BotToken = req.BotToken
	}
	if req.NapcatHTTPURL != "" {
		bot.NapcatHTTPURL = req.NapcatHTTPURL
	}
	if req.NapcatWSURL != "" {
		bot.NapcatWSURL = req.NapcatWSURL
	}
	if req.Enabled != nil {
		bot.Enabled = *req.Enabled
	}
	if err := h.registry.Update(r.Context(), bot); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

func (h *BotsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.registry.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *BotsHandler) handleActivate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.registry.Activate(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": id, "is_primary": true})
}

func (h *BotsHandler) handleSyncChats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.registry.SyncChats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *BotsHandler) handleChats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	chats, err := h.registry.Chats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chats": chats})
}

func (h *BotsHandler) handleQR(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	qr, err := h.registry.GetQR(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"qr": qr})
}

type chatPatch struct {
	Enabled    *bool   `json:"enabled,omitempty"`
	NSFWChatID *string `json:"nsfw_chat_id,omitempty"`
}

// handleUpdateChat toggles a chat's push eligibility or NSFW redirect.
// Disabling a chat cancels its queued deliveries.
func (h *BotsHandler) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "chatID")
	if err != nil {
		writeError(w, err)
		return
	}
	chat, err := h.bots.GetChat(r.Context(), chatID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindNotFound, err, "chat"))
		return
	}
	var patch chatPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}
	if patch.Enabled != nil {
		chat.Enabled = *patch.Enabled
	}
	if patch.NSFWChatID != nil {
		if *patch.NSFWChatID == "" {
			chat.NSFWChatID = nil
		} else {
			chat.NSFWChatID = patch.NSFWChatID
		}
	}
	if err := h.bots.UpdateChat(r.Context(), chat); err != nil {
		writeError(w, err)
		return
	}
	if patch.Enabled != nil && !*patch.Enabled {
		if _, err := h.queue.CancelForChat(r.Context(), chat.ID); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, chat)
}
