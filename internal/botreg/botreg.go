// Package botreg manages bot accounts: registration, the single-primary
// invariant per platform, chat synchronization, and handing out live
// transport services to the push worker.
package botreg

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/bus"
	"github.com/vaultstream/vaultstream/internal/settings"
	"github.com/vaultstream/vaultstream/internal/store"
	"github.com/vaultstream/vaultstream/internal/transport"
	"github.com/vaultstream/vaultstream/internal/transport/onebot"
	"github.com/vaultstream/vaultstream/internal/transport/telegram"
)

// progressEvery is how many chats pass between bot_sync_progress events.
const progressEvery = 20

// TransportFactory builds a platform service from a bot's credentials.
// Overridable in tests.
type TransportFactory func(cfg *store.BotConfig, proxyURL string) (transport.Service, error)

// DefaultFactory wires the real platform clients.
func DefaultFactory(cfg *store.BotConfig, proxyURL string) (transport.Service, error) {
	switch cfg.Platform {
	case store.PlatformTelegram:
		return telegram.New(cfg.BotToken, proxyURL)
	case store.PlatformQQ:
		return onebot.New(cfg.NapcatHTTPURL, cfg.NapcatWSURL, cfg.BotToken)
	default:
		return nil, apperr.New(apperr.KindValidation, "unsupported platform %q", cfg.Platform)
	}
}

// Registry is the bot management service.
type Registry struct {
	bots     store.BotStore
	settings *settings.Service
	bus      *bus.Bus
	factory  TransportFactory

	mu      sync.Mutex
	cache   map[int64]transport.Service
	syncing map[int64]bool
}

func New(bots store.BotStore, st *settings.Service, b *bus.Bus, factory TransportFactory) *Registry {
	if factory == nil {
		factory = DefaultFactory
	}
	return &Registry{
		bots:     bots,
		settings: st,
		bus:      b,
		factory:  factory,
		cache:    make(map[int64]transport.Service),
		syncing:  make(map[int64]bool),
	}
}

func (r *Registry) List(ctx context.Context) ([]store.BotConfig, error) {
	return r.bots.ListBots(ctx)
}

func (r *Registry) Get(ctx context.Context, id int64) (*store.BotConfig, error) {
	return r.bots.GetBot(ctx, id)
}

// Create registers a bot and probes its identity when credentials allow.
func (r *Registry) Create(ctx context.Context, cfg *store.BotConfig) error {
	if cfg.Platform != store.PlatformTelegram && cfg.Platform != store.PlatformQQ {
		return apperr.New(apperr.KindValidation, "unsupported platform %q", cfg.Platform)
	}
	if cfg.Platform == store.PlatformTelegram && cfg.BotToken == "" {
		return apperr.New(apperr.KindValidation, "telegram bot requires a token")
	}
	if cfg.Platform == store.PlatformQQ && cfg.NapcatHTTPURL == "" {
		return apperr.New(apperr.KindValidation, "qq bot requires a napcat http url")
	}

	if svc, err := r.factory(cfg, r.proxy(ctx)); err == nil {
		if id, username, err := svc.BotIdentity(ctx); err == nil {
			cfg.BotID = id
			cfg.BotUsername = username
		} else {
			slog.Warn("bot identity probe failed", "platform", cfg.Platform, "error", err)
		}
	}

	if err := r.bots.CreateBot(ctx, cfg); err != nil {
		return err
	}
	r.bus.Publish(ctx, bus.EventBotStatusChanged, map[string]any{
		"bot_id": cfg.ID, "platform": cfg.Platform, "action": "created",
	})
	return nil
}

func (r *Registry) Update(ctx context.Context, cfg *store.BotConfig) error {
	if err := r.bots.UpdateBot(ctx, cfg); err != nil {
		return err
	}
	r.invalidate(cfg.ID)
	r.bus.Publish(ctx, bus.EventBotStatusChanged, map[string]any{
		"bot_id": cfg.ID, "platform": cfg.Platform, "action": "updated", "enabled": cfg.Enabled,
	})
	return nil
}

func (r *Registry) Delete(ctx context.Context, id int64) error {
	if err := r.bots.DeleteBot(ctx, id); err != nil {
		return err
	}
	r.invalidate(id)
	r.bus.Publish(ctx, bus.EventBotStatusChanged, map[string]any{"bot_id": id, "action": "deleted"})
	return nil
}

// Activate makes the bot the primary for its platform.
func (r *Registry) Activate(ctx context.Context, id int64) error {
	if err := r.bots.Activate(ctx, id); err != nil {
		return err
	}
	cfg, err := r.bots.GetBot(ctx, id)
	if err != nil {
		return err
	}
	r.bus.Publish(ctx, bus.EventBotStatusChanged, map[string]any{
		"bot_id": id, "platform": cfg.Platform, "action": "activated",
	})
	return nil
}

func (r *Registry) Chats(ctx context.Context, botID int64) ([]store.BotChat, error) {
	return r.bots.ListChats(ctx, botID)
}

// ServiceFor returns a cached transport for the bot, building one on first
// use.
func (r *Registry) ServiceFor(ctx context.Context, botID int64) (transport.Service, error) {
	r.mu.Lock()
	if svc, ok := r.cache[botID]; ok {
		r.mu.Unlock()
		return svc, nil
	}
	r.mu.Unlock()

	cfg, err := r.bots.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, apperr.New(apperr.KindValidation, "bot %d is disabled", botID)
	}
	svc, err := r.factory(cfg, r.proxy(ctx))
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[botID] = svc
	r.mu.Unlock()
	return svc, nil
}

// ServiceForChat resolves the chat row and the transport that can reach it.
func (r *Registry) ServiceForChat(ctx context.Context, chatRowID int64) (*store.BotChat, transport.Service, error) {
	chat, err := r.bots.GetChat(ctx, chatRowID)
	if err != nil {
		return nil, nil, err
	}
	svc, err := r.ServiceFor(ctx, chat.BotConfigID)
	if err != nil {
		return nil, nil, err
	}
	return chat, svc, nil
}

// SyncChats refreshes the bot's chat list from the platform. Concurrent
// syncs of the same bot coalesce into one.
func (r *Registry) SyncChats(ctx context.Context, botID int64) (*store.ChatSyncResult, error) {
	r.mu.Lock()
	if r.syncing[botID] {
		r.mu.Unlock()
		return nil, apperr.New(apperr.KindConflict, "sync already running for bot %d", botID)
	}
	r.syncing[botID] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.syncing, botID)
		r.mu.Unlock()
	}()

	svc, err := r.ServiceFor(ctx, botID)
	if err != nil {
		return nil, err
	}
	existing, err := r.bots.ListChats(ctx, botID)
	if err != nil {
		return nil, err
	}
	known := make([]string, 0, len(existing))
	for _, c := range existing {
		known = append(known, c.ChatID)
	}

	infos, err := svc.ListChats(ctx, known)
	if err != nil {
		return nil, err
	}

	res := &store.ChatSyncResult{Total: len(infos)}
	for i, info := range infos {
		chat := &store.BotChat{
			BotConfigID:  botID,
			ChatID:       info.ChatID,
			ChatType:     info.ChatType,
			Title:        info.Title,
			Username:     info.Username,
			IsAccessible: true,
			CanPost:      info.CanPost,
		}
		created, err := r.bots.UpsertChat(ctx, chat)
		switch {
		case err != nil:
			res.Failed++
			slog.Warn("chat upsert failed", "bot_id", botID, "chat_id", info.ChatID, "error", err)
		case created:
			res.Created++
		default:
			res.Updated++
		}
		if (i+1)%progressEvery == 0 {
			r.bus.Publish(ctx, bus.EventBotSyncProgress, map[string]any{
				"bot_id": botID, "processed": i + 1, "total": res.Total,
				"updated": res.Updated, "created": res.Created, "failed": res.Failed,
			})
		}
	}

	r.bus.Publish(ctx, bus.EventBotSyncCompleted, map[string]any{
		"bot_id": botID, "updated": res.Updated, "created": res.Created,
		"failed": res.Failed, "total": res.Total,
	})
	slog.Info("chat sync completed", "bot_id", botID,
		"updated", res.Updated, "created", res.Created, "failed", res.Failed, "total", res.Total)
	return res, nil
}

// SyncAll syncs every enabled bot. Used by the cron schedule.
func (r *Registry) SyncAll(ctx context.Context) {
	bots, err := r.bots.ListBots(ctx)
	if err != nil {
		slog.Error("bot list for sync failed", "error", err)
		return
	}
	for _, b := range bots {
		if !b.Enabled {
			continue
		}
		if _, err := r.SyncChats(ctx, b.ID); err != nil {
			slog.Warn("scheduled chat sync failed", "bot_id", b.ID, "error", err)
		}
	}
}

// GetQR returns a login QR code for QQ bots whose bridge supports it.
func (r *Registry) GetQR(ctx context.Context, botID int64) (string, error) {
	cfg, err := r.bots.GetBot(ctx, botID)
	if err != nil {
		return "", err
	}
	if cfg.Platform != store.PlatformQQ {
		return "", apperr.New(apperr.KindValidation, "qr login is only available for qq bots")
	}
	svc, err := r.ServiceFor(ctx, botID)
	if err != nil {
		return "", err
	}
	qr, ok := svc.(interface {
		QRLogin(ctx context.Context) (string, error)
	})
	if !ok {
		return "", apperr.New(apperr.KindValidation, "bridge does not support qr login")
	}
	return qr.QRLogin(ctx)
}

func (r *Registry) invalidate(botID int64) {
	r.mu.Lock()
	delete(r.cache, botID)
	r.mu.Unlock()
}

func (r *Registry) proxy(ctx context.Context) string {
	if r.settings == nil {
		return ""
	}
	return r.settings.Get(ctx, settings.KeyHTTPProxy)
}
