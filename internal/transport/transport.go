// Package transport defines the contract platform services implement and
// the error classification push retries depend on.
package transport

import (
	"context"

	"github.com/vaultstream/vaultstream/internal/render"
)

// Message is one outgoing push.
type Message struct {
	ChatID  string
	Payload *render.Payload
}

// SendResult is what a successful delivery returns.
type SendResult struct {
	MessageID string
}

// ChatInfo describes a chat a bot can reach, as reported by the platform.
type ChatInfo struct {
	ChatID   string
	ChatType string
	Title    string
	Username string
	CanPost  bool
}

// Service is one platform's delivery surface. Implementations tag errors
// with apperr kinds: 429/5xx/network as transient, permission denials as
// auth, so workers can classify retries without knowing the platform.
type Service interface {
	Platform() string
	Send(ctx context.Context, msg *Message) (*SendResult, error)
	// SendForward delivers several messages to one chat as a single
	// batched unit on platforms that support it; others concatenate.
	SendForward(ctx context.Context, chatID string, msgs []*Message) (*SendResult, error)
	// ListChats enumerates reachable chats for sync_chats. Platforms
	// without enumeration verify the known set instead.
	ListChats(ctx context.Context, known []string) ([]ChatInfo, error)
	// BotIdentity reports the bot account's platform id and username.
	BotIdentity(ctx context.Context) (id, username string, err error)
}
