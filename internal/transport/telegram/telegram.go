// Package telegram implements the push transport on the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/render"
	"github.com/vaultstream/vaultstream/internal/transport"
)

// Telegram caps bots at ~30 messages/second across all chats.
const globalRate = 30

// Service sends through one bot account.
type Service struct {
	bot     *telego.Bot
	limiter *rate.Limiter
}

// New creates the service. proxyURL may be empty.
func New(token, proxyURL string) (*Service, error) {
	var opts []telego.BotOption
	if proxyURL != "" {
		proxy, err := url.Parse(proxyURL)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, "parse proxy url")
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxy)},
			Timeout:   60 * time.Second,
		}))
	}
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuth, err, "create telegram bot")
	}
	return &Service{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(globalRate), globalRate),
	}, nil
}

func (s *Service) Platform() string { return "telegram" }

func (s *Service) Send(ctx context.Context, msg *transport.Message) (*transport.SendResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err, "rate limiter")
	}
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return nil, err
	}

	media := msg.Payload.MediaURLs
	text := msg.Payload.Text
	switch {
	case len(media) == 0:
		sent, err := s.bot.SendMessage(ctx, tu.Message(chatID, text))
		if err != nil {
			return nil, classify(err)
		}
		return &transport.SendResult{MessageID: strconv.Itoa(sent.MessageID)}, nil
	case len(media) == 1:
		params := tu.Photo(chatID, tu.FileFromURL(media[0])).WithCaption(text)
		sent, err := s.bot.SendPhoto(ctx, params)
		if err != nil {
			return nil, classify(err)
		}
		return &transport.SendResult{MessageID: strconv.Itoa(sent.MessageID)}, nil
	default:
		// Telegram caps albums at 10 photos; the first carries the caption.
		if len(media) > 10 {
			media = media[:10]
		}
		group := make([]telego.InputMedia, 0, len(media))
		for i, u := range media {
			photo := tu.MediaPhoto(tu.FileFromURL(u))
			if i == 0 {
				photo = photo.WithCaption(text)
			}
			group = append(group, photo)
		}
		sent, err := s.bot.SendMediaGroup(ctx, &telego.SendMediaGroupParams{ChatID: chatID, Media: group})
		if err != nil {
			return nil, classify(err)
		}
		if len(sent) == 0 {
			return nil, apperr.New(apperr.KindTransient, "media group send returned no messages")
		}
		return &transport.SendResult{MessageID: strconv.Itoa(sent[0].MessageID)}, nil
	}
}

// SendForward has no native merge on Telegram; the batch collapses into
// one combined text plus the union of media as an album.
func (s *Service) SendForward(ctx context.Context, chatID string, msgs []*transport.Message) (*transport.SendResult, error) {
	if len(msgs) == 0 {
		return nil, apperr.New(apperr.KindValidation, "empty forward batch")
	}
	if len(msgs) == 1 {
		return s.Send(ctx, msgs[0])
	}
	var texts []string
	var media []string
	for _, m := range msgs {
		if m.Payload.Text != "" {
			texts = append(texts, m.Payload.Text)
		}
		media = append(media, m.Payload.MediaURLs...)
	}
	return s.Send(ctx, &transport.Message{
		ChatID: chatID,
		Payload: &render.Payload{
			Text:      strings.Join(texts, "\n\n"),
			MediaURLs: media,
		},
	})
}

func (s *Service) ListChats(ctx context.Context, known []string) ([]transport.ChatInfo, error) {
	// The Bot API cannot enumerate chats; verify the known set instead.
	var out []transport.ChatInfo
	for _, id := range known {
		chatID, err := parseChatID(id)
		if err != nil {
			continue
		}
		chat, err := s.bot.GetChat(ctx, &telego.GetChatParams{ChatID: chatID})
		if err != nil {
			out = append(out, transport.ChatInfo{ChatID: id, CanPost: false})
			continue
		}
		out = append(out, transport.ChatInfo{
			ChatID:   id,
			ChatType: chat.Type,
			Title:    chat.Title,
			Username: chat.Username,
			CanPost:  true,
		})
	}
	return out, nil
}

func (s *Service) BotIdentity(ctx context.Context) (string, string, error) {
	me, err := s.bot.GetMe(ctx)
	if err != nil {
		return "", "", classify(err)
	}
	return strconv.FormatInt(me.ID, 10), me.Username, nil
}

// classify maps Telegram API failures onto retry semantics: 429 and 5xx
// retry, 401/403 do not.
func classify(err error) error {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.ErrorCode == http.StatusTooManyRequests:
			return apperr.Wrap(apperr.KindTransient, err, "telegram rate limited")
		case apiErr.ErrorCode == http.StatusUnauthorized || apiErr.ErrorCode == http.StatusForbidden:
			return apperr.Wrap(apperr.KindAuth, err, "telegram rejected bot")
		case apiErr.ErrorCode == http.StatusBadRequest:
			return apperr.Wrap(apperr.KindValidation, err, "telegram rejected message")
		case apiErr.ErrorCode >= 500:
			return apperr.Wrap(apperr.KindTransient, err, "telegram server error")
		}
		return apperr.Wrap(apperr.KindFatal, err, "telegram api error")
	}
	return apperr.Wrap(apperr.KindTransient, err, "telegram request failed")
}

func parseChatID(s string) (telego.ChatID, error) {
	if strings.HasPrefix(s, "@") {
		return tu.Username(s), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return telego.ChatID{}, apperr.New(apperr.KindValidation, "invalid telegram chat id %q", s)
	}
	return tu.ID(n), nil
}

var _ transport.Service = (*Service)(nil)
