// Package onebot implements the push transport for QQ bots through a
// OneBot 11 bridge (NapCat). Actions go over the bridge's HTTP endpoint;
// the websocket event stream is only used to observe connectivity.
package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/transport"
)

// Chat id prefix for private chats. Unprefixed numeric ids are groups.
const privatePrefix = "private:"

// Service talks to one OneBot bridge.
type Service struct {
	httpURL     string
	wsURL       string
	accessToken string
	client      *http.Client
}

func New(httpURL, wsURL, accessToken string) (*Service, error) {
	if httpURL == "" {
		return nil, apperr.New(apperr.KindValidation, "onebot http url required")
	}
	return &Service{
		httpURL:     strings.TrimRight(httpURL, "/"),
		wsURL:       wsURL,
		accessToken: accessToken,
		client:      &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (s *Service) Platform() string { return "qq" }

// apiResponse is the OneBot action envelope.
type apiResponse struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// call posts one action and decodes its data payload into out (may be nil).
func (s *Service) call(ctx context.Context, action string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "encode onebot params")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.httpURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "build onebot request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.accessToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, err, "onebot request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.New(apperr.KindAuth, "onebot rejected credentials for %s", action)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.New(apperr.KindTransient, "onebot %s returned %d", action, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return apperr.New(apperr.KindValidation, "onebot %s returned %d", action, resp.StatusCode)
	}

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return apperr.Wrap(apperr.KindTransient, err, "decode onebot response")
	}
	if env.Status == "failed" || env.Retcode != 0 {
		// Retcodes are bridge-specific; treat them as retryable unless the
		// bridge names an auth problem.
		if strings.Contains(strings.ToLower(env.Message), "token") {
			return apperr.New(apperr.KindAuth, "onebot %s failed: %s", action, env.Message)
		}
		return apperr.New(apperr.KindTransient, "onebot %s failed: retcode=%d %s", action, env.Retcode, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return apperr.Wrap(apperr.KindTransient, err, "decode "+action+" data")
		}
	}
	return nil
}

// segment is one OneBot message segment.
type segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func buildSegments(text string, mediaURLs []string) []segment {
	var segs []segment
	if text != "" {
		segs = append(segs, segment{Type: "text", Data: map[string]any{"text": text}})
	}
	for _, u := range mediaURLs {
		segs = append(segs, segment{Type: "image", Data: map[string]any{"file": u}})
	}
	return segs
}

func (s *Service) Send(ctx context.Context, msg *transport.Message) (*transport.SendResult, error) {
	segs := buildSegments(msg.Payload.Text, msg.Payload.MediaURLs)
	if len(segs) == 0 {
		return nil, apperr.New(apperr.KindValidation, "empty message")
	}

	var data struct {
		MessageID int64 `json:"message_id"`
	}
	if userID, ok := strings.CutPrefix(msg.ChatID, privatePrefix); ok {
		uid, err := strconv.ParseInt(userID, 10, 64)
		if err != nil {
			return nil, apperr.New(apperr.KindValidation, "invalid qq user id %q", userID)
		}
		if err := s.call(ctx, "send_private_msg", map[string]any{"user_id": uid, "message": segs}, &data); err != nil {
			return nil, err
		}
	} else {
		gid, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			return nil, apperr.New(apperr.KindValidation, "invalid qq group id %q", msg.ChatID)
		}
		if err := s.call(ctx, "send_group_msg", map[string]any{"group_id": gid, "message": segs}, &data); err != nil {
			return nil, err
		}
	}
	return &transport.SendResult{MessageID: strconv.FormatInt(data.MessageID, 10)}, nil
}

// SendForward delivers the batch as one native forward bundle, each message
// wrapped in a node segment.
func (s *Service) SendForward(ctx context.Context, chatID string, msgs []*transport.Message) (*transport.SendResult, error) {
	if len(msgs) == 0 {
		return nil, apperr.New(apperr.KindValidation, "empty forward batch")
	}
	if len(msgs) == 1 {
		return s.Send(ctx, msgs[0])
	}
	gid, err := strconv.ParseInt(strings.TrimPrefix(chatID, privatePrefix), 10, 64)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "invalid qq chat id %q", chatID)
	}

	self, _, err := s.BotIdentity(ctx)
	if err != nil {
		self = "0"
	}
	nodes := make([]segment, 0, len(msgs))
	for _, m := range msgs {
		nodes = append(nodes, segment{Type: "node", Data: map[string]any{
			"name":    "VaultStream",
			"uin":     self,
			"content": buildSegments(m.Payload.Text, m.Payload.MediaURLs),
		}})
	}

	var data struct {
		MessageID int64 `json:"message_id"`
	}
	action := "send_group_forward_msg"
	params := map[string]any{"group_id": gid, "messages": nodes}
	if strings.HasPrefix(chatID, privatePrefix) {
		action = "send_private_forward_msg"
		params = map[string]any{"user_id": gid, "messages": nodes}
	}
	if err := s.call(ctx, action, params, &data); err != nil {
		return nil, err
	}
	return &transport.SendResult{MessageID: strconv.FormatInt(data.MessageID, 10)}, nil
}

// ListChats enumerates joined groups plus friends as private chats.
func (s *Service) ListChats(ctx context.Context, _ []string) ([]transport.ChatInfo, error) {
	var groups []struct {
		GroupID   int64  `json:"group_id"`
		GroupName string `json:"group_name"`
	}
	if err := s.call(ctx, "get_group_list", map[string]any{}, &groups); err != nil {
		return nil, err
	}
	out := make([]transport.ChatInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, transport.ChatInfo{
			ChatID:   strconv.FormatInt(g.GroupID, 10),
			ChatType: "group",
			Title:    g.GroupName,
			CanPost:  true,
		})
	}

	var friends []struct {
		UserID   int64  `json:"user_id"`
		Nickname string `json:"nickname"`
	}
	if err := s.call(ctx, "get_friend_list", map[string]any{}, &friends); err == nil {
		for _, f := range friends {
			out = append(out, transport.ChatInfo{
				ChatID:   privatePrefix + strconv.FormatInt(f.UserID, 10),
				ChatType: "private",
				Title:    f.Nickname,
				CanPost:  true,
			})
		}
	}
	return out, nil
}

func (s *Service) BotIdentity(ctx context.Context) (string, string, error) {
	var data struct {
		UserID   int64  `json:"user_id"`
		Nickname string `json:"nickname"`
	}
	if err := s.call(ctx, "get_login_info", map[string]any{}, &data); err != nil {
		return "", "", err
	}
	return strconv.FormatInt(data.UserID, 10), data.Nickname, nil
}

// QRLogin asks the bridge for a login QR code image (NapCat extension).
// Returns the base64 image payload.
func (s *Service) QRLogin(ctx context.Context) (string, error) {
	var data struct {
		QRCode string `json:"qrcode"`
		Base64 string `json:"base64"`
	}
	if err := s.call(ctx, "get_qr", map[string]any{}, &data); err != nil {
		return "", err
	}
	if data.Base64 != "" {
		return data.Base64, nil
	}
	return data.QRCode, nil
}

// Ping verifies the event stream is reachable. A failed dial is transient:
// the bridge may still accept HTTP actions.
func (s *Service) Ping(ctx context.Context) error {
	if s.wsURL == "" {
		return nil
	}
	header := http.Header{}
	if s.accessToken != "" {
		header.Set("Authorization", "Bearer "+s.accessToken)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, header)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, err, fmt.Sprintf("dial onebot ws %s", s.wsURL))
	}
	return conn.Close()
}

var _ transport.Service = (*Service)(nil)
