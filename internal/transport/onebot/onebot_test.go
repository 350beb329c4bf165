package onebot

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/render"
	"github.com/vaultstream/vaultstream/internal/transport"
)

// bridge fakes a OneBot HTTP endpoint, recording the last action call.
type bridge struct {
	srv        *httptest.Server
	lastAction string
	lastAuth   string
	lastBody   map[string]any
	respond    func(action string, w http.ResponseWriter)
}

func newBridge(t *testing.T) *bridge {
	t.Helper()
	b := &bridge{}
	b.respond = func(_ string, w http.ResponseWriter) {
		io.WriteString(w, `{"status":"ok","retcode":0,"data":{"message_id":4242}}`)
	}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.lastAction = r.URL.Path[1:]
		b.lastAuth = r.Header.Get("Authorization")
		b.lastBody = map[string]any{}
		json.NewDecoder(r.Body).Decode(&b.lastBody)
		b.respond(b.lastAction, w)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *bridge) service(t *testing.T, token string) *Service {
	t.Helper()
	s, err := New(b.srv.URL, "", token)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	s.client = b.srv.Client()
	return s
}

func msg(chatID, text string, media ...string) *transport.Message {
	return &transport.Message{ChatID: chatID, Payload: &render.Payload{Text: text, MediaURLs: media}}
}

// TestSendRoutesByChatID verifies group ids hit send_group_msg and the
// private prefix switches to send_private_msg.
func TestSendRoutesByChatID(t *testing.T) {
	tests := []struct {
		name       string
		chatID     string
		wantAction string
		wantIDKey  string
		wantID     float64
	}{
		{"group", "12345", "send_group_msg", "group_id", 12345},
		{"private", "private:67890", "send_private_msg", "user_id", 67890},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBridge(t)
			s := b.service(t, "")

			res, err := s.Send(context.Background(), msg(tt.chatID, "hello"))
			if err != nil {
				t.Fatalf("send: %v", err)
			}
			if res.MessageID != "4242" {
				t.Errorf("message id = %q, want 4242", res.MessageID)
			}
			if b.lastAction != tt.wantAction {
				t.Errorf("action = %q, want %q", b.lastAction, tt.wantAction)
			}
			if got := b.lastBody[tt.wantIDKey]; got != tt.wantID {
				t.Errorf("%s = %v, want %v", tt.wantIDKey, got, tt.wantID)
			}
		})
	}
}

// TestSendValidation verifies empty payloads and unparseable ids never reach
// the bridge.
func TestSendValidation(t *testing.T) {
	b := newBridge(t)
	s := b.service(t, "")

	if _, err := s.Send(context.Background(), msg("123", "")); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("empty message kind = %v, want validation", apperr.KindOf(err))
	}
	if _, err := s.Send(context.Background(), msg("not-numeric", "hi")); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("bad group id kind = %v, want validation", apperr.KindOf(err))
	}
	if b.lastAction != "" {
		t.Errorf("bridge was called with %q, want no call", b.lastAction)
	}
}

// TestCallErrorClassification verifies HTTP and retcode failures map onto
// the kinds the push retry loop keys off.
func TestCallErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		respond func(string, http.ResponseWriter)
		want    apperr.Kind
	}{
		{
			"http 401 is auth",
			func(_ string, w http.ResponseWriter) { w.WriteHeader(http.StatusUnauthorized) },
			apperr.KindAuth,
		},
		{
			"http 500 is transient",
			func(_ string, w http.ResponseWriter) { w.WriteHeader(http.StatusInternalServerError) },
			apperr.KindTransient,
		},
		{
			"http 429 is transient",
			func(_ string, w http.ResponseWriter) { w.WriteHeader(http.StatusTooManyRequests) },
			apperr.KindTransient,
		},
		{
			"retcode failure is transient",
			func(_ string, w http.ResponseWriter) {
				io.WriteString(w, `{"status":"failed","retcode":100,"message":"group not found"}`)
			},
			apperr.KindTransient,
		},
		{
			"retcode naming token is auth",
			func(_ string, w http.ResponseWriter) {
				io.WriteString(w, `{"status":"failed","retcode":1403,"message":"access token invalid"}`)
			},
			apperr.KindAuth,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBridge(t)
			b.respond = tt.respond
			s := b.service(t, "")

			_, err := s.Send(context.Background(), msg("123", "hi"))
			if apperr.KindOf(err) != tt.want {
				t.Errorf("kind = %v (%v), want %v", apperr.KindOf(err), err, tt.want)
			}
		})
	}
}

// TestCallSendsBearerToken verifies the configured access token rides every
// action.
func TestCallSendsBearerToken(t *testing.T) {
	b := newBridge(t)
	s := b.service(t, "sekrit")

	if _, err := s.Send(context.Background(), msg("123", "hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if b.lastAuth != "Bearer sekrit" {
		t.Errorf("authorization = %q, want Bearer sekrit", b.lastAuth)
	}
}

// TestSendForwardWrapsNodes verifies a multi-message batch goes out as one
// forward action with node segments, and a single message degrades to a
// plain send.
func TestSendForwardWrapsNodes(t *testing.T) {
	b := newBridge(t)
	b.respond = func(action string, w http.ResponseWriter) {
		if action == "get_login_info" {
			io.WriteString(w, `{"status":"ok","retcode":0,"data":{"user_id":111,"nickname":"vs"}}`)
			return
		}
		io.WriteString(w, `{"status":"ok","retcode":0,"data":{"message_id":77}}`)
	}
	s := b.service(t, "")

	msgs := []*transport.Message{msg("123", "one"), msg("123", "two")}
	res, err := s.SendForward(context.Background(), "123", msgs)
	if err != nil {
		t.Fatalf("send forward: %v", err)
	}
	if res.MessageID != "77" {
		t.Errorf("message id = %q, want 77", res.MessageID)
	}
	if b.lastAction != "send_group_forward_msg" {
		t.Errorf("action = %q, want send_group_forward_msg", b.lastAction)
	}
	nodes, ok := b.lastBody["messages"].([]any)
	if !ok || len(nodes) != 2 {
		t.Fatalf("messages = %v, want 2 nodes", b.lastBody["messages"])
	}
	node := nodes[0].(map[string]any)
	if node["type"] != "node" {
		t.Errorf("segment type = %v, want node", node["type"])
	}

	if _, err := s.SendForward(context.Background(), "123", msgs[:1]); err != nil {
		t.Fatalf("single forward: %v", err)
	}
	if b.lastAction != "send_group_msg" {
		t.Errorf("single-message forward used %q, want send_group_msg", b.lastAction)
	}
}

// TestListChats verifies groups and friends merge with the private prefix.
func TestListChats(t *testing.T) {
	b := newBridge(t)
	b.respond = func(action string, w http.ResponseWriter) {
		switch action {
		case "get_group_list":
			io.WriteString(w, `{"status":"ok","retcode":0,"data":[{"group_id":100,"group_name":"archive"}]}`)
		case "get_friend_list":
			io.WriteString(w, `{"status":"ok","retcode":0,"data":[{"user_id":200,"nickname":"alice"}]}`)
		}
	}
	s := b.service(t, "")

	chats, err := s.ListChats(context.Background(), nil)
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("chats = %d, want group plus friend", len(chats))
	}
	if chats[0].ChatID != "100" || chats[0].ChatType != "group" || chats[0].Title != "archive" {
		t.Errorf("group chat = %+v", chats[0])
	}
	if chats[1].ChatID != "private:200" || chats[1].ChatType != "private" {
		t.Errorf("friend chat = %+v", chats[1])
	}
}

// TestBuildSegments verifies text and media ordering.
func TestBuildSegments(t *testing.T) {
	segs := buildSegments("caption", []string{"http://m/1.jpg", "http://m/2.jpg"})
	if len(segs) != 3 {
		t.Fatalf("segments = %d, want 3", len(segs))
	}
	if segs[0].Type != "text" || segs[0].Data["text"] != "caption" {
		t.Errorf("first segment = %+v, want text caption", segs[0])
	}
	if segs[1].Type != "image" || segs[1].Data["file"] != "http://m/1.jpg" {
		t.Errorf("second segment = %+v, want first image", segs[1])
	}

	if got := buildSegments("", nil); got != nil {
		t.Errorf("empty input segments = %v, want none", got)
	}
}
