package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aql-agent/aql/internal/message"
)

// fakeSlack serves the Web API methods the channel uses plus a
// socket-mode endpoint that replays a fixed list of envelopes.
type fakeSlack struct {
	t         *testing.T
	srv       *httptest.Server
	envelopes []map[string]any

	mu     sync.Mutex
	posts  []map[string]any
	acks   []string
	tokens map[string]string // method -> bearer token seen
	posted chan struct{}
}

func newFakeSlack(t *testing.T, envelopes ...map[string]any) *fakeSlack {
	f := &fakeSlack{
		t:         t,
		envelopes: envelopes,
		tokens:    map[string]string{},
		posted:    make(chan struct{}, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth.test", func(w http.ResponseWriter, r *http.Request) {
		f.seen("auth.test", r)
		w.Write([]byte(`{"ok":true,"user_id":"UBOT"}`))
	})
	mux.HandleFunc("/api/apps.connections.open", func(w http.ResponseWriter, r *http.Request) {
		f.seen("apps.connections.open", r)
		url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/socket"
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "url": url})
	})
	mux.HandleFunc("/api/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		f.seen("chat.postMessage", r)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.posts = append(f.posts, body)
		f.mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
		f.posted <- struct{}{}
	})
	mux.HandleFunc("/socket", f.socket)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSlack) seen(method string, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[method] = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (f *fakeSlack) socket(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	conn.WriteJSON(map[string]any{"type": "hello"})
	for _, env := range f.envelopes {
		if err := conn.WriteJSON(env); err != nil {
			return
		}
	}
	for {
		var ack map[string]string
		if err := conn.ReadJSON(&ack); err != nil {
			return
		}
		f.mu.Lock()
		f.acks = append(f.acks, ack["envelope_id"])
		f.mu.Unlock()
	}
}

func eventEnvelope(id string, ev map[string]any) map[string]any {
	return map[string]any{
		"envelope_id": id,
		"type":        "events_api",
		"payload":     map[string]any{"event": ev},
	}
}

func TestSlack_DMAndMention(t *testing.T) {
	f := newFakeSlack(t,
		eventEnvelope("e1", map[string]any{
			"type": "message", "channel_type": "im", "user": "U1",
			"text": "hello bot", "channel": "D1", "ts": "1.1",
		}),
		eventEnvelope("e2", map[string]any{
			"type": "message", "channel_type": "im", "bot_id": "B1",
			"text": "from a bot", "channel": "D1", "ts": "1.2",
		}),
		eventEnvelope("e3", map[string]any{
			"type": "message", "channel_type": "channel", "user": "U2",
			"text": "chatter", "channel": "C1", "ts": "1.3",
		}),
		eventEnvelope("e4", map[string]any{
			"type": "app_mention", "channel_type": "channel", "user": "U2",
			"text": "<@UBOT> **status** please", "channel": "C1", "ts": "1.4",
		}),
	)

	s := NewSlack(SlackConfig{
		BotToken: "xoxb-test",
		AppToken: "xapp-test",
		APIURL:   f.srv.URL + "/api",
		Logger:   quietLogger(),
	})

	var mu sync.Mutex
	var got []message.Message
	h := func(_ context.Context, m message.Message) string {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		return "**ok** " + m.Body
	}

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background(), h) }()

	for range 2 {
		select {
		case <-f.posted:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for replies")
		}
	}

	s.Stop(context.Background())
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	mu.Lock()
	defer mu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(got) != 2 {
		t.Fatalf("handled %d messages, want 2: %+v", len(got), got)
	}
	byKey := map[string]message.Message{}
	for _, m := range got {
		byKey[m.ConversationKey()] = m
	}
	dm, ok := byKey["slack:U1"]
	if !ok || dm.ChatType != message.DM || dm.Body != "hello bot" {
		t.Errorf("dm = %+v", dm)
	}
	mention, ok := byKey["slack:C1"]
	if !ok || mention.ChatType != message.Group || mention.Body != "**status** please" {
		t.Errorf("mention = %+v", mention)
	}

	posts := map[string]map[string]any{}
	for _, p := range f.posts {
		posts[p["channel"].(string)] = p
	}
	if p := posts["D1"]; p == nil || p["thread_ts"] != nil || p["text"] != "*ok* hello bot" {
		t.Errorf("dm reply = %v", p)
	}
	if p := posts["C1"]; p == nil || p["thread_ts"] != "1.4" {
		t.Errorf("mention reply = %v, want threaded on 1.4", p)
	}

	if f.tokens["auth.test"] != "xoxb-test" || f.tokens["apps.connections.open"] != "xapp-test" {
		t.Errorf("tokens = %v", f.tokens)
	}
	if len(f.acks) < 2 {
		t.Errorf("acks = %v, want every envelope acknowledged", f.acks)
	}
}

func TestSlack_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":"invalid_auth"}`))
	}))
	defer srv.Close()

	s := NewSlack(SlackConfig{BotToken: "bad", AppToken: "bad", APIURL: srv.URL, Logger: quietLogger()})
	err := s.Start(context.Background(), func(context.Context, message.Message) string { return "" })
	if err == nil || !strings.Contains(err.Error(), "invalid_auth") {
		t.Errorf("Start = %v, want invalid_auth", err)
	}
}

func TestSlack_ToMessageThreadedMention(t *testing.T) {
	s := NewSlack(SlackConfig{Logger: quietLogger()})
	s.botUserID = "UBOT"

	tests := []struct {
		name string
		ev   slackEvent
		ok   bool
	}{
		{"self", slackEvent{Type: "message", ChannelType: "im", User: "UBOT", Text: "hi"}, false},
		{"edit", slackEvent{Type: "message", ChannelType: "im", User: "U1", Subtype: "message_changed", Text: "hi"}, false},
		{"only mention", slackEvent{Type: "app_mention", User: "U1", Channel: "C1", Text: "<@UBOT>  "}, false},
		{"group dm", slackEvent{Type: "message", ChannelType: "mpim", User: "U1", Channel: "G1", Text: "hi"}, true},
		{"unknown type", slackEvent{Type: "reaction_added", User: "U1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := s.toMessage(tt.ev); ok != tt.ok {
				t.Errorf("toMessage ok = %v, want %v", ok, tt.ok)
			}
		})
	}
}
