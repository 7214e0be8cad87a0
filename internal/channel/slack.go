package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aql-agent/aql/internal/config"
	"github.com/aql-agent/aql/internal/httpkit"
	"github.com/aql-agent/aql/internal/message"
)

// DefaultSlackAPIURL is the base of Slack's Web API.
const DefaultSlackAPIURL = "https://slack.com/api/"

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// errDisconnect means Slack asked us to reconnect.
var errDisconnect = errors.New("disconnect requested")

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string // xoxb-, for the Web API
	AppToken string // xapp-, for socket mode

	APIURL     string       // defaults to DefaultSlackAPIURL
	HTTPClient *http.Client // defaults to an httpkit client
	Logger     *slog.Logger
}

// Slack receives direct messages and @mentions over socket mode and
// replies through chat.postMessage. Replies to channel mentions go in
// the mention's thread.
type Slack struct {
	cfg    SlackConfig
	client *http.Client
	logger *slog.Logger

	botUserID string

	mu       sync.Mutex
	conn     *websocket.Conn
	stop     chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup
}

// NewSlack creates the channel. Nothing connects until Start.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultSlackAPIURL
	}
	if !strings.HasSuffix(cfg.APIURL, "/") {
		cfg.APIURL += "/"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithLogger(logger))
	}
	return &Slack{
		cfg:    cfg,
		client: client,
		logger: logger.With("channel", config.ChannelSlack),
		stop:   make(chan struct{}),
	}
}

// Name implements Channel.
func (s *Slack) Name() string { return config.ChannelSlack }

// socketEnvelope is one socket-mode frame.
type socketEnvelope struct {
	EnvelopeID string `json:"envelope_id"`
	Type       string `json:"type"`
	Reason     string `json:"reason,omitempty"`
	Payload    struct {
		Event slackEvent `json:"event"`
	} `json:"payload"`
}

type slackEvent struct {
	Type        string `json:"type"`
	User        string `json:"user"`
	Text        string `json:"text"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type"`
	TS          string `json:"ts"`
	ThreadTS    string `json:"thread_ts,omitempty"`
	BotID       string `json:"bot_id,omitempty"`
	Subtype     string `json:"subtype,omitempty"`
}

// Start implements Channel. It identifies the bot, then keeps a socket
// open, reconnecting with backoff, until ctx ends or Stop is called.
func (s *Slack) Start(ctx context.Context, h Handler) error {
	var auth struct {
		UserID string `json:"user_id"`
	}
	if err := s.call(ctx, "auth.test", s.cfg.BotToken, nil, &auth); err != nil {
		return err
	}
	s.botUserID = auth.UserID
	s.logger.Info("slack authenticated", "bot_user", auth.UserID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
		s.closeConn()
	}()
	defer s.inflight.Wait()

	delay := reconnectMin
	for {
		connected, err := s.session(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = reconnectMin
		}
		if errors.Is(err, errDisconnect) {
			s.logger.Info("slack asked to reconnect")
			continue
		}
		s.logger.Warn("slack connection lost, reconnecting", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, reconnectMax)
	}
}

// session runs one socket-mode connection. connected reports whether
// Slack said hello before the connection ended.
func (s *Slack) session(ctx context.Context, h Handler) (connected bool, err error) {
	var open struct {
		URL string `json:"url"`
	}
	if err := s.call(ctx, "apps.connections.open", s.cfg.AppToken, nil, &open); err != nil {
		return false, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, open.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial socket: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer s.closeConn()

	for {
		var env socketEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return connected, fmt.Errorf("read socket: %w", err)
		}
		if env.EnvelopeID != "" {
			if err := conn.WriteJSON(map[string]string{"envelope_id": env.EnvelopeID}); err != nil {
				return connected, fmt.Errorf("ack envelope: %w", err)
			}
		}

		switch env.Type {
		case "hello":
			connected = true
			s.logger.Info("slack socket connected")
		case "disconnect":
			return connected, fmt.Errorf("%w: %s", errDisconnect, env.Reason)
		case "events_api":
			ev := env.Payload.Event
			msg, ok := s.toMessage(ev)
			if !ok {
				continue
			}
			s.inflight.Add(1)
			go func() {
				defer s.inflight.Done()
				s.reply(ctx, h, msg, ev)
			}()
		}
	}
}

// toMessage normalizes a Slack event. It accepts direct messages and
// @mentions; everything else (bot traffic, edits, channel chatter the
// bot was not addressed in) is dropped.
func (s *Slack) toMessage(ev slackEvent) (message.Message, bool) {
	if ev.BotID != "" || ev.Subtype != "" || ev.User == "" || ev.User == s.botUserID {
		return message.Message{}, false
	}

	isDM := ev.ChannelType == "im" || ev.ChannelType == "mpim"
	switch ev.Type {
	case "message":
		if !isDM {
			return message.Message{}, false
		}
	case "app_mention":
	default:
		return message.Message{}, false
	}

	text := ev.Text
	if s.botUserID != "" {
		text = strings.ReplaceAll(text, "<@"+s.botUserID+">", "")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return message.Message{}, false
	}

	f := message.Fields{
		Body:       text,
		Channel:    config.ChannelSlack,
		SenderID:   ev.User,
		SenderName: ev.User,
		ChatType:   message.DM,
		Raw:        ev,
	}
	if !isDM {
		f.ChatType = message.Group
		f.GroupID = ev.Channel
	}
	msg, err := message.New(f)
	if err != nil {
		s.logger.Warn("dropping slack event", "error", err)
		return message.Message{}, false
	}
	return msg, true
}

func (s *Slack) reply(ctx context.Context, h Handler, msg message.Message, ev slackEvent) {
	text := h(ctx, msg)

	thread := ""
	if msg.ChatType == message.Group {
		thread = ev.ThreadTS
		if thread == "" {
			thread = ev.TS
		}
	}
	if err := s.post(ctx, ev.Channel, text, thread); err != nil {
		s.logger.Error("failed to send slack reply", "slack_channel", ev.Channel, "error", err)
	}
}

func (s *Slack) post(ctx context.Context, channelID, text, threadTS string) error {
	body := map[string]any{
		"channel": channelID,
		"text":    ToMrkdwn(text),
	}
	if threadTS != "" {
		body["thread_ts"] = threadTS
	}
	return s.call(ctx, "chat.postMessage", s.cfg.BotToken, body, nil)
}

// Send implements Channel. recipient is a Slack channel or user id.
func (s *Slack) Send(ctx context.Context, recipient, text string) error {
	return s.post(ctx, recipient, text, "")
}

// Stop implements Channel.
func (s *Slack) Stop(context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.closeConn()
	return nil
}

func (s *Slack) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// call invokes a Web API method with a JSON body and decodes the
// response into out. Slack reports failures as {"ok": false}.
func (s *Slack) call(ctx context.Context, method, token string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("slack %s: marshal: %w", method, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL+method, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack %s: status %d: %s", method, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("slack %s: decode: %w", method, err)
	}
	var status struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return fmt.Errorf("slack %s: decode: %w", method, err)
	}
	if !status.OK {
		return fmt.Errorf("slack %s: %s", method, status.Error)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("slack %s: decode: %w", method, err)
		}
	}
	return nil
}
