// Package message defines the channel-agnostic inbound message record
// and the conversation key derived from it.
package message

import (
	"errors"
	"fmt"
	"time"
)

// ChatType distinguishes one-to-one conversations from group threads.
type ChatType string

const (
	// DM is a direct conversation with a single sender.
	DM ChatType = "dm"
	// Group is a shared thread identified by a group id.
	Group ChatType = "group"
)

// Errors returned by [New] when the chat type and group id disagree.
var (
	ErrGroupIDRequired = errors.New("group message requires a group id")
	ErrGroupIDOnDM     = errors.New("direct message must not carry a group id")
)

// Message is one inbound event from any channel, normalized. Messages
// are created per event, handled synchronously, and discarded.
type Message struct {
	Body       string
	Channel    string
	SenderID   string
	SenderName string
	ChatType   ChatType
	GroupID    string
	Timestamp  time.Time

	// Raw carries the channel-native event for channel-specific reply
	// logic. The agent never looks inside it.
	Raw any
}

// Fields are the caller-supplied parts of a Message. Timestamp is
// optional; the zero value means "now".
type Fields struct {
	Body       string
	Channel    string
	SenderID   string
	SenderName string
	ChatType   ChatType
	GroupID    string
	Timestamp  time.Time
	Raw        any
}

// New builds a Message and enforces that GroupID is set exactly when
// the chat type is [Group].
func New(f Fields) (Message, error) {
	switch f.ChatType {
	case DM:
		if f.GroupID != "" {
			return Message{}, ErrGroupIDOnDM
		}
	case Group:
		if f.GroupID == "" {
			return Message{}, ErrGroupIDRequired
		}
	default:
		return Message{}, fmt.Errorf("unknown chat type %q", f.ChatType)
	}

	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return Message{
		Body:       f.Body,
		Channel:    f.Channel,
		SenderID:   f.SenderID,
		SenderName: f.SenderName,
		ChatType:   f.ChatType,
		GroupID:    f.GroupID,
		Timestamp:  ts,
		Raw:        f.Raw,
	}, nil
}

// ConversationKey returns "<channel>:<id>", where id is the group id
// for group messages and the sender id otherwise. It is the only
// identity used to partition history.
func (m Message) ConversationKey() string {
	id := m.SenderID
	if m.ChatType == Group {
		id = m.GroupID
	}
	return m.Channel + ":" + id
}

// FormatForAgent folds the channel context into the single text turn
// the model sees: "[cli You 14:05] hello".
func (m Message) FormatForAgent() string {
	return fmt.Sprintf("[%s %s %s] %s",
		m.Channel, m.SenderName, m.Timestamp.UTC().Format("15:04"), m.Body)
}
