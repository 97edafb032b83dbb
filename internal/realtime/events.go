package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/jobpulse/internal/types"
)

type EventKind string

const (
	KindMessage            EventKind = "message"
	KindMessageStatus      EventKind = "message_status"
	KindReadReceipt        EventKind = "read_receipt"
	KindTyping             EventKind = "typing"
	KindUserStatus         EventKind = "user_status"
	KindReactionAdded      EventKind = "reaction_added"
	KindNotification       EventKind = "notification"
	KindJobAlert           EventKind = "job_alert"
	KindApplicationUpdate  EventKind = "application_update"
	KindInterviewScheduled EventKind = "interview_scheduled"
	KindPing               EventKind = "ping"
	KindPong               EventKind = "pong"

	// KindConnection is never sent by the server; the Manager emits it to
	// report connection status changes.
	KindConnection EventKind = "connection"

	kindMarkRead    EventKind = "mark_read"
	kindAddReaction EventKind = "add_reaction"
)

var ErrMissingType = errors.New("frame has no type")

// NotificationKinds are the kinds whose payload is a types.Notification.
var NotificationKinds = []EventKind{
	KindNotification,
	KindJobAlert,
	KindApplicationUpdate,
	KindInterviewScheduled,
}

func (k EventKind) Known() bool {
	switch k {
	case KindMessage, KindMessageStatus, KindReadReceipt, KindTyping, KindUserStatus,
		KindReactionAdded, KindNotification, KindJobAlert, KindApplicationUpdate,
		KindInterviewScheduled, KindPing, KindPong, KindConnection:
		return true
	}
	return false
}

// Event is one decoded inbound frame. Payload holds the value type matching
// Kind: ChatMessage, MessageStatus, ReadReceipt, Typing, UserStatus,
// Reaction, types.Notification, ConnectionEvent, or nil for ping/pong.
type Event struct {
	Kind    EventKind
	Payload any
	Raw     json.RawMessage
}

type ChatMessage struct {
	Id             string    `json:"id"`
	ConversationId string    `json:"conversation_id"`
	SenderId       string    `json:"sender_id"`
	Content        string    `json:"content"`
	ClientId       string    `json:"client_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type MessageStatus struct {
	MessageId      string `json:"message_id"`
	ConversationId string `json:"conversation_id"`
	Status         string `json:"status"`
}

type ReadReceipt struct {
	ConversationId string    `json:"conversation_id"`
	UserId         string    `json:"user_id"`
	MessageIds     []string  `json:"message_ids"`
	ReadAt         time.Time `json:"read_at"`
}

type Typing struct {
	ConversationId string `json:"conversation_id"`
	UserId         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

type UserStatus struct {
	UserId   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

type Reaction struct {
	MessageId string `json:"message_id"`
	UserId    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusFailed       ConnectionStatus = "failed"
)

// ConnectionEvent reports a status change. Attempt and Delay are set when a
// reconnect has been scheduled.
type ConnectionEvent struct {
	Status  ConnectionStatus
	Attempt int
	Delay   time.Duration
	Err     error
}

func decodeAs[T any](raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

// DecodeEvent parses a text frame. Kinds that are not recognized are decoded
// as notifications so they can be handed to the default handler.
func DecodeEvent(raw []byte) (Event, error) {
	var envelope struct {
		Type EventKind `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Event{}, fmt.Errorf("decode frame: %w", err)
	}
	if envelope.Type == "" {
		return Event{}, ErrMissingType
	}

	ev := Event{Kind: envelope.Type, Raw: json.RawMessage(raw)}

	var err error
	switch envelope.Type {
	case KindMessage:
		ev.Payload, err = decodeAs[ChatMessage](raw)
	case KindMessageStatus:
		ev.Payload, err = decodeAs[MessageStatus](raw)
	case KindReadReceipt:
		ev.Payload, err = decodeAs[ReadReceipt](raw)
	case KindTyping:
		ev.Payload, err = decodeAs[Typing](raw)
	case KindUserStatus:
		ev.Payload, err = decodeAs[UserStatus](raw)
	case KindReactionAdded:
		ev.Payload, err = decodeAs[Reaction](raw)
	case KindPing, KindPong:
	case KindConnection:
		return Event{}, fmt.Errorf("decode frame: reserved type %q", envelope.Type)
	default:
		ev.Payload, err = decodeAs[types.Notification](raw)
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", envelope.Type, err)
	}

	return ev, nil
}

type outboundMessage struct {
	Type           EventKind `json:"type"`
	ConversationId string    `json:"conversation_id"`
	Content        string    `json:"content"`
	ClientId       string    `json:"client_id"`
}

type outboundTyping struct {
	Type           EventKind `json:"type"`
	ConversationId string    `json:"conversation_id"`
	IsTyping       bool      `json:"is_typing"`
}

type outboundMarkRead struct {
	Type           EventKind `json:"type"`
	ConversationId string    `json:"conversation_id"`
	MessageIds     []string  `json:"message_ids"`
}

type outboundReaction struct {
	Type      EventKind `json:"type"`
	MessageId string    `json:"message_id"`
	Emoji     string    `json:"emoji"`
}

type pingFrame struct {
	Type EventKind `json:"type"`
}
