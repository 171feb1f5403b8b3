package nimbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST API response.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Credential is the opaque bearer credential attached to a connection.
// The SDK never inspects the token contents.
type Credential struct {
	Token  string
	UserID string
}

// UserRef is the display projection of a user (name and avatar only).
type UserRef struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Reaction is a single emoji reaction on a message.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// ReadReceipt records that a user has read a message.
type ReadReceipt struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username,omitempty"`
	ReadAt   time.Time `json:"readAt"`
}

// Message is the client-visible projection of a chat message.
//
// Identity is either a server-issued ID or a client-generated TempID prior to
// confirmation, never both meaningful at once. On confirmation the optimistic
// entry is atomically replaced by the server entry.
type Message struct {
	ID        string     `json:"id,omitempty"`
	TempID    string     `json:"tempId,omitempty"`
	ChannelID string     `json:"channelId"`
	Content   string     `json:"content"`
	SenderID  string     `json:"senderId"`
	Sender    UserRef    `json:"sender,omitempty"`
	ThreadID  string     `json:"threadId,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Key returns the identity the message is currently tracked under: the server
// ID once confirmed, the temp ID before that.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// TypingUser is a remote user currently typing in a channel.
type TypingUser struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	StartedAt time.Time `json:"startedAt"`
}

// ============================================================================
// Delivery Status
// ============================================================================

// DeliveryStatus is the per-message delivery state.
type DeliveryStatus int

const (
	StatusSending DeliveryStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

var statusNames = map[DeliveryStatus]string{
	StatusSending:   "sending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
	StatusFailed:    "failed",
}

func (s DeliveryStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalJSON encodes the status as its wire name.
func (s DeliveryStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a wire name back into a status.
func (s *DeliveryStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for st, n := range statusNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown delivery status %q", name)
}

// ============================================================================
// Wire Protocol
// ============================================================================

// EventType enumerates every event kind the transport can carry. Dispatch is
// an exhaustive switch over this closed set; unknown kinds are dropped rather
// than routed by string at runtime.
type EventType string

// Inbound server-pushed envelope types.
const (
	EventAuthenticated        EventType = "authenticated"
	EventAuthError            EventType = "auth:error"
	EventAck                  EventType = "ack"
	EventMessageNew           EventType = "message:new"
	EventMessageCreated       EventType = "message:created"
	EventMessageDelivered     EventType = "message:delivered"
	EventMessageFailed        EventType = "message:failed"
	EventMessageRead          EventType = "message:read"
	EventThreadReplyCreated   EventType = "thread:reply:created"
	EventThreadReplyDelivered EventType = "thread:reply:delivered"
	EventThreadReplyFailed    EventType = "thread:reply:failed"
	EventTypingStart          EventType = "typing:start"
	EventTypingStop           EventType = "typing:stop"
)

// Outbound client command types. typing:start and typing:stop share their
// names with the inbound pushes; the server echoes them to other members.
const (
	CmdMessageSend EventType = "message:send"
	CmdMessageRead EventType = "message:read"
	CmdThreadJoin  EventType = "thread:join"
	CmdThreadLeave EventType = "thread:leave"
	CmdThreadReply EventType = "thread:reply"
	CmdTypingStart EventType = "typing:start"
	CmdTypingStop  EventType = "typing:stop"
)

// Envelope is the wire format for all server-pushed events.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server command. RequestID is set only for correlated
// commands that expect an ack.
type Command struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Event Payloads
// ============================================================================

// AuthenticatedPayload is pushed once the connection handshake is accepted.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// AuthErrorPayload is pushed when the handshake credential is rejected.
type AuthErrorPayload struct {
	Message string `json:"message"`
}

// AckPayload is the server acknowledgment for a correlated command.
type AckPayload struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Decode unmarshals the ack Data field into the provided type.
func (a *AckPayload) Decode(v interface{}) error {
	if a.Data == nil {
		return nil
	}
	return json.Unmarshal(a.Data, v)
}

// MessageNewPayload carries an unsolicited new message for a joined channel.
type MessageNewPayload struct {
	Message Message `json:"message"`
}

// MessageCreatedPayload confirms a message this client sent.
type MessageCreatedPayload struct {
	Message Message `json:"message"`
	TempID  string  `json:"tempId"`
}

// MessageDeliveredPayload reports delivery of a message to its recipients.
type MessageDeliveredPayload struct {
	MessageID string `json:"messageId,omitempty"`
	TempID    string `json:"tempId,omitempty"`
	ChannelID string `json:"channelId"`
}

// MessageFailedPayload reports a server-side send failure.
type MessageFailedPayload struct {
	TempID    string `json:"tempId"`
	ChannelID string `json:"channelId"`
	Error     string `json:"error,omitempty"`
}

// MessageReadPayload carries a server-asserted read receipt.
type MessageReadPayload struct {
	MessageID   string      `json:"messageId"`
	ChannelID   string      `json:"channelId"`
	ReadReceipt ReadReceipt `json:"readReceipt"`
}

// ThreadReplyCreatedPayload confirms a thread reply this client sent, or
// carries another participant's reply.
type ThreadReplyCreatedPayload struct {
	Reply    Message `json:"reply"`
	TempID   string  `json:"tempId,omitempty"`
	ThreadID string  `json:"threadId"`
}

// ThreadReplyDeliveredPayload reports delivery of a thread reply.
type ThreadReplyDeliveredPayload struct {
	ReplyID  string `json:"replyId,omitempty"`
	TempID   string `json:"tempId,omitempty"`
	ThreadID string `json:"threadId"`
}

// ThreadReplyFailedPayload reports a server-side reply failure.
type ThreadReplyFailedPayload struct {
	TempID   string `json:"tempId"`
	ThreadID string `json:"threadId"`
	Error    string `json:"error,omitempty"`
}

// TypingPayload is pushed when a user starts or stops typing in a channel.
type TypingPayload struct {
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// ============================================================================
// Command Payloads
// ============================================================================

// SendPayload is the body of a message:send command.
type SendPayload struct {
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
	TempID    string `json:"tempId"`
}

// ReadPayload is the body of a message:read command.
type ReadPayload struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

// ThreadJoinPayload is the body of thread:join and thread:leave commands.
type ThreadJoinPayload struct {
	ThreadID  string `json:"threadId"`
	ChannelID string `json:"channelId"`
}

// ThreadReplyPayload is the body of a thread:reply command.
type ThreadReplyPayload struct {
	ThreadID  string `json:"threadId"`
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
	TempID    string `json:"tempId"`
}

// TypingSignalPayload is the body of typing:start and typing:stop commands.
type TypingSignalPayload struct {
	ChannelID string `json:"channelId"`
}

// ============================================================================
// REST Types
// ============================================================================

// Channel is a channel membership entry returned by the REST API.
type Channel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Topic       string    `json:"topic,omitempty"`
	MemberCount int       `json:"memberCount,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HistoryOptions paginates a message history fetch.
type HistoryOptions struct {
	Limit  int
	Before time.Time
}
