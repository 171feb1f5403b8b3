package nimbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ============================================================================
// Credentials
// ============================================================================

// CredentialSource supplies the connection credential. Refresh-capable
// sources return a fresh token on each call; the SDK treats the token as
// opaque either way.
type CredentialSource interface {
	Credential(ctx context.Context) (Credential, error)
}

// CredentialFunc adapts a function to a CredentialSource.
type CredentialFunc func(ctx context.Context) (Credential, error)

func (f CredentialFunc) Credential(ctx context.Context) (Credential, error) {
	return f(ctx)
}

// StaticCredentials returns a source that always yields the same credential.
func StaticCredentials(token, userID string) CredentialSource {
	return CredentialFunc(func(context.Context) (Credential, error) {
		return Credential{Token: token, UserID: userID}, nil
	})
}

// ============================================================================
// Session
// ============================================================================

// SessionConfig configures a session. Zero values select the defaults; a nil
// QueueStore selects the in-memory store (no crash durability).
type SessionConfig struct {
	Realtime   *RealtimeConfig
	Sender     *SenderConfig
	Typing     *TypingConfig
	QueueStore QueueStore
}

// Session wires the full client stack together: the realtime connection, the
// message store, delivery tracking, typing indicators, thread sessions, and
// the offline queue. It subscribes to every server event and folds each one
// into the right local state, so callers read reconciled snapshots instead of
// handling events themselves.
type Session struct {
	client  *Client
	creds   CredentialSource
	rt      *RealtimeClient
	store   *MessageStore
	tracker *DeliveryTracker
	typing  *TypingTracker
	queue   *OfflineQueue
	sender  *Sender

	mu      sync.RWMutex
	self    UserRef
	threads map[string]*ThreadSession
}

// NewSession builds a session over the given REST client. The credential is
// resolved once here to bind the connection identity; Connect establishes the
// realtime connection.
func NewSession(ctx context.Context, client *Client, creds CredentialSource, config *SessionConfig) (*Session, error) {
	cfg := SessionConfig{}
	if config != nil {
		cfg = *config
	}

	cred, err := creds.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}
	client.SetToken(cred.Token)

	rtCfg := cfg.Realtime
	if rtCfg == nil {
		rtCfg = &RealtimeConfig{AutoReconnect: true}
	}
	rt := NewRealtimeClient(client.BaseURL(), cred, rtCfg)

	qs := cfg.QueueStore
	if qs == nil {
		qs = NewMemoryQueueStore()
	}

	s := &Session{
		client:  client,
		creds:   creds,
		rt:      rt,
		store:   NewMessageStore(),
		tracker: NewDeliveryTracker(),
		queue:   NewOfflineQueue(qs),
		self:    UserRef{ID: cred.UserID},
		threads: make(map[string]*ThreadSession),
	}
	s.typing = NewTypingTracker(rt, cred.UserID, cfg.Typing)
	s.sender = NewSender(rt, s.store, s.tracker, s.queue, s.self, cfg.Sender)
	// Sends resolve the identity live, so optimistic entries rendered after
	// the handshake carry the authenticated username and avatar.
	s.sender.self = s.Self
	s.queue.Bind(s.sender)
	s.wireHandlers()
	return s, nil
}

// wireHandlers folds every inbound event into local state. Registration
// happens once, before Connect, so no event can slip past unhandled.
func (s *Session) wireHandlers() {
	s.rt.OnAuthenticated(func(p AuthenticatedPayload) {
		s.mu.Lock()
		s.self = UserRef{ID: p.UserID, Username: p.Username}
		s.mu.Unlock()
	})

	s.rt.OnMessageCreated(func(p MessageCreatedPayload) {
		s.store.ApplyCreated(p)
		if p.TempID != "" && p.Message.ID != "" {
			s.tracker.Confirm(p.TempID, p.Message.ID)
		}
	})

	s.rt.OnMessageNew(func(p MessageNewPayload) {
		s.store.ApplyNew(p.Message)
	})

	s.rt.OnMessageDelivered(func(p MessageDeliveredPayload) {
		id := p.MessageID
		if id == "" {
			id = p.TempID
		}
		s.tracker.Advance(id, StatusDelivered)
	})

	s.rt.OnMessageFailed(func(p MessageFailedPayload) {
		s.store.ApplyFailed(p.ChannelID, p.TempID)
		s.tracker.Clear(p.TempID)
	})

	s.rt.OnMessageRead(func(p MessageReadPayload) {
		s.tracker.AddReceipt(p.MessageID, p.ReadReceipt)
	})

	s.rt.OnTypingStart(s.typing.HandleTypingStart)
	s.rt.OnTypingStop(s.typing.HandleTypingStop)

	s.rt.OnThreadReplyCreated(func(p ThreadReplyCreatedPayload) {
		if ts := s.thread(p.ThreadID); ts != nil {
			ts.HandleReplyCreated(p)
		}
	})
	s.rt.OnThreadReplyDelivered(func(p ThreadReplyDeliveredPayload) {
		if ts := s.thread(p.ThreadID); ts != nil {
			ts.HandleReplyDelivered(p)
		}
	})
	s.rt.OnThreadReplyFailed(func(p ThreadReplyFailedPayload) {
		if ts := s.thread(p.ThreadID); ts != nil {
			ts.HandleReplyFailed(p)
		}
	})

	s.rt.OnConnected(func() {
		// Queued sends drain once the connection is back. Off the read loop:
		// replay round-trips through Request and would deadlock waiting for
		// acks the loop cannot read.
		go s.queue.ReplayAll(context.Background())
	})
}

// ── Lifecycle ────────────────────────────────────────────

// Connect establishes the realtime connection.
func (s *Session) Connect(ctx context.Context) error {
	return s.rt.Connect(ctx)
}

// UpdateCredentials re-resolves the credential source and reconnects under
// the new identity. The only way out of the auth-error state.
func (s *Session) UpdateCredentials(ctx context.Context) error {
	cred, err := s.creds.Credential(ctx)
	if err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}
	s.client.SetToken(cred.Token)
	s.mu.Lock()
	s.self = UserRef{ID: cred.UserID}
	s.mu.Unlock()
	return s.rt.UpdateCredentials(ctx, cred.Token, cred.UserID)
}

// Close tears down the connection and releases the queue store.
func (s *Session) Close() error {
	err := s.rt.Disconnect()
	s.typing.Close()
	if qerr := s.queue.Close(); err == nil {
		err = qerr
	}
	return err
}

// Realtime exposes the underlying realtime client for meta-event
// subscriptions (connected, disconnected, reconnecting).
func (s *Session) Realtime() *RealtimeClient { return s.rt }

// Client exposes the underlying REST client.
func (s *Session) Client() *Client { return s.client }

// Self returns the authenticated user, enriched with the username once the
// handshake completes.
func (s *Session) Self() UserRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// ── Messaging ────────────────────────────────────────────

// SendMessage sends content to a channel through the optimistic pipeline. If
// the connection is down the message is queued for replay and ErrNotConnected
// is returned; the send completes later, on reconnect.
func (s *Session) SendMessage(ctx context.Context, channelID, content string) (*Message, error) {
	s.typing.StopTyping(ctx, channelID)
	msg, err := s.sender.Send(ctx, channelID, content)
	if errors.Is(err, ErrNotConnected) {
		if qerr := s.queue.Enqueue(channelID, content); qerr != nil {
			return nil, fmt.Errorf("offline enqueue: %w", qerr)
		}
		return nil, fmt.Errorf("queued for replay: %w", ErrNotConnected)
	}
	return msg, err
}

// Messages returns the reconciled message list for a channel.
func (s *Session) Messages(channelID string) []Message {
	return s.store.Messages(channelID)
}

// LoadHistory fetches a history page over REST and merges it into the local
// store without duplicating messages already held.
func (s *Session) LoadHistory(ctx context.Context, channelID string, opts *HistoryOptions) ([]Message, error) {
	msgs, err := s.client.GetHistory(ctx, channelID, opts)
	if err != nil {
		return nil, err
	}
	s.store.MergeHistory(channelID, msgs)
	return s.store.Messages(channelID), nil
}

// MarkAsRead reports that the local user has read a message. Fire-and-forget:
// the authoritative receipt comes back as a message:read push.
func (s *Session) MarkAsRead(ctx context.Context, channelID, messageID string) error {
	return s.rt.Emit(ctx, CmdMessageRead, ReadPayload{MessageID: messageID, ChannelID: channelID})
}

// DeliveryStatus returns the delivery status for a message or temp ID.
func (s *Session) DeliveryStatus(id string) (DeliveryStatus, bool) {
	return s.tracker.Status(id)
}

// ReadReceipts returns the read receipts recorded for a message.
func (s *Session) ReadReceipts(messageID string) []ReadReceipt {
	return s.tracker.Receipts(messageID)
}

// ── Typing ───────────────────────────────────────────────

// Keystroke registers a local keystroke for typing-indicator purposes.
func (s *Session) Keystroke(ctx context.Context, channelID string) error {
	return s.typing.Keystroke(ctx, channelID)
}

// TypingUsers returns the remote users currently typing in a channel.
func (s *Session) TypingUsers(channelID string) []TypingUser {
	return s.typing.TypingUsers(channelID)
}

// ── Threads ──────────────────────────────────────────────

// Thread returns the session for the thread rooted at threadID, creating it
// on first use. Call Join on the returned session to enter the room.
func (s *Session) Thread(threadID, channelID string) *ThreadSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.threads[threadID]; ok {
		return ts
	}
	ts := NewThreadSession(s.rt, s.tracker, threadID, channelID, s.self, nil)
	ts.self = s.Self
	s.threads[threadID] = ts
	return ts
}

func (s *Session) thread(threadID string) *ThreadSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threads[threadID]
}

// ── Offline queue ────────────────────────────────────────

// PendingSends returns the queued offline sends for a channel.
func (s *Session) PendingSends(channelID string) ([]QueuedMessage, error) {
	return s.queue.Pending(channelID)
}

// ReplayPending drains the offline queue immediately instead of waiting for
// the next reconnect.
func (s *Session) ReplayPending(ctx context.Context) error {
	return s.queue.ReplayAll(ctx)
}
