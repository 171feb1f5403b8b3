package nimbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrEmptyMessage is returned for whitespace-only content. Rejected
	// locally; no network call is made.
	ErrEmptyMessage = errors.New("message content is empty")

	// ErrSendRejected wraps an application-level rejection: the server
	// acknowledged the send and refused it. Never retried automatically.
	ErrSendRejected = errors.New("send rejected")
)

// ============================================================================
// Message Store
// ============================================================================

// MessageStore holds the reconciled per-channel message lists. All mutation
// goes through Apply* transitions keyed by message identity; reads return
// copies of the current snapshot so callers never observe a half-applied
// transition.
//
// Invariants maintained here:
//   - at most one entry per message identity (server ID or temp ID)
//   - entries sorted ascending by creation time
//   - an optimistic entry is atomically replaced, never duplicated, when its
//     confirmation arrives
type MessageStore struct {
	mu        sync.RWMutex
	byChannel map[string][]Message
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{byChannel: make(map[string][]Message)}
}

// Messages returns a snapshot of the channel's messages in display order.
func (s *MessageStore) Messages(channelID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message{}, s.byChannel[channelID]...)
}

// ApplyOptimistic inserts a locally created entry before any network
// round-trip completes.
func (s *MessageStore) ApplyOptimistic(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(msg)
}

// ApplyCreated replaces the optimistic entry carrying the payload's temp ID
// with the server-confirmed message. If no optimistic entry exists (history
// merged first, or the ack raced the push), the confirmed message is inserted
// subject to the usual dedupe.
func (s *MessageStore) ApplyCreated(p MessageCreatedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := p.Message.ChannelID
	if p.TempID != "" {
		if i := s.indexOf(ch, p.TempID); i >= 0 {
			list := s.byChannel[ch]
			s.byChannel[ch] = append(list[:i], list[i+1:]...)
		}
	}
	s.insert(p.Message)
}

// ApplyNew appends an unsolicited message, deduplicating by ID: a push for a
// message this client already reconciled is a no-op.
func (s *MessageStore) ApplyNew(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(msg)
}

// ApplyFailed removes the optimistic entry for the temp ID, if present.
func (s *MessageStore) ApplyFailed(channelID, tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(channelID, tempID); i >= 0 {
		list := s.byChannel[channelID]
		s.byChannel[channelID] = append(list[:i], list[i+1:]...)
	}
}

// ApplyReaction merges a reaction onto a confirmed message.
func (s *MessageStore) ApplyReaction(channelID, messageID string, r Reaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(channelID, messageID)
	if i < 0 {
		return
	}
	msg := &s.byChannel[channelID][i]
	for _, existing := range msg.Reactions {
		if existing.UserID == r.UserID && existing.Emoji == r.Emoji {
			return
		}
	}
	msg.Reactions = append(msg.Reactions, r)
}

// MergeHistory folds a REST-fetched history page into the channel without
// duplicating messages already held locally (optimistic or confirmed).
func (s *MessageStore) MergeHistory(channelID string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if m.ChannelID == "" {
			m.ChannelID = channelID
		}
		s.insert(m)
	}
}

// Clear drops all local state for a channel.
func (s *MessageStore) Clear(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byChannel, channelID)
}

// insert adds msg to its channel keeping sort order, unless an entry with the
// same identity already exists. Caller holds the lock.
func (s *MessageStore) insert(msg Message) {
	ch := msg.ChannelID
	if s.indexOf(ch, msg.Key()) >= 0 {
		return
	}
	list := s.byChannel[ch]
	at := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(msg.CreatedAt)
	})
	list = append(list, Message{})
	copy(list[at+1:], list[at:])
	list[at] = msg
	s.byChannel[ch] = list
}

// indexOf finds a message by server ID or temp ID. Caller holds the lock.
func (s *MessageStore) indexOf(channelID, key string) int {
	if key == "" {
		return -1
	}
	for i, m := range s.byChannel[channelID] {
		if m.ID == key || (m.TempID != "" && m.TempID == key) {
			return i
		}
	}
	return -1
}

// ============================================================================
// Sender
// ============================================================================

// transport is the slice of RealtimeClient the pipelines depend on.
type transport interface {
	Request(ctx context.Context, typ EventType, payload interface{}) (*AckPayload, error)
	Emit(ctx context.Context, typ EventType, payload interface{}) error
	IsConnected() bool
}

// SenderConfig bounds the per-send retry policy. Retries apply only to
// transport-level failures; an acknowledged rejection is surfaced immediately.
type SenderConfig struct {
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

func (c *SenderConfig) defaults() {
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
}

// Sender turns a send intent into a reconciled message entry: optimistic
// insert, correlated emit, bounded retries, and reconciliation against the
// acknowledgment. Exhausted transient failures are handed to the offline
// queue when one is attached.
type Sender struct {
	rt      transport
	store   *MessageStore
	tracker *DeliveryTracker
	queue   *OfflineQueue
	config  SenderConfig

	// self resolves the local user at send time, so optimistic entries
	// rendered after the handshake carry the authenticated display data.
	self func() UserRef

	// Injection points; tests pin these for determinism.
	newTempID func() string
	now       func() time.Time
	sleep     func(time.Duration)
}

// NewSender creates a send pipeline bound to the given transport and local
// state. queue may be nil; exhausted sends are then dropped after reporting.
func NewSender(rt transport, store *MessageStore, tracker *DeliveryTracker, queue *OfflineQueue, self UserRef, config *SenderConfig) *Sender {
	cfg := SenderConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	s := &Sender{
		rt:      rt,
		store:   store,
		tracker: tracker,
		queue:   queue,
		config:  cfg,
		self:    func() UserRef { return self },
		now:     time.Now,
		sleep:   time.Sleep,
	}
	s.newTempID = func() string {
		// Time plus random suffix plus sender id: rapid sends from the same
		// user cannot collide within a session.
		return fmt.Sprintf("tmp-%d-%s-%s", s.now().UnixNano(), uuid.NewString()[:8], s.self().ID)
	}
	return s
}

// Send validates, renders the optimistic entry, and drives the send to a
// reconciled outcome. On success it returns the server-confirmed message with
// delivery status advanced to sent.
func (s *Sender) Send(ctx context.Context, channelID, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if !s.rt.IsConnected() {
		return nil, ErrNotConnected
	}
	return s.send(ctx, channelID, content, true)
}

// send is the shared core for fresh sends and offline-queue replays. enqueue
// controls whether an exhausted transient failure lands in the offline queue
// (replays keep their existing queue entry instead).
func (s *Sender) send(ctx context.Context, channelID, content string, enqueue bool) (*Message, error) {
	tempID := s.newTempID()
	self := s.self()

	// Optimistic entry first: the list reflects user intent before any
	// network round-trip.
	s.store.ApplyOptimistic(Message{
		TempID:    tempID,
		ChannelID: channelID,
		Content:   content,
		SenderID:  self.ID,
		Sender:    self,
		CreatedAt: s.now(),
	})
	s.tracker.TrackSending(tempID)

	var lastErr error
	for attempt := 0; attempt < s.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			s.sleep(s.config.RetryBaseDelay << (attempt - 1))
		}

		ack, err := s.rt.Request(ctx, CmdMessageSend, SendPayload{
			ChannelID: channelID,
			Content:   content,
			TempID:    tempID,
		})
		if err != nil {
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
			lastErr = err
			continue
		}

		if !ack.Success {
			// Application-level rejection: retrying an invalid request
			// cannot succeed.
			s.store.ApplyFailed(channelID, tempID)
			s.tracker.Clear(tempID)
			if ack.Error != "" {
				return nil, fmt.Errorf("%s: %w", ack.Error, ErrSendRejected)
			}
			return nil, ErrSendRejected
		}

		var data MessageCreatedPayload
		if err := ack.Decode(&data); err != nil {
			lastErr = fmt.Errorf("decode ack: %w", err)
			continue
		}
		if data.TempID == "" {
			data.TempID = tempID
		}
		s.store.ApplyCreated(data)
		s.tracker.Confirm(tempID, data.Message.ID)
		confirmed := data.Message
		return &confirmed, nil
	}

	s.store.ApplyFailed(channelID, tempID)
	s.tracker.Clear(tempID)

	if enqueue && s.queue != nil {
		if qerr := s.queue.Enqueue(channelID, content); qerr != nil {
			return nil, fmt.Errorf("send failed (%v); enqueue failed: %w", lastErr, qerr)
		}
	}
	return nil, fmt.Errorf("send message: %w", lastErr)
}
