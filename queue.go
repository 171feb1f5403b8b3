package nimbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueClosed is returned for operations on a closed queue store.
var ErrQueueClosed = errors.New("queue store closed")

// ============================================================================
// Offline Queue
// ============================================================================

// QueuedMessage is one deferred send operation. OpID identifies the queue
// entry itself, not the message: a replayed entry gets a fresh temp ID when it
// re-enters the send pipeline.
type QueuedMessage struct {
	OpID       string    `json:"opId"`
	ChannelID  string    `json:"channelId"`
	ThreadID   string    `json:"threadId,omitempty"`
	Content    string    `json:"content"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// QueueStore is the persistence boundary for the offline queue. Entries for a
// channel come back in enqueue order. Implementations must be safe for
// concurrent use.
type QueueStore interface {
	Append(msg QueuedMessage) error
	Channel(channelID string) ([]QueuedMessage, error)
	Remove(channelID, opID string) error
	Channels() ([]string, error)
	Close() error
}

// OfflineQueue holds sends that could not reach the server and replays them,
// oldest first, once connectivity returns. An entry leaves the queue only
// after its replay is acknowledged; a crash mid-replay re-replays rather than
// drops.
type OfflineQueue struct {
	store  QueueStore
	mu     sync.Mutex
	sender *Sender
}

// NewOfflineQueue creates a queue over the given store.
func NewOfflineQueue(store QueueStore) *OfflineQueue {
	return &OfflineQueue{store: store}
}

// Bind attaches the send pipeline used for replay. Done after construction:
// the sender and the queue reference each other.
func (q *OfflineQueue) Bind(sender *Sender) {
	q.mu.Lock()
	q.sender = sender
	q.mu.Unlock()
}

// Enqueue stores a deferred send for the channel.
func (q *OfflineQueue) Enqueue(channelID, content string) error {
	return q.store.Append(QueuedMessage{
		OpID:       uuid.NewString(),
		ChannelID:  channelID,
		Content:    content,
		EnqueuedAt: time.Now(),
	})
}

// Pending returns the queued entries for a channel in enqueue order.
func (q *OfflineQueue) Pending(channelID string) ([]QueuedMessage, error) {
	return q.store.Channel(channelID)
}

// Channels returns the channels that currently have queued entries.
func (q *OfflineQueue) Channels() ([]string, error) {
	return q.store.Channels()
}

// ReplayChannel drains the channel's queue in order. Each entry goes through
// the full send pipeline; it is removed only after the server acknowledges it.
// The first failure stops the drain; the failed entry and everything behind
// it stay queued for the next replay.
func (q *OfflineQueue) ReplayChannel(ctx context.Context, channelID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sender == nil {
		return errors.New("offline queue has no sender bound")
	}

	entries, err := q.store.Channel(channelID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := q.sender.send(ctx, e.ChannelID, e.Content, false); err != nil {
			// Acknowledged rejections can never succeed on replay; drop the
			// entry instead of wedging the queue behind it.
			if errors.Is(err, ErrSendRejected) {
				if rerr := q.store.Remove(channelID, e.OpID); rerr != nil {
					return rerr
				}
				continue
			}
			return fmt.Errorf("replay %s: %w", e.OpID, err)
		}
		if err := q.store.Remove(channelID, e.OpID); err != nil {
			return err
		}
	}
	return nil
}

// ReplayAll drains every channel's queue. Channels drain independently; one
// channel's failure does not block the others.
func (q *OfflineQueue) ReplayAll(ctx context.Context) error {
	channels, err := q.store.Channels()
	if err != nil {
		return err
	}
	var firstErr error
	for _, ch := range channels {
		if err := q.ReplayChannel(ctx, ch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close releases the underlying store.
func (q *OfflineQueue) Close() error {
	return q.store.Close()
}

// ============================================================================
// In-Memory Store
// ============================================================================

// MemoryQueueStore keeps queued sends in process memory. Suitable for tests
// and for callers that do not need crash durability.
type MemoryQueueStore struct {
	mu        sync.Mutex
	byChannel map[string][]QueuedMessage
	closed    bool
}

// NewMemoryQueueStore creates an empty in-memory store.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{byChannel: make(map[string][]QueuedMessage)}
}

func (m *MemoryQueueStore) Append(msg QueuedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrQueueClosed
	}
	m.byChannel[msg.ChannelID] = append(m.byChannel[msg.ChannelID], msg)
	return nil
}

func (m *MemoryQueueStore) Channel(channelID string) ([]QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrQueueClosed
	}
	return append([]QueuedMessage{}, m.byChannel[channelID]...), nil
}

func (m *MemoryQueueStore) Remove(channelID, opID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrQueueClosed
	}
	list := m.byChannel[channelID]
	for i, e := range list {
		if e.OpID == opID {
			m.byChannel[channelID] = append(list[:i], list[i+1:]...)
			if len(m.byChannel[channelID]) == 0 {
				delete(m.byChannel, channelID)
			}
			return nil
		}
	}
	return nil
}

func (m *MemoryQueueStore) Channels() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrQueueClosed
	}
	out := make([]string, 0, len(m.byChannel))
	for ch := range m.byChannel {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryQueueStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.byChannel = nil
	return nil
}
