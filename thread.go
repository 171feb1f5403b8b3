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

// ErrThreadNotJoined is returned for replies attempted before thread:join
// completed (or after thread:leave).
var ErrThreadNotJoined = errors.New("thread not joined")

// ErrReplyRejected wraps an acknowledged server-side reply rejection.
var ErrReplyRejected = errors.New("reply rejected")

// ThreadSnapshot is the join-time view of a thread returned by the server.
type ThreadSnapshot struct {
	Parent           Message   `json:"parent"`
	Replies          []Message `json:"replies"`
	ParticipantCount int       `json:"participantCount"`
}

// ============================================================================
// Thread Reply Pipeline
// ============================================================================

// ThreadSession scopes the send pipeline to one (threadID, channelID) room.
// Join must complete before replies are sent; after Leave, reply events for
// the thread no longer reach the local list.
//
// The reply list is kept deduplicated by ID, ascending by creation time, with
// empty-after-trim replies filtered out.
type ThreadSession struct {
	threadID  string
	channelID string

	rt      transport
	tracker *DeliveryTracker
	self    func() UserRef
	config  SenderConfig

	mu               sync.RWMutex
	joined           bool
	parent           Message
	participantCount int
	replies          []Message

	newTempID func() string
	now       func() time.Time
	sleep     func(time.Duration)
}

// NewThreadSession creates a session for the thread rooted at threadID. Call
// Join before sending or expecting replies.
func NewThreadSession(rt transport, tracker *DeliveryTracker, threadID, channelID string, self UserRef, config *SenderConfig) *ThreadSession {
	cfg := SenderConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	ts := &ThreadSession{
		threadID:  threadID,
		channelID: channelID,
		rt:        rt,
		tracker:   tracker,
		self:      func() UserRef { return self },
		config:    cfg,
		now:       time.Now,
		sleep:     time.Sleep,
	}
	ts.newTempID = func() string {
		return fmt.Sprintf("tmp-%d-%s-%s", ts.now().UnixNano(), uuid.NewString()[:8], ts.self().ID)
	}
	return ts
}

// ThreadID returns the root message id identifying this thread.
func (ts *ThreadSession) ThreadID() string { return ts.threadID }

// Joined reports whether the room membership is active.
func (ts *ThreadSession) Joined() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.joined
}

// Parent returns the parent message snapshot captured at join.
func (ts *ThreadSession) Parent() Message {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.parent
}

// ParticipantCount returns the participant count captured at join.
func (ts *ThreadSession) ParticipantCount() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.participantCount
}

// Join issues the room-membership call and seeds the local reply list from
// the server's thread snapshot.
func (ts *ThreadSession) Join(ctx context.Context) error {
	ack, err := ts.rt.Request(ctx, CmdThreadJoin, ThreadJoinPayload{
		ThreadID:  ts.threadID,
		ChannelID: ts.channelID,
	})
	if err != nil {
		return fmt.Errorf("join thread: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("join thread: %s", ack.Error)
	}

	var snap ThreadSnapshot
	if err := ack.Decode(&snap); err != nil {
		return fmt.Errorf("decode thread snapshot: %w", err)
	}

	ts.mu.Lock()
	ts.joined = true
	ts.parent = snap.Parent
	ts.participantCount = snap.ParticipantCount
	for _, r := range snap.Replies {
		ts.insert(r)
	}
	ts.mu.Unlock()
	return nil
}

// Leave issues the leave call and stops delivering this thread's reply events
// locally. The local reply list is cleared; the thread view is gone.
func (ts *ThreadSession) Leave(ctx context.Context) error {
	ts.mu.Lock()
	ts.joined = false
	ts.replies = nil
	ts.mu.Unlock()

	ack, err := ts.rt.Request(ctx, CmdThreadLeave, ThreadJoinPayload{
		ThreadID:  ts.threadID,
		ChannelID: ts.channelID,
	})
	if err != nil {
		return fmt.Errorf("leave thread: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("leave thread: %s", ack.Error)
	}
	return nil
}

// Replies returns a snapshot of the reply list in display order.
func (ts *ThreadSession) Replies() []Message {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return append([]Message{}, ts.replies...)
}

// Reply mirrors the channel send pipeline scoped to the thread room:
// optimistic entry, correlated emit, bounded retries, reconciliation.
func (ts *ThreadSession) Reply(ctx context.Context, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if !ts.Joined() {
		return nil, ErrThreadNotJoined
	}
	if !ts.rt.IsConnected() {
		return nil, ErrNotConnected
	}

	tempID := ts.newTempID()
	self := ts.self()
	ts.mu.Lock()
	ts.insert(Message{
		TempID:    tempID,
		ChannelID: ts.channelID,
		ThreadID:  ts.threadID,
		Content:   content,
		SenderID:  self.ID,
		Sender:    self,
		CreatedAt: ts.now(),
	})
	ts.mu.Unlock()
	ts.tracker.TrackSending(tempID)

	var lastErr error
	for attempt := 0; attempt < ts.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			ts.sleep(ts.config.RetryBaseDelay << (attempt - 1))
		}

		ack, err := ts.rt.Request(ctx, CmdThreadReply, ThreadReplyPayload{
			ThreadID:  ts.threadID,
			ChannelID: ts.channelID,
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
			ts.removeReply(tempID)
			ts.tracker.Clear(tempID)
			if ack.Error != "" {
				return nil, fmt.Errorf("%s: %w", ack.Error, ErrReplyRejected)
			}
			return nil, ErrReplyRejected
		}

		var data ThreadReplyCreatedPayload
		if err := ack.Decode(&data); err != nil {
			lastErr = fmt.Errorf("decode ack: %w", err)
			continue
		}
		if data.TempID == "" {
			data.TempID = tempID
		}
		ts.applyCreated(data)
		ts.tracker.Confirm(tempID, data.Reply.ID)
		confirmed := data.Reply
		return &confirmed, nil
	}

	ts.removeReply(tempID)
	ts.tracker.Clear(tempID)
	return nil, fmt.Errorf("send reply: %w", lastErr)
}

// ── Event handlers (called from the session's dispatch) ──

// HandleReplyCreated reconciles a confirmed reply, from this client or any
// other participant. Events for other threads, or arriving after Leave, are
// dropped.
func (ts *ThreadSession) HandleReplyCreated(p ThreadReplyCreatedPayload) {
	if p.ThreadID != ts.threadID {
		return
	}
	ts.applyCreated(p)
	if p.TempID != "" && p.Reply.ID != "" {
		ts.tracker.Confirm(p.TempID, p.Reply.ID)
	}
}

// HandleReplyDelivered advances the reply's delivery status.
func (ts *ThreadSession) HandleReplyDelivered(p ThreadReplyDeliveredPayload) {
	if p.ThreadID != ts.threadID || !ts.Joined() {
		return
	}
	id := p.ReplyID
	if id == "" {
		id = p.TempID
	}
	ts.tracker.Advance(id, StatusDelivered)
}

// HandleReplyFailed removes the optimistic reply for the failed temp ID.
func (ts *ThreadSession) HandleReplyFailed(p ThreadReplyFailedPayload) {
	if p.ThreadID != ts.threadID {
		return
	}
	ts.removeReply(p.TempID)
	ts.tracker.Clear(p.TempID)
}

// ── Reply list reducer ───────────────────────────────────

func (ts *ThreadSession) applyCreated(p ThreadReplyCreatedPayload) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if !ts.joined {
		return
	}
	if p.TempID != "" {
		if i := ts.indexOf(p.TempID); i >= 0 {
			ts.replies = append(ts.replies[:i], ts.replies[i+1:]...)
		}
	}
	ts.insert(p.Reply)
}

func (ts *ThreadSession) removeReply(key string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if i := ts.indexOf(key); i >= 0 {
		ts.replies = append(ts.replies[:i], ts.replies[i+1:]...)
	}
}

// insert adds a reply keeping the list deduplicated and sorted. Malformed
// pushes with empty content are excluded from the visible list. Caller holds
// the lock.
func (ts *ThreadSession) insert(r Message) {
	if strings.TrimSpace(r.Content) == "" {
		return
	}
	if ts.indexOf(r.Key()) >= 0 {
		return
	}
	at := sort.Search(len(ts.replies), func(i int) bool {
		return ts.replies[i].CreatedAt.After(r.CreatedAt)
	})
	ts.replies = append(ts.replies, Message{})
	copy(ts.replies[at+1:], ts.replies[at:])
	ts.replies[at] = r
}

func (ts *ThreadSession) indexOf(key string) int {
	if key == "" {
		return -1
	}
	for i, r := range ts.replies {
		if r.ID == key || (r.TempID != "" && r.TempID == key) {
			return i
		}
	}
	return -1
}
