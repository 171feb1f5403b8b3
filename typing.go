package nimbus

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Typing Indicators
// ============================================================================

// TypingConfig bounds the typing signal lifecycle.
type TypingConfig struct {
	// IdleTimeout is how long after the last keystroke the local burst ends
	// and typing:stop is emitted.
	IdleTimeout time.Duration
	// ExpireAfter is how long a remote typing entry survives without a fresh
	// typing:start before it is dropped locally. Covers peers whose stop
	// signal was lost.
	ExpireAfter time.Duration
}

func (c *TypingConfig) defaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 1500 * time.Millisecond
	}
	if c.ExpireAfter == 0 {
		c.ExpireAfter = 5 * time.Second
	}
}

// timer is the subset of *time.Timer the tracker uses. Tests swap in a
// hand-fired fake.
type timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// TypingTracker debounces local keystrokes into at most one typing:start per
// burst and one typing:stop when the burst ends, and mirrors remote typing
// signals into a per-channel registry. Remote entries expire on a timer so a
// lost stop signal cannot pin a "user is typing" row forever.
type TypingTracker struct {
	rt     transport
	selfID string
	config TypingConfig

	mu     sync.Mutex
	bursts map[string]timer                  // channelID → idle timer for the active local burst
	remote map[string]map[string]typingEntry // channelID → userID → entry

	// OnUpdate, when set, is called with the channel ID after the remote
	// registry for that channel changes.
	OnUpdate func(channelID string)

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) timer
}

type typingEntry struct {
	user   TypingUser
	expiry timer
}

// NewTypingTracker creates a tracker emitting on the given transport. selfID
// filters this client's own echoed signals out of the remote registry.
func NewTypingTracker(rt transport, selfID string, config *TypingConfig) *TypingTracker {
	cfg := TypingConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &TypingTracker{
		rt:     rt,
		selfID: selfID,
		config: cfg,
		bursts: make(map[string]timer),
		remote: make(map[string]map[string]typingEntry),
		now:    time.Now,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// Keystroke registers one local keystroke in the channel. The first keystroke
// of a burst emits typing:start; subsequent keystrokes only push the idle
// deadline out. Ten rapid keystrokes produce exactly one start and, after the
// idle timeout, exactly one stop.
func (t *TypingTracker) Keystroke(ctx context.Context, channelID string) error {
	t.mu.Lock()
	if tm, active := t.bursts[channelID]; active {
		tm.Reset(t.config.IdleTimeout)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.rt.Emit(ctx, CmdTypingStart, TypingSignalPayload{ChannelID: channelID}); err != nil {
		return err
	}

	t.mu.Lock()
	if _, active := t.bursts[channelID]; !active {
		t.bursts[channelID] = t.afterFunc(t.config.IdleTimeout, func() {
			t.endBurst(channelID)
		})
	}
	t.mu.Unlock()
	return nil
}

// StopTyping ends the local burst immediately, emitting typing:stop if one was
// active. Called on send so the indicator clears without waiting for idle.
func (t *TypingTracker) StopTyping(ctx context.Context, channelID string) {
	t.mu.Lock()
	tm, active := t.bursts[channelID]
	if active {
		tm.Stop()
		delete(t.bursts, channelID)
	}
	t.mu.Unlock()

	if active {
		_ = t.rt.Emit(ctx, CmdTypingStop, TypingSignalPayload{ChannelID: channelID})
	}
}

// endBurst is the idle-timer callback.
func (t *TypingTracker) endBurst(channelID string) {
	t.mu.Lock()
	_, active := t.bursts[channelID]
	delete(t.bursts, channelID)
	t.mu.Unlock()

	if active {
		_ = t.rt.Emit(context.Background(), CmdTypingStop, TypingSignalPayload{ChannelID: channelID})
	}
}

// HandleTypingStart records a remote user typing. Signals echoing this
// client's own bursts are ignored. A repeated start refreshes the expiry
// without duplicating the entry.
func (t *TypingTracker) HandleTypingStart(p TypingPayload) {
	if p.UserID == t.selfID {
		return
	}

	t.mu.Lock()
	if t.remote[p.ChannelID] == nil {
		t.remote[p.ChannelID] = make(map[string]typingEntry)
	}
	if prev, ok := t.remote[p.ChannelID][p.UserID]; ok {
		prev.expiry.Reset(t.config.ExpireAfter)
		t.mu.Unlock()
		return
	}
	started := p.Timestamp
	if started.IsZero() {
		started = t.now()
	}
	t.remote[p.ChannelID][p.UserID] = typingEntry{
		user: TypingUser{UserID: p.UserID, Username: p.Username, StartedAt: started},
		expiry: t.afterFunc(t.config.ExpireAfter, func() {
			t.expire(p.ChannelID, p.UserID)
		}),
	}
	t.mu.Unlock()

	t.notify(p.ChannelID)
}

// HandleTypingStop removes the remote user's entry.
func (t *TypingTracker) HandleTypingStop(p TypingPayload) {
	if p.UserID == t.selfID {
		return
	}
	if t.remove(p.ChannelID, p.UserID) {
		t.notify(p.ChannelID)
	}
}

// expire is the registry-expiry callback.
func (t *TypingTracker) expire(channelID, userID string) {
	if t.remove(channelID, userID) {
		t.notify(channelID)
	}
}

func (t *TypingTracker) remove(channelID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.remote[channelID][userID]
	if !ok {
		return false
	}
	entry.expiry.Stop()
	delete(t.remote[channelID], userID)
	if len(t.remote[channelID]) == 0 {
		delete(t.remote, channelID)
	}
	return true
}

// TypingUsers returns the remote users currently typing in the channel,
// ordered by when they started.
func (t *TypingTracker) TypingUsers(channelID string) []TypingUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.remote[channelID]
	out := make([]TypingUser, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.user)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Close stops all outstanding timers without emitting anything.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch, tm := range t.bursts {
		tm.Stop()
		delete(t.bursts, ch)
	}
	for ch, users := range t.remote {
		for _, e := range users {
			e.expiry.Stop()
		}
		delete(t.remote, ch)
	}
}

func (t *TypingTracker) notify(channelID string) {
	if t.OnUpdate != nil {
		t.OnUpdate(channelID)
	}
}
