package parley

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Presence Tracker
// ============================================================================

// Presence expiry defaults.
const (
	DefaultTypingTimeout     = 3 * time.Second
	DefaultRecordingTimeout  = 60 * time.Second
	DefaultProcessingTimeout = 60 * time.Second
)

// PresenceOptions configures a PresenceTracker.
type PresenceOptions struct {
	TypingTimeout     time.Duration
	RecordingTimeout  time.Duration
	ProcessingTimeout time.Duration

	// OnExpire is invoked when a non-idle activity times out locally.
	OnExpire func(userID string, was Activity)

	Logger *slog.Logger
}

type presenceEntry struct {
	p     Presence
	timer *time.Timer
	gen   uint64
}

// PresenceTracker holds the ephemeral activity of each session participant.
// Activity is not persisted and never queued: a fresher state simply
// replaces the previous one. Non-idle states expire back to idle on a
// local timer, so a peer that stops reporting does not stay "typing"
// forever. Expiry is purely local and is not announced to the server.
type PresenceTracker struct {
	sessionID         string
	typingTimeout     time.Duration
	recordingTimeout  time.Duration
	processingTimeout time.Duration
	onExpire          func(string, Activity)
	logger            *slog.Logger

	mu      sync.Mutex
	entries map[string]*presenceEntry
	subs    map[int]func(Presence)
	nextSub int
	closed  bool
}

// NewPresenceTracker returns a tracker scoped to one session.
func NewPresenceTracker(sessionID string, opts *PresenceOptions) *PresenceTracker {
	if opts == nil {
		opts = &PresenceOptions{}
	}
	t := &PresenceTracker{
		sessionID:         sessionID,
		typingTimeout:     opts.TypingTimeout,
		recordingTimeout:  opts.RecordingTimeout,
		processingTimeout: opts.ProcessingTimeout,
		onExpire:          opts.OnExpire,
		logger:            opts.Logger,
		entries:           make(map[string]*presenceEntry),
		subs:              make(map[int]func(Presence)),
	}
	if t.typingTimeout <= 0 {
		t.typingTimeout = DefaultTypingTimeout
	}
	if t.recordingTimeout <= 0 {
		t.recordingTimeout = DefaultRecordingTimeout
	}
	if t.processingTimeout <= 0 {
		t.processingTimeout = DefaultProcessingTimeout
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// Set records a participant's current activity, replacing whatever was
// there before. Non-idle activities are re-armed with a fresh expiry
// timer, so repeated reports keep the state alive.
func (t *PresenceTracker) Set(userID string, activity Activity) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	entry, ok := t.entries[userID]
	if !ok {
		entry = &presenceEntry{p: Presence{SessionID: t.sessionID, UserID: userID}}
		t.entries[userID] = entry
	}
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.gen++
	entry.p.Activity = activity
	entry.p.UpdatedAt = time.Now()
	if activity != ActivityIdle {
		gen := entry.gen
		entry.timer = time.AfterFunc(t.timeoutFor(activity), func() {
			t.expire(userID, gen)
		})
	}
	p := entry.p
	subs := t.subsLocked()
	t.mu.Unlock()
	notifyPresence(p, subs)
}

// Get returns the tracked activity for one participant.
func (t *PresenceTracker) Get(userID string) (Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[userID]
	if !ok {
		return Presence{}, false
	}
	return entry.p, true
}

// All returns the activity of every tracked participant, ordered by user id.
func (t *PresenceTracker) All() []Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Presence, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry.p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Subscribe registers a callback invoked on every activity change,
// including local expiry. The returned function unsubscribes.
func (t *PresenceTracker) Subscribe(fn func(Presence)) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Close stops all expiry timers. Subsequent Sets are ignored.
func (t *PresenceTracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for _, entry := range t.entries {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
	}
	t.subs = make(map[int]func(Presence))
	t.mu.Unlock()
}

func (t *PresenceTracker) expire(userID string, gen uint64) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	entry, ok := t.entries[userID]
	if !ok || entry.gen != gen || entry.p.Activity == ActivityIdle {
		// A newer Set re-armed the entry after this timer was scheduled.
		t.mu.Unlock()
		return
	}
	was := entry.p.Activity
	entry.p.Activity = ActivityIdle
	entry.p.UpdatedAt = time.Now()
	entry.timer = nil
	p := entry.p
	subs := t.subsLocked()
	onExpire := t.onExpire
	t.mu.Unlock()

	t.logger.Debug("presence: activity expired", "user", userID, "was", was)
	if onExpire != nil {
		onExpire(userID, was)
	}
	notifyPresence(p, subs)
}

func (t *PresenceTracker) timeoutFor(activity Activity) time.Duration {
	switch activity {
	case ActivityRecording:
		return t.recordingTimeout
	case ActivityProcessing:
		return t.processingTimeout
	default:
		return t.typingTimeout
	}
}

func (t *PresenceTracker) subsLocked() []func(Presence) {
	if len(t.subs) == 0 {
		return nil
	}
	subs := make([]func(Presence), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	return subs
}

func notifyPresence(p Presence, subs []func(Presence)) {
	for _, fn := range subs {
		func() {
			defer func() {
				_ = recover()
			}()
			fn(p)
		}()
	}
}
