package parley

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Message Store
// ============================================================================

// DefaultRetainLimit is the number of messages Cleanup keeps, counted from
// the highest display order down.
const DefaultRetainLimit = 50

// StoreOptions configures a MessageStore.
type StoreOptions struct {
	// RetainLimit caps the store size enforced by Cleanup. Zero means
	// DefaultRetainLimit.
	RetainLimit int

	Logger *slog.Logger
}

// MessageStore holds the session's messages for immediate rendering.
// Writes are applied optimistically before the server confirms them, and
// each message keeps the display slot it was assigned when first seen, so
// late confirmations and echoes never reshuffle the conversation.
//
// All methods are safe for concurrent use. Mutations run to completion
// before subscribers observe the result.
type MessageStore struct {
	mu         sync.Mutex
	messages   map[string]*Message
	byClientID map[string]string
	nextOrder  int
	retain     int
	logger     *slog.Logger

	subs    map[int]func([]Message)
	nextSub int
}

// NewMessageStore returns an empty store.
func NewMessageStore(opts *StoreOptions) *MessageStore {
	if opts == nil {
		opts = &StoreOptions{}
	}
	retain := opts.RetainLimit
	if retain <= 0 {
		retain = DefaultRetainLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageStore{
		messages:   make(map[string]*Message),
		byClientID: make(map[string]string),
		retain:     retain,
		logger:     logger,
		subs:       make(map[int]func([]Message)),
	}
}

// Add inserts a message and assigns it the next display order. The first
// message gets order 0. Status defaults to queued. Adding an id that is
// already present is logged and ignored.
func (s *MessageStore) Add(msg *Message) {
	if msg == nil || msg.ID == "" {
		return
	}
	s.mu.Lock()
	if _, ok := s.messages[msg.ID]; ok {
		s.mu.Unlock()
		s.logger.Warn("store: duplicate message id ignored", "id", msg.ID)
		return
	}
	m := msg.clone()
	if m.Status == "" {
		m.Status = StatusQueued
	}
	if m.QueuedAt.IsZero() {
		m.QueuedAt = time.Now()
	}
	m.DisplayOrder = s.nextOrder
	s.nextOrder++
	s.messages[m.ID] = m
	if m.ClientID != "" {
		s.byClientID[m.ClientID] = m.ID
	}
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(snap, subs)
}

// Get returns a copy of the message with the given id.
func (s *MessageStore) Get(id string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// FindByClientID returns a copy of the pending message carrying the given
// client-generated id, if any.
func (s *MessageStore) FindByClientID(clientID string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byClientID[clientID]
	if !ok {
		return nil, false
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// Len returns the number of stored messages, failed and tombstoned included.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// UpdateStatus advances a message through the queued -> processing ->
// displayed pipeline. Transitions only move forward; a regression is logged
// and ignored. Failed is terminal and reachable from queued or processing
// only. Unknown ids are logged and ignored.
func (s *MessageStore) UpdateStatus(id string, status MessageStatus) {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("store: status update for unknown message", "id", id, "status", status)
		return
	}
	if m.Status == status {
		s.mu.Unlock()
		return
	}
	if status == StatusFailed {
		if m.Status != StatusQueued && m.Status != StatusProcessing {
			s.mu.Unlock()
			s.logger.Warn("store: invalid transition to failed", "id", id, "from", m.Status)
			return
		}
	} else {
		if statusRank(status) < 0 || statusRank(status) <= statusRank(m.Status) || m.Status == StatusFailed {
			s.mu.Unlock()
			s.logger.Warn("store: status regression ignored", "id", id, "from", m.Status, "to", status)
			return
		}
	}
	now := time.Now()
	m.Status = status
	switch status {
	case StatusProcessing:
		if m.ProcessedAt == nil {
			m.ProcessedAt = &now
		}
	case StatusDisplayed:
		if m.DisplayedAt == nil {
			m.DisplayedAt = &now
		}
	}
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(snap, subs)
}

// Requeue moves a failed message back to queued for a manual retry. The
// display order is kept so the message returns to its original slot.
func (s *MessageStore) Requeue(id string) {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok || m.Status != StatusFailed {
		s.mu.Unlock()
		s.logger.Warn("store: requeue for non-failed message", "id", id)
		return
	}
	m.Status = StatusQueued
	m.QueuedAt = time.Now()
	m.ProcessedAt = nil
	m.DisplayedAt = nil
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(snap, subs)
}

// UpdateMessage applies a shallow-merge patch to an existing message.
// Unknown ids are logged and ignored.
func (s *MessageStore) UpdateMessage(id string, patch MessagePatch) {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("store: patch for unknown message", "id", id)
		return
	}
	if patch.OriginalText != nil {
		m.OriginalText = *patch.OriginalText
	}
	if patch.TranslatedText != nil {
		m.TranslatedText = *patch.TranslatedText
	}
	if patch.OriginalLanguage != nil {
		m.OriginalLanguage = *patch.OriginalLanguage
	}
	if patch.TargetLanguage != nil {
		m.TargetLanguage = *patch.TargetLanguage
	}
	if patch.IsEdited != nil {
		m.IsEdited = *patch.IsEdited
	}
	if patch.EditedAt != nil {
		m.EditedAt = patch.EditedAt
	}
	if patch.IsDeleted != nil {
		m.IsDeleted = *patch.IsDeleted
	}
	if patch.DeletedAt != nil {
		m.DeletedAt = patch.DeletedAt
	}
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(snap, subs)
}

// Tombstone marks a message as deleted while keeping its display slot, so
// surrounding messages do not shift.
func (s *MessageStore) Tombstone(id string) {
	now := time.Now()
	deleted := true
	empty := ""
	s.UpdateMessage(id, MessagePatch{
		IsDeleted:      &deleted,
		DeletedAt:      &now,
		OriginalText:   &empty,
		TranslatedText: &empty,
	})
}

// ConfirmMessage replaces the optimistic local id with the server-assigned
// identity, preserving display order, reactions, status, and the original
// queue timestamp. Returns false when the local id is unknown.
func (s *MessageStore) ConfirmMessage(localID string, server *Message) bool {
	if server == nil || server.ID == "" {
		return false
	}
	s.mu.Lock()
	local, ok := s.messages[localID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("store: confirm for unknown local message", "id", localID)
		return false
	}
	if _, exists := s.messages[server.ID]; exists && server.ID != localID {
		// The realtime echo won the race and was already merged under the
		// server id. Drop the stale optimistic entry.
		delete(s.messages, localID)
		if local.ClientID != "" {
			s.byClientID[local.ClientID] = server.ID
		}
		s.logger.Warn("store: confirm raced with echo, dropping local entry", "localId", localID, "id", server.ID)
		snap, subs := s.snapshotLocked()
		s.mu.Unlock()
		publish(snap, subs)
		return true
	}

	m := local
	delete(s.messages, localID)
	m.ID = server.ID
	if server.ClientID != "" {
		m.ClientID = server.ClientID
	}
	if server.OriginalText != "" {
		m.OriginalText = server.OriginalText
	}
	if server.TranslatedText != "" {
		m.TranslatedText = server.TranslatedText
	}
	if server.OriginalLanguage != "" {
		m.OriginalLanguage = server.OriginalLanguage
	}
	if server.TargetLanguage != "" {
		m.TargetLanguage = server.TargetLanguage
	}
	s.messages[m.ID] = m
	if m.ClientID != "" {
		s.byClientID[m.ClientID] = m.ID
	}
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(snap, subs)
	return true
}

// ============================================================================
// Reactions
// ============================================================================

// ToggleReaction adds the user's reaction if absent, removes it if present.
// Toggling twice restores the prior state. Unknown message ids are logged
// and ignored.
func (s *MessageStore) ToggleReaction(id, emoji, userID string) {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("store: reaction toggle for unknown message", "id", id, "emoji", emoji)
		return
	}
	if m.HasReacted(emoji, userID) {
		removeReaction(m, emoji, userID)
	} else {
		addReaction(m, emoji, userID)
	}
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(snap, subs)
}

// AddReaction records a user's reaction. A no-op when already present, so
// remote echoes of an optimistic toggle do not double-count.
func (s *MessageStore) AddReaction(id, emoji, userID string) {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("store: reaction add for unknown message", "id", id, "emoji", emoji)
		return
	}
	if m.HasReacted(emoji, userID) {
		s.mu.Unlock()
		return
	}
	addReaction(m, emoji, userID)
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(snap, subs)
}

// RemoveReaction removes a user's reaction. A no-op when absent.
func (s *MessageStore) RemoveReaction(id, emoji, userID string) {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("store: reaction remove for unknown message", "id", id, "emoji", emoji)
		return
	}
	if !m.HasReacted(emoji, userID) {
		s.mu.Unlock()
		return
	}
	removeReaction(m, emoji, userID)
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(snap, subs)
}

// SetReactions overwrites one emoji's user set with the authoritative
// server state. An empty set removes the group entirely.
func (s *MessageStore) SetReactions(id, emoji string, users []string) {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("store: reaction set for unknown message", "id", id, "emoji", emoji)
		return
	}
	idx := -1
	for i, g := range m.Reactions {
		if g.Emoji == emoji {
			idx = i
			break
		}
	}
	if len(users) == 0 {
		if idx >= 0 {
			m.Reactions = append(m.Reactions[:idx], m.Reactions[idx+1:]...)
		}
	} else {
		g := ReactionGroup{
			Emoji: emoji,
			Count: len(users),
			Users: append([]string(nil), users...),
		}
		if idx >= 0 {
			m.Reactions[idx] = g
		} else {
			m.Reactions = append(m.Reactions, g)
		}
	}
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(snap, subs)
}

func addReaction(m *Message, emoji, userID string) {
	for i, g := range m.Reactions {
		if g.Emoji == emoji {
			m.Reactions[i].Users = append(g.Users, userID)
			m.Reactions[i].Count = len(m.Reactions[i].Users)
			return
		}
	}
	m.Reactions = append(m.Reactions, ReactionGroup{
		Emoji: emoji,
		Count: 1,
		Users: []string{userID},
	})
}

func removeReaction(m *Message, emoji, userID string) {
	for i, g := range m.Reactions {
		if g.Emoji != emoji {
			continue
		}
		users := g.Users[:0]
		for _, u := range g.Users {
			if u != userID {
				users = append(users, u)
			}
		}
		if len(users) == 0 {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
		} else {
			m.Reactions[i].Users = users
			m.Reactions[i].Count = len(users)
		}
		return
	}
}

// ============================================================================
// Views and Retention
// ============================================================================

// DisplayMessages returns the renderable conversation: every message except
// failed ones, sorted by display order ascending. Tombstoned messages are
// included so their slots remain visible.
func (s *MessageStore) DisplayMessages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayLocked()
}

func (s *MessageStore) displayLocked() []Message {
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.Status == StatusFailed {
			continue
		}
		out = append(out, *m.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DisplayOrder < out[j].DisplayOrder
	})
	return out
}

// FailedMessages returns messages stuck in the failed state, sorted by
// display order, for retry and discard affordances.
func (s *MessageStore) FailedMessages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0)
	for _, m := range s.messages {
		if m.Status != StatusFailed {
			continue
		}
		out = append(out, *m.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DisplayOrder < out[j].DisplayOrder
	})
	return out
}

// Cleanup drops the oldest messages until the store holds at most the
// retain limit, keeping the entries with the highest display orders.
func (s *MessageStore) Cleanup() {
	s.mu.Lock()
	if len(s.messages) <= s.retain {
		s.mu.Unlock()
		return
	}
	all := make([]*Message, 0, len(s.messages))
	for _, m := range s.messages {
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].DisplayOrder > all[j].DisplayOrder
	})
	for _, m := range all[s.retain:] {
		delete(s.messages, m.ID)
		if m.ClientID != "" {
			delete(s.byClientID, m.ClientID)
		}
	}
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(snap, subs)
}

// Remove hard-deletes a message, used when discarding a failed local send
// that never reached the server. Remote deletions use Tombstone instead.
func (s *MessageStore) Remove(id string) {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.messages, id)
	if m.ClientID != "" {
		delete(s.byClientID, m.ClientID)
	}
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(snap, subs)
}

// Clear empties the store on session teardown.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	s.messages = make(map[string]*Message)
	s.byClientID = make(map[string]string)
	s.nextOrder = 0
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(snap, subs)
}

// ============================================================================
// Subscriptions
// ============================================================================

// Subscribe registers a callback invoked with a fresh display snapshot
// after every mutation. The returned function unsubscribes.
func (s *MessageStore) Subscribe(fn func([]Message)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *MessageStore) snapshotLocked() ([]Message, []func([]Message)) {
	if len(s.subs) == 0 {
		return nil, nil
	}
	subs := make([]func([]Message), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return s.displayLocked(), subs
}

func publish(snap []Message, subs []func([]Message)) {
	for _, fn := range subs {
		func() {
			defer func() {
				_ = recover()
			}()
			fn(snap)
		}()
	}
}
