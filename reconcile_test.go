package parley

import (
	"testing"
	"time"
)

// ============================================================================
// message.new
// ============================================================================

func TestReconcileMessageNew(t *testing.T) {
	t.Run("unknown message is added as displayed", func(t *testing.T) {
		s := newStoreForTest(0)
		msg := textMsg("srv-1", "u2", "bonjour")
		msg.TranslatedText = "hello"

		outcome := Reconcile(s, ChangeEvent{Type: EventMessageNew, Message: msg}, testLogger())
		if outcome.NeedsFetch {
			t.Fatal("unexpected fetch request")
		}
		m, ok := s.Get("srv-1")
		if !ok {
			t.Fatal("message not added")
		}
		if m.Status != StatusDisplayed {
			t.Fatalf("expected displayed, got %s", m.Status)
		}
		if m.TranslatedText != "hello" {
			t.Fatalf("translation lost: %q", m.TranslatedText)
		}
	})

	t.Run("echo of a known id merges instead of duplicating", func(t *testing.T) {
		s := newStoreForTest(0)
		existing := textMsg("srv-1", "u1", "hi")
		existing.Status = StatusDisplayed
		s.Add(existing)

		echo := textMsg("srv-1", "u1", "hi")
		echo.TranslatedText = "salut"
		Reconcile(s, ChangeEvent{Type: EventMessageNew, Message: echo}, testLogger())

		if s.Len() != 1 {
			t.Fatalf("echo created a duplicate: %d entries", s.Len())
		}
		m, _ := s.Get("srv-1")
		if m.TranslatedText != "salut" {
			t.Fatalf("echo content not merged: %q", m.TranslatedText)
		}
	})

	t.Run("echo of an optimistic send collapses onto the local entry", func(t *testing.T) {
		s := newStoreForTest(0)
		local := textMsg("local-abc", "u1", "hi")
		local.ClientID = "abc"
		s.Add(local)

		echo := textMsg("srv-9", "u1", "hi")
		echo.ClientID = "abc"
		echo.TranslatedText = "salut"
		Reconcile(s, ChangeEvent{Type: EventMessageNew, Message: echo}, testLogger())

		if s.Len() != 1 {
			t.Fatalf("expected single entry, got %d", s.Len())
		}
		if _, ok := s.Get("local-abc"); ok {
			t.Fatal("local id should have been remapped")
		}
		m, ok := s.Get("srv-9")
		if !ok {
			t.Fatal("server id missing")
		}
		if m.DisplayOrder != 0 {
			t.Fatalf("display slot lost: %d", m.DisplayOrder)
		}
		if m.Status != StatusDisplayed {
			t.Fatalf("expected displayed, got %s", m.Status)
		}
	})

	t.Run("missing message body is ignored", func(t *testing.T) {
		s := newStoreForTest(0)
		outcome := Reconcile(s, ChangeEvent{Type: EventMessageNew}, testLogger())
		if outcome.NeedsFetch || s.Len() != 0 {
			t.Fatalf("expected no-op, got %+v with %d entries", outcome, s.Len())
		}
	})

	t.Run("sends during a receive keep their relative order", func(t *testing.T) {
		s := newStoreForTest(0)
		mine := textMsg("local-a", "u1", "first")
		mine.ClientID = "a"
		s.Add(mine)

		Reconcile(s, ChangeEvent{Type: EventMessageNew, Message: textMsg("srv-r1", "u2", "theirs")}, testLogger())

		mine2 := textMsg("local-b", "u1", "second")
		mine2.ClientID = "b"
		s.Add(mine2)

		// The echo for the first send arrives late; nothing may reshuffle.
		echo := textMsg("srv-m1", "u1", "first")
		echo.ClientID = "a"
		Reconcile(s, ChangeEvent{Type: EventMessageNew, Message: echo}, testLogger())

		msgs := s.DisplayMessages()
		if len(msgs) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(msgs))
		}
		if msgs[0].ID != "srv-m1" || msgs[1].ID != "srv-r1" || msgs[2].ID != "local-b" {
			t.Fatalf("order broken: %s, %s, %s", msgs[0].ID, msgs[1].ID, msgs[2].ID)
		}
	})
}

// ============================================================================
// message.updated
// ============================================================================

func TestReconcileMessageUpdated(t *testing.T) {
	t.Run("edit patches content and clears stale translation", func(t *testing.T) {
		s := newStoreForTest(0)
		existing := textMsg("srv-1", "u2", "helo")
		existing.TranslatedText = "bonjou"
		existing.Status = StatusDisplayed
		s.Add(existing)

		now := time.Now()
		update := textMsg("srv-1", "u2", "hello")
		update.IsEdited = true
		update.EditedAt = &now
		Reconcile(s, ChangeEvent{Type: EventMessageUpdated, MessageID: "srv-1", Message: update}, testLogger())

		m, _ := s.Get("srv-1")
		if m.OriginalText != "hello" || !m.IsEdited || m.EditedAt == nil {
			t.Fatalf("edit not applied: %+v", m)
		}
		if m.TranslatedText != "" {
			t.Fatalf("stale translation kept: %q", m.TranslatedText)
		}
	})

	t.Run("re-translated text is applied", func(t *testing.T) {
		s := newStoreForTest(0)
		existing := textMsg("srv-1", "u2", "hello")
		existing.Status = StatusDisplayed
		s.Add(existing)

		update := textMsg("srv-1", "u2", "hello")
		update.IsEdited = true
		update.TranslatedText = "bonjour"
		Reconcile(s, ChangeEvent{Type: EventMessageUpdated, MessageID: "srv-1", Message: update}, testLogger())

		m, _ := s.Get("srv-1")
		if m.TranslatedText != "bonjour" {
			t.Fatalf("translation not applied: %q", m.TranslatedText)
		}
	})

	t.Run("unknown message requests a fetch", func(t *testing.T) {
		s := newStoreForTest(0)
		outcome := Reconcile(s, ChangeEvent{Type: EventMessageUpdated, MessageID: "ghost", Message: textMsg("ghost", "u2", "x")}, testLogger())
		if !outcome.NeedsFetch || outcome.MessageID != "ghost" {
			t.Fatalf("expected fetch for ghost, got %+v", outcome)
		}
	})

	t.Run("deletion wins over a late edit", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("srv-1", "u2", "doomed"))
		s.Tombstone("srv-1")

		update := textMsg("srv-1", "u2", "edited after delete")
		update.IsEdited = true
		Reconcile(s, ChangeEvent{Type: EventMessageUpdated, MessageID: "srv-1", Message: update}, testLogger())

		m, _ := s.Get("srv-1")
		if !m.IsDeleted || m.OriginalText != "" {
			t.Fatalf("late edit resurrected a tombstone: %+v", m)
		}
	})
}

// ============================================================================
// message.deleted
// ============================================================================

func TestReconcileMessageDeleted(t *testing.T) {
	t.Run("known message is tombstoned in place", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("srv-1", "u2", "one"))
		s.Add(textMsg("srv-2", "u2", "two"))

		Reconcile(s, ChangeEvent{Type: EventMessageDeleted, MessageID: "srv-1"}, testLogger())

		msgs := s.DisplayMessages()
		if len(msgs) != 2 {
			t.Fatalf("tombstone removed the slot: %d", len(msgs))
		}
		if !msgs[0].IsDeleted || msgs[0].OriginalText != "" {
			t.Fatalf("expected tombstone, got %+v", msgs[0])
		}
	})

	t.Run("unknown message is ignored without fetch", func(t *testing.T) {
		s := newStoreForTest(0)
		outcome := Reconcile(s, ChangeEvent{Type: EventMessageDeleted, MessageID: "ghost"}, testLogger())
		if outcome.NeedsFetch || s.Len() != 0 {
			t.Fatalf("expected no-op, got %+v", outcome)
		}
	})
}

// ============================================================================
// Reactions
// ============================================================================

func TestReconcileReactions(t *testing.T) {
	t.Run("remote add lands on a known message", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("srv-1", "u1", "hi"))

		Reconcile(s, ChangeEvent{Type: EventReactionAdded, MessageID: "srv-1", Emoji: "👍", UserID: "u2"}, testLogger())

		m, _ := s.Get("srv-1")
		if !m.HasReacted("👍", "u2") {
			t.Fatal("reaction not applied")
		}
	})

	t.Run("echo of an optimistic add does not double count", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("srv-1", "u1", "hi"))
		s.ToggleReaction("srv-1", "👍", "u1")

		Reconcile(s, ChangeEvent{Type: EventReactionAdded, MessageID: "srv-1", Emoji: "👍", UserID: "u1"}, testLogger())

		m, _ := s.Get("srv-1")
		if m.Reactions[0].Count != 1 {
			t.Fatalf("echo double counted: %+v", m.Reactions[0])
		}
	})

	t.Run("remote remove clears the reaction", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("srv-1", "u1", "hi"))
		s.ToggleReaction("srv-1", "👍", "u2")

		Reconcile(s, ChangeEvent{Type: EventReactionRemoved, MessageID: "srv-1", Emoji: "👍", UserID: "u2"}, testLogger())

		m, _ := s.Get("srv-1")
		if len(m.Reactions) != 0 {
			t.Fatalf("reaction not removed: %v", m.Reactions)
		}
	})

	t.Run("server user set is authoritative", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("srv-1", "u1", "hi"))
		s.ToggleReaction("srv-1", "👍", "u1")

		Reconcile(s, ChangeEvent{
			Type:      EventReactionAdded,
			MessageID: "srv-1",
			Emoji:     "👍",
			UserID:    "u3",
			Users:     []string{"u2", "u3"},
		}, testLogger())

		m, _ := s.Get("srv-1")
		g := m.Reactions[0]
		if g.Count != 2 || g.Users[0] != "u2" || g.Users[1] != "u3" {
			t.Fatalf("authoritative set not applied: %+v", g)
		}
	})

	t.Run("empty authoritative set clears the group", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("srv-1", "u1", "hi"))
		s.ToggleReaction("srv-1", "👍", "u1")

		Reconcile(s, ChangeEvent{
			Type:      EventReactionRemoved,
			MessageID: "srv-1",
			Emoji:     "👍",
			UserID:    "u1",
			Users:     []string{},
		}, testLogger())

		m, _ := s.Get("srv-1")
		if len(m.Reactions) != 0 {
			t.Fatalf("group not cleared: %v", m.Reactions)
		}
	})

	t.Run("reaction for unknown message requests a fetch", func(t *testing.T) {
		s := newStoreForTest(0)
		outcome := Reconcile(s, ChangeEvent{Type: EventReactionAdded, MessageID: "ghost", Emoji: "👍", UserID: "u2"}, testLogger())
		if !outcome.NeedsFetch || outcome.MessageID != "ghost" {
			t.Fatalf("expected fetch, got %+v", outcome)
		}
	})
}

// ============================================================================
// Non-message Events
// ============================================================================

func TestReconcileIgnoresNonMessageEvents(t *testing.T) {
	s := newStoreForTest(0)
	s.Add(textMsg("srv-1", "u1", "hi"))

	for _, typ := range []EventType{EventActivityChanged, EventParticipantJoined, EventParticipantLeft, EventType("wat")} {
		outcome := Reconcile(s, ChangeEvent{Type: typ, MessageID: "srv-1"}, testLogger())
		if outcome.NeedsFetch {
			t.Fatalf("%s should not request a fetch", typ)
		}
	}
	if s.Len() != 1 {
		t.Fatalf("store mutated by non-message events: %d", s.Len())
	}
}
