package parley

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStoreForTest(retain int) *MessageStore {
	return NewMessageStore(&StoreOptions{RetainLimit: retain, Logger: testLogger()})
}

func textMsg(id, sender, text string) *Message {
	return &Message{
		ID:           id,
		SessionID:    "sess-1",
		SenderID:     sender,
		OriginalText: text,
	}
}

// ============================================================================
// Add
// ============================================================================

func TestMessageStoreAdd(t *testing.T) {
	t.Run("assigns sequential display order from zero", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "first"))
		s.Add(textMsg("m2", "u1", "second"))
		s.Add(textMsg("m3", "u2", "third"))

		m1, _ := s.Get("m1")
		m2, _ := s.Get("m2")
		m3, _ := s.Get("m3")
		if m1.DisplayOrder != 0 || m2.DisplayOrder != 1 || m3.DisplayOrder != 2 {
			t.Fatalf("expected orders 0,1,2, got %d,%d,%d", m1.DisplayOrder, m2.DisplayOrder, m3.DisplayOrder)
		}
	})

	t.Run("defaults to queued with a queue timestamp", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "hello"))

		m, ok := s.Get("m1")
		if !ok {
			t.Fatal("message not stored")
		}
		if m.Status != StatusQueued {
			t.Fatalf("expected queued, got %s", m.Status)
		}
		if m.QueuedAt.IsZero() {
			t.Fatal("expected QueuedAt to be stamped")
		}
	})

	t.Run("keeps explicit status", func(t *testing.T) {
		s := newStoreForTest(0)
		msg := textMsg("m1", "u2", "from server")
		msg.Status = StatusDisplayed
		s.Add(msg)

		m, _ := s.Get("m1")
		if m.Status != StatusDisplayed {
			t.Fatalf("expected displayed, got %s", m.Status)
		}
	})

	t.Run("duplicate id is ignored", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "original"))
		s.Add(textMsg("m1", "u1", "duplicate"))

		if s.Len() != 1 {
			t.Fatalf("expected 1 message, got %d", s.Len())
		}
		m, _ := s.Get("m1")
		if m.OriginalText != "original" {
			t.Fatalf("duplicate overwrote message: %s", m.OriginalText)
		}
	})

	t.Run("indexes client id", func(t *testing.T) {
		s := newStoreForTest(0)
		msg := textMsg("local-abc", "u1", "hi")
		msg.ClientID = "abc"
		s.Add(msg)

		m, ok := s.FindByClientID("abc")
		if !ok {
			t.Fatal("expected client id lookup to succeed")
		}
		if m.ID != "local-abc" {
			t.Fatalf("expected local-abc, got %s", m.ID)
		}
	})

	t.Run("returned copies do not alias the store", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "hi"))
		s.AddReaction("m1", "👍", "u2")

		m, _ := s.Get("m1")
		m.OriginalText = "mutated"
		m.Reactions[0].Users[0] = "intruder"

		fresh, _ := s.Get("m1")
		if fresh.OriginalText != "hi" {
			t.Fatalf("store aliased returned message: %s", fresh.OriginalText)
		}
		if fresh.Reactions[0].Users[0] != "u2" {
			t.Fatalf("store aliased reactions: %v", fresh.Reactions[0].Users)
		}
	})
}

// ============================================================================
// Status Transitions
// ============================================================================

func TestMessageStoreUpdateStatus(t *testing.T) {
	t.Run("forward path stamps timestamps", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "hi"))

		s.UpdateStatus("m1", StatusProcessing)
		m, _ := s.Get("m1")
		if m.Status != StatusProcessing || m.ProcessedAt == nil {
			t.Fatalf("expected processing with timestamp, got %s %v", m.Status, m.ProcessedAt)
		}

		s.UpdateStatus("m1", StatusDisplayed)
		m, _ = s.Get("m1")
		if m.Status != StatusDisplayed || m.DisplayedAt == nil {
			t.Fatalf("expected displayed with timestamp, got %s %v", m.Status, m.DisplayedAt)
		}
	})

	t.Run("skipping processing is allowed", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "hi"))
		s.UpdateStatus("m1", StatusDisplayed)

		m, _ := s.Get("m1")
		if m.Status != StatusDisplayed {
			t.Fatalf("expected displayed, got %s", m.Status)
		}
	})

	t.Run("regression is ignored", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "hi"))
		s.UpdateStatus("m1", StatusDisplayed)
		s.UpdateStatus("m1", StatusProcessing)

		m, _ := s.Get("m1")
		if m.Status != StatusDisplayed {
			t.Fatalf("expected displayed after regression attempt, got %s", m.Status)
		}
	})

	t.Run("failed reachable from queued and processing only", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "hi"))
		s.UpdateStatus("m1", StatusFailed)
		m, _ := s.Get("m1")
		if m.Status != StatusFailed {
			t.Fatalf("expected failed from queued, got %s", m.Status)
		}

		s.Add(textMsg("m2", "u1", "hi"))
		s.UpdateStatus("m2", StatusDisplayed)
		s.UpdateStatus("m2", StatusFailed)
		m, _ = s.Get("m2")
		if m.Status != StatusDisplayed {
			t.Fatalf("expected displayed to stay, got %s", m.Status)
		}
	})

	t.Run("failed is terminal", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "hi"))
		s.UpdateStatus("m1", StatusFailed)
		s.UpdateStatus("m1", StatusDisplayed)

		m, _ := s.Get("m1")
		if m.Status != StatusFailed {
			t.Fatalf("expected failed to stay, got %s", m.Status)
		}
	})

	t.Run("unknown status is ignored", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "hi"))
		s.UpdateStatus("m1", MessageStatus("exploded"))

		m, _ := s.Get("m1")
		if m.Status != StatusQueued {
			t.Fatalf("expected queued, got %s", m.Status)
		}
	})

	t.Run("unknown id does not panic", func(t *testing.T) {
		s := newStoreForTest(0)
		s.UpdateStatus("ghost", StatusDisplayed)
	})
}

func TestMessageStoreRequeue(t *testing.T) {
	t.Run("failed goes back to queued", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "hi"))
		s.UpdateStatus("m1", StatusProcessing)
		s.UpdateStatus("m1", StatusFailed)

		s.Requeue("m1")
		m, _ := s.Get("m1")
		if m.Status != StatusQueued {
			t.Fatalf("expected queued, got %s", m.Status)
		}
		if m.ProcessedAt != nil || m.DisplayedAt != nil {
			t.Fatal("expected pipeline timestamps to be reset")
		}
	})

	t.Run("non-failed is ignored", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "hi"))
		s.UpdateStatus("m1", StatusDisplayed)

		s.Requeue("m1")
		m, _ := s.Get("m1")
		if m.Status != StatusDisplayed {
			t.Fatalf("expected displayed, got %s", m.Status)
		}
	})
}

// ============================================================================
// Display View
// ============================================================================

func TestMessageStoreDisplayMessages(t *testing.T) {
	t.Run("sorted by display order", func(t *testing.T) {
		s := newStoreForTest(0)
		for i := 0; i < 5; i++ {
			s.Add(textMsg(fmt.Sprintf("m%d", i), "u1", "x"))
		}
		msgs := s.DisplayMessages()
		if len(msgs) != 5 {
			t.Fatalf("expected 5, got %d", len(msgs))
		}
		for i, m := range msgs {
			if m.DisplayOrder != i {
				t.Fatalf("position %d has order %d", i, m.DisplayOrder)
			}
		}
	})

	t.Run("failed messages are hidden", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "ok"))
		s.Add(textMsg("m2", "u1", "doomed"))
		s.Add(textMsg("m3", "u1", "ok"))
		s.UpdateStatus("m2", StatusFailed)

		msgs := s.DisplayMessages()
		if len(msgs) != 2 {
			t.Fatalf("expected 2 visible, got %d", len(msgs))
		}
		if msgs[0].ID != "m1" || msgs[1].ID != "m3" {
			t.Fatalf("unexpected view: %s, %s", msgs[0].ID, msgs[1].ID)
		}

		failed := s.FailedMessages()
		if len(failed) != 1 || failed[0].ID != "m2" {
			t.Fatalf("expected m2 in failed view, got %v", failed)
		}
	})

	t.Run("requeued message becomes visible again", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "x"))
		s.Add(textMsg("m2", "u1", "y"))
		s.UpdateStatus("m2", StatusFailed)
		s.Requeue("m2")

		msgs := s.DisplayMessages()
		if len(msgs) != 2 {
			t.Fatalf("expected 2 visible, got %d", len(msgs))
		}
		if msgs[1].ID != "m2" || msgs[1].DisplayOrder != 1 {
			t.Fatalf("requeued message lost its slot: %+v", msgs[1])
		}
	})

	t.Run("tombstones keep their slot", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "one"))
		s.Add(textMsg("m2", "u1", "two"))
		s.Add(textMsg("m3", "u1", "three"))
		s.Tombstone("m2")

		msgs := s.DisplayMessages()
		if len(msgs) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(msgs))
		}
		m2 := msgs[1]
		if m2.ID != "m2" || !m2.IsDeleted {
			t.Fatalf("expected tombstoned m2 in the middle, got %+v", m2)
		}
		if m2.OriginalText != "" || m2.TranslatedText != "" {
			t.Fatal("expected tombstone text to be cleared")
		}
		if m2.DeletedAt == nil {
			t.Fatal("expected DeletedAt to be stamped")
		}
		if msgs[2].ID != "m3" || msgs[2].DisplayOrder != 2 {
			t.Fatal("surrounding messages shifted")
		}
	})
}

// ============================================================================
// Confirmation
// ============================================================================

func TestMessageStoreConfirmMessage(t *testing.T) {
	t.Run("remaps local id to server identity", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("anchor", "u2", "hello"))

		local := textMsg("local-abc", "u1", "draft text")
		local.ClientID = "abc"
		s.Add(local)
		s.AddReaction("local-abc", "👍", "u2")
		queuedAt, _ := s.Get("local-abc")

		server := textMsg("srv-42", "u1", "draft text")
		server.ClientID = "abc"
		server.TranslatedText = "texto traducido"
		if !s.ConfirmMessage("local-abc", server) {
			t.Fatal("confirm failed")
		}

		if _, ok := s.Get("local-abc"); ok {
			t.Fatal("local id still present")
		}
		m, ok := s.Get("srv-42")
		if !ok {
			t.Fatal("server id missing")
		}
		if m.DisplayOrder != 1 {
			t.Fatalf("display slot not preserved: %d", m.DisplayOrder)
		}
		if !m.QueuedAt.Equal(queuedAt.QueuedAt) {
			t.Fatal("queue timestamp not preserved")
		}
		if len(m.Reactions) != 1 || m.Reactions[0].Emoji != "👍" {
			t.Fatalf("reactions not preserved: %v", m.Reactions)
		}
		if m.TranslatedText != "texto traducido" {
			t.Fatalf("server fields not merged: %q", m.TranslatedText)
		}
		if byClient, _ := s.FindByClientID("abc"); byClient.ID != "srv-42" {
			t.Fatalf("client index not remapped: %s", byClient.ID)
		}
	})

	t.Run("unknown local id returns false", func(t *testing.T) {
		s := newStoreForTest(0)
		if s.ConfirmMessage("ghost", textMsg("srv-1", "u1", "x")) {
			t.Fatal("expected false for unknown local id")
		}
	})

	t.Run("nil server message returns false", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("local-a", "u1", "x"))
		if s.ConfirmMessage("local-a", nil) {
			t.Fatal("expected false for nil server message")
		}
	})

	t.Run("echo race drops the stale local entry", func(t *testing.T) {
		s := newStoreForTest(0)
		local := textMsg("local-abc", "u1", "hi")
		local.ClientID = "abc"
		s.Add(local)

		// The realtime echo landed first under the server id.
		echo := textMsg("srv-42", "u1", "hi")
		echo.Status = StatusDisplayed
		s.Add(echo)

		server := textMsg("srv-42", "u1", "hi")
		if !s.ConfirmMessage("local-abc", server) {
			t.Fatal("confirm should succeed")
		}
		if s.Len() != 1 {
			t.Fatalf("expected a single entry, got %d", s.Len())
		}
		msgs := s.DisplayMessages()
		if len(msgs) != 1 || msgs[0].ID != "srv-42" {
			t.Fatalf("expected only srv-42 visible, got %v", msgs)
		}
	})
}

// ============================================================================
// Reactions
// ============================================================================

func TestMessageStoreReactions(t *testing.T) {
	t.Run("toggle adds then removes", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "hi"))

		s.ToggleReaction("m1", "👍", "u2")
		m, _ := s.Get("m1")
		if len(m.Reactions) != 1 || m.Reactions[0].Count != 1 {
			t.Fatalf("expected one reaction, got %v", m.Reactions)
		}
		if !m.HasReacted("👍", "u2") {
			t.Fatal("expected u2 to have reacted")
		}

		s.ToggleReaction("m1", "👍", "u2")
		m, _ = s.Get("m1")
		if len(m.Reactions) != 0 {
			t.Fatalf("expected empty group to be dropped, got %v", m.Reactions)
		}
	})

	t.Run("two users aggregate under one emoji", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "hi"))
		s.ToggleReaction("m1", "👍", "u1")
		s.ToggleReaction("m1", "👍", "u2")

		m, _ := s.Get("m1")
		if len(m.Reactions) != 1 {
			t.Fatalf("expected one group, got %d", len(m.Reactions))
		}
		g := m.Reactions[0]
		if g.Count != 2 || len(g.Users) != 2 {
			t.Fatalf("expected count 2 with 2 users, got %+v", g)
		}
		if g.Users[0] != "u1" || g.Users[1] != "u2" {
			t.Fatalf("unexpected users: %v", g.Users)
		}
	})

	t.Run("count always matches user list", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "hi"))
		s.ToggleReaction("m1", "🎉", "u1")
		s.ToggleReaction("m1", "🎉", "u2")
		s.ToggleReaction("m1", "🎉", "u1")

		m, _ := s.Get("m1")
		g := m.Reactions[0]
		if g.Count != len(g.Users) || g.Count != 1 {
			t.Fatalf("count out of sync: %+v", g)
		}
		if g.Users[0] != "u2" {
			t.Fatalf("wrong survivor: %v", g.Users)
		}
	})

	t.Run("add is idempotent for remote echoes", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "hi"))
		s.ToggleReaction("m1", "👍", "u1")
		s.AddReaction("m1", "👍", "u1")

		m, _ := s.Get("m1")
		if m.Reactions[0].Count != 1 {
			t.Fatalf("echo double-counted: %+v", m.Reactions[0])
		}
	})

	t.Run("remove of absent reaction is a no-op", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "hi"))
		s.RemoveReaction("m1", "👍", "u1")

		m, _ := s.Get("m1")
		if len(m.Reactions) != 0 {
			t.Fatalf("unexpected reactions: %v", m.Reactions)
		}
	})

	t.Run("set overwrites with authoritative state", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "hi"))
		s.ToggleReaction("m1", "👍", "u1")

		s.SetReactions("m1", "👍", []string{"u2", "u3"})
		m, _ := s.Get("m1")
		g := m.Reactions[0]
		if g.Count != 2 || g.Users[0] != "u2" || g.Users[1] != "u3" {
			t.Fatalf("authoritative overwrite failed: %+v", g)
		}

		s.SetReactions("m1", "👍", nil)
		m, _ = s.Get("m1")
		if len(m.Reactions) != 0 {
			t.Fatalf("empty set should remove the group: %v", m.Reactions)
		}
	})
}

// ============================================================================
// Retention
// ============================================================================

func TestMessageStoreCleanup(t *testing.T) {
	t.Run("keeps the newest messages by display order", func(t *testing.T) {
		s := newStoreForTest(0)
		for i := 0; i < 60; i++ {
			s.Add(textMsg(fmt.Sprintf("m%d", i), "u1", "x"))
		}
		s.Cleanup()

		if s.Len() != DefaultRetainLimit {
			t.Fatalf("expected %d retained, got %d", DefaultRetainLimit, s.Len())
		}
		msgs := s.DisplayMessages()
		if msgs[0].ID != "m10" {
			t.Fatalf("expected oldest survivor m10, got %s", msgs[0].ID)
		}
		if msgs[len(msgs)-1].ID != "m59" {
			t.Fatalf("expected newest m59, got %s", msgs[len(msgs)-1].ID)
		}
		if _, ok := s.Get("m9"); ok {
			t.Fatal("expected m9 to be dropped")
		}
	})

	t.Run("under the limit nothing happens", func(t *testing.T) {
		s := newStoreForTest(10)
		for i := 0; i < 5; i++ {
			s.Add(textMsg(fmt.Sprintf("m%d", i), "u1", "x"))
		}
		s.Cleanup()
		if s.Len() != 5 {
			t.Fatalf("expected 5, got %d", s.Len())
		}
	})

	t.Run("dropped messages leave the client index", func(t *testing.T) {
		s := newStoreForTest(2)
		for i := 0; i < 4; i++ {
			msg := textMsg(fmt.Sprintf("m%d", i), "u1", "x")
			msg.ClientID = fmt.Sprintf("c%d", i)
			s.Add(msg)
		}
		s.Cleanup()
		if _, ok := s.FindByClientID("c0"); ok {
			t.Fatal("expected c0 to be dropped from the index")
		}
		if _, ok := s.FindByClientID("c3"); !ok {
			t.Fatal("expected c3 to survive")
		}
	})
}

func TestMessageStoreRemoveAndClear(t *testing.T) {
	t.Run("remove hard-deletes", func(t *testing.T) {
		s := newStoreForTest(0)
		msg := textMsg("local-a", "u1", "x")
		msg.ClientID = "a"
		s.Add(msg)
		s.Remove("local-a")

		if s.Len() != 0 {
			t.Fatalf("expected empty store, got %d", s.Len())
		}
		if _, ok := s.FindByClientID("a"); ok {
			t.Fatal("client index not cleaned")
		}
	})

	t.Run("clear resets display order", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "x"))
		s.Add(textMsg("m2", "u1", "y"))
		s.Clear()

		s.Add(textMsg("m3", "u1", "z"))
		m, _ := s.Get("m3")
		if m.DisplayOrder != 0 {
			t.Fatalf("expected order to restart at 0, got %d", m.DisplayOrder)
		}
	})
}

// ============================================================================
// Subscriptions
// ============================================================================

func TestMessageStoreSubscribe(t *testing.T) {
	t.Run("snapshot after every mutation", func(t *testing.T) {
		s := newStoreForTest(0)
		var calls [][]Message
		s.Subscribe(func(msgs []Message) {
			calls = append(calls, msgs)
		})

		s.Add(textMsg("m1", "u1", "x"))
		s.UpdateStatus("m1", StatusDisplayed)
		s.ToggleReaction("m1", "👍", "u2")

		if len(calls) != 3 {
			t.Fatalf("expected 3 notifications, got %d", len(calls))
		}
		last := calls[2]
		if len(last) != 1 || last[0].Status != StatusDisplayed || len(last[0].Reactions) != 1 {
			t.Fatalf("stale snapshot: %+v", last)
		}
	})

	t.Run("unsubscribe stops notifications", func(t *testing.T) {
		s := newStoreForTest(0)
		count := 0
		cancel := s.Subscribe(func([]Message) { count++ })

		s.Add(textMsg("m1", "u1", "x"))
		cancel()
		s.Add(textMsg("m2", "u1", "y"))

		if count != 1 {
			t.Fatalf("expected 1 notification, got %d", count)
		}
	})

	t.Run("panicking subscriber does not break others", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Subscribe(func([]Message) { panic("listener bug") })
		received := 0
		s.Subscribe(func([]Message) { received++ })

		s.Add(textMsg("m1", "u1", "x"))
		if received != 1 {
			t.Fatalf("expected surviving subscriber to fire, got %d", received)
		}
	})

	t.Run("failed messages never reach subscribers", func(t *testing.T) {
		s := newStoreForTest(0)
		s.Add(textMsg("m1", "u1", "x"))

		var last []Message
		s.Subscribe(func(msgs []Message) { last = msgs })
		s.UpdateStatus("m1", StatusFailed)

		if len(last) != 0 {
			t.Fatalf("expected failed message hidden from snapshot, got %v", last)
		}
	})
}
