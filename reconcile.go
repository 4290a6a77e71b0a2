package parley

import (
	"log/slog"
)

// ============================================================================
// Reconciliation
// ============================================================================

// ReconcileOutcome reports what a merge could not resolve locally.
// NeedsFetch is set when an event references a message the store has never
// seen; the caller should fetch it by id and replay it as a new-message
// event rather than drop the change.
type ReconcileOutcome struct {
	NeedsFetch bool
	MessageID  string
}

// Reconcile merges one remote change into the store. It owns the collapse
// of optimistic local writes with their server echoes: an incoming message
// matching a known id or a pending client id updates that entry in place
// instead of inserting a duplicate, and status only ever moves forward.
//
// Reconcile is a pure function of the store and the event; it performs no
// I/O and is safe to call from any goroutine.
func Reconcile(store *MessageStore, ev ChangeEvent, logger *slog.Logger) ReconcileOutcome {
	if logger == nil {
		logger = slog.Default()
	}
	switch ev.Type {
	case EventMessageNew:
		return reconcileMessageNew(store, ev, logger)
	case EventMessageUpdated:
		return reconcileMessageUpdated(store, ev, logger)
	case EventMessageDeleted:
		return reconcileMessageDeleted(store, ev, logger)
	case EventReactionAdded, EventReactionRemoved:
		return reconcileReaction(store, ev, logger)
	case EventActivityChanged, EventParticipantJoined, EventParticipantLeft:
		// Presence and roster changes do not touch the message store.
		return ReconcileOutcome{}
	default:
		logger.Warn("reconcile: unhandled event type", "type", ev.Type)
		return ReconcileOutcome{}
	}
}

func reconcileMessageNew(store *MessageStore, ev ChangeEvent, logger *slog.Logger) ReconcileOutcome {
	msg := ev.Message
	if msg == nil || msg.ID == "" {
		logger.Warn("reconcile: message.new without message")
		return ReconcileOutcome{}
	}

	// Echo of a message we already hold: merge content, elevate status.
	if _, ok := store.Get(msg.ID); ok {
		store.UpdateMessage(msg.ID, contentPatch(msg))
		store.UpdateStatus(msg.ID, StatusDisplayed)
		return ReconcileOutcome{}
	}

	// Echo of our own optimistic send, arriving before the HTTP confirm:
	// remap the pending local entry so it keeps its display slot.
	if msg.ClientID != "" {
		if local, ok := store.FindByClientID(msg.ClientID); ok {
			store.ConfirmMessage(local.ID, msg)
			store.UpdateStatus(msg.ID, StatusDisplayed)
			return ReconcileOutcome{}
		}
	}

	// Genuinely new remote message: insert as displayed at the next slot.
	m := msg.clone()
	m.Status = StatusDisplayed
	store.Add(m)
	return ReconcileOutcome{}
}

func reconcileMessageUpdated(store *MessageStore, ev ChangeEvent, logger *slog.Logger) ReconcileOutcome {
	id := ev.MessageID
	if id == "" && ev.Message != nil {
		id = ev.Message.ID
	}
	local, ok := store.Get(id)
	if !ok {
		logger.Warn("reconcile: update for unknown message, fetching", "id", id)
		return ReconcileOutcome{NeedsFetch: true, MessageID: id}
	}
	if local.IsDeleted {
		// Deletions win over late edits.
		logger.Debug("reconcile: update for tombstoned message ignored", "id", id)
		return ReconcileOutcome{}
	}
	if ev.Message == nil {
		logger.Warn("reconcile: message.updated without message", "id", id)
		return ReconcileOutcome{}
	}

	patch := contentPatch(ev.Message)
	if ev.Message.IsEdited {
		edited := true
		patch.IsEdited = &edited
		patch.EditedAt = ev.Message.EditedAt
		if ev.Message.TranslatedText == "" {
			// Edited text invalidates the previous translation until the
			// re-translated version arrives.
			empty := ""
			patch.TranslatedText = &empty
		}
	}
	store.UpdateMessage(id, patch)
	store.UpdateStatus(id, StatusDisplayed)
	return ReconcileOutcome{}
}

func reconcileMessageDeleted(store *MessageStore, ev ChangeEvent, logger *slog.Logger) ReconcileOutcome {
	id := ev.MessageID
	if id == "" && ev.Message != nil {
		id = ev.Message.ID
	}
	if _, ok := store.Get(id); !ok {
		logger.Warn("reconcile: delete for unknown message ignored", "id", id)
		return ReconcileOutcome{}
	}
	store.Tombstone(id)
	return ReconcileOutcome{}
}

func reconcileReaction(store *MessageStore, ev ChangeEvent, logger *slog.Logger) ReconcileOutcome {
	if _, ok := store.Get(ev.MessageID); !ok {
		logger.Warn("reconcile: reaction for unknown message, fetching", "id", ev.MessageID)
		return ReconcileOutcome{NeedsFetch: true, MessageID: ev.MessageID}
	}
	if ev.Users != nil {
		// The server sent the full post-change user set: authoritative,
		// overwrites whatever optimistic state we hold.
		store.SetReactions(ev.MessageID, ev.Emoji, ev.Users)
		return ReconcileOutcome{}
	}
	switch ev.Type {
	case EventReactionAdded:
		store.AddReaction(ev.MessageID, ev.Emoji, ev.UserID)
	case EventReactionRemoved:
		store.RemoveReaction(ev.MessageID, ev.Emoji, ev.UserID)
	}
	return ReconcileOutcome{}
}

// contentPatch lifts the server-provided content fields into a patch,
// leaving empty fields untouched.
func contentPatch(msg *Message) MessagePatch {
	var patch MessagePatch
	if msg.OriginalText != "" {
		patch.OriginalText = &msg.OriginalText
	}
	if msg.TranslatedText != "" {
		patch.TranslatedText = &msg.TranslatedText
	}
	if msg.OriginalLanguage != "" {
		patch.OriginalLanguage = &msg.OriginalLanguage
	}
	if msg.TargetLanguage != "" {
		patch.TargetLanguage = &msg.TargetLanguage
	}
	return patch
}
