package parley

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the Parley API.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic Parley API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err converts a non-OK result into an error value.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return errors.New("request failed")
}

var (
	// ErrNotConnected is returned when a realtime command is sent without
	// an established connection.
	ErrNotConnected = errors.New("not connected")

	// ErrSessionClosed is returned by operations on a closed session client.
	ErrSessionClosed = errors.New("session closed")

	// ErrUnknownMessage is returned when an operation names a message id
	// that is not present in the local store.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrUnknownOp is returned when retrying or discarding an operation id
	// that is not queued.
	ErrUnknownOp = errors.New("unknown operation")

	// ErrOutboxClosed is returned when enqueueing into a closed outbox.
	ErrOutboxClosed = errors.New("outbox closed")
)

// ============================================================================
// Session Types
// ============================================================================

// Session is a paired conversation context identified by a short code.
type Session struct {
	ID           string        `json:"id"`
	Code         string        `json:"code"`
	HostID       string        `json:"hostId"`
	Status       string        `json:"status"`
	Participants []Participant `json:"participants,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	EndedAt      *time.Time    `json:"endedAt,omitempty"`
}

// Participant is one member of a session with their speaking language.
type Participant struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	Language    string    `json:"language"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// CreateSessionOptions configures Sessions.Create.
type CreateSessionOptions struct {
	DisplayName string `json:"displayName,omitempty"`
	Language    string `json:"language"`
}

// JoinSessionOptions configures Sessions.Join.
type JoinSessionOptions struct {
	DisplayName string `json:"displayName,omitempty"`
	Language    string `json:"language"`
}

// ============================================================================
// Message Types
// ============================================================================

// MessageStatus is the delivery state of a message in the local store.
type MessageStatus string

const (
	StatusQueued     MessageStatus = "queued"
	StatusProcessing MessageStatus = "processing"
	StatusDisplayed  MessageStatus = "displayed"
	StatusFailed     MessageStatus = "failed"
)

// statusRank orders the forward-only pipeline states. Failed is terminal
// and handled separately.
func statusRank(s MessageStatus) int {
	switch s {
	case StatusQueued:
		return 0
	case StatusProcessing:
		return 1
	case StatusDisplayed:
		return 2
	}
	return -1
}

// Message is one translated utterance in a session.
//
// ID is server-assigned once confirmed; optimistic local inserts carry a
// temporary "local-" id plus a ClientID that survives the remap, so the
// confirmation echo can be matched to the pending entry.
type Message struct {
	ID               string          `json:"id"`
	ClientID         string          `json:"clientId,omitempty"`
	SessionID        string          `json:"sessionId"`
	SenderID         string          `json:"senderId"`
	OriginalText     string          `json:"originalText"`
	TranslatedText   string          `json:"translatedText,omitempty"`
	OriginalLanguage string          `json:"originalLanguage,omitempty"`
	TargetLanguage   string          `json:"targetLanguage,omitempty"`
	Status           MessageStatus   `json:"status"`
	DisplayOrder     int             `json:"displayOrder"`
	QueuedAt         time.Time       `json:"queuedAt"`
	ProcessedAt      *time.Time      `json:"processedAt,omitempty"`
	DisplayedAt      *time.Time      `json:"displayedAt,omitempty"`
	IsEdited         bool            `json:"isEdited,omitempty"`
	EditedAt         *time.Time      `json:"editedAt,omitempty"`
	IsDeleted        bool            `json:"isDeleted,omitempty"`
	DeletedAt        *time.Time      `json:"deletedAt,omitempty"`
	Reactions        []ReactionGroup `json:"reactions,omitempty"`
}

// HasReacted reports whether userID reacted to the message with emoji.
// Derived per viewer, never persisted.
func (m *Message) HasReacted(emoji, userID string) bool {
	for _, g := range m.Reactions {
		if g.Emoji != emoji {
			continue
		}
		for _, u := range g.Users {
			if u == userID {
				return true
			}
		}
	}
	return false
}

func (m *Message) clone() *Message {
	c := *m
	if m.Reactions != nil {
		c.Reactions = make([]ReactionGroup, len(m.Reactions))
		for i, g := range m.Reactions {
			c.Reactions[i] = ReactionGroup{
				Emoji: g.Emoji,
				Count: g.Count,
				Users: append([]string(nil), g.Users...),
			}
		}
	}
	return &c
}

// ReactionGroup is the grouped view of one emoji on one message.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// MessagePatch is a shallow-merge update for an existing message.
// Nil fields are left untouched; a pointer to the zero value clears
// the field (e.g. an edit clears TranslatedText until re-translated).
type MessagePatch struct {
	OriginalText     *string
	TranslatedText   *string
	OriginalLanguage *string
	TargetLanguage   *string
	IsEdited         *bool
	EditedAt         *time.Time
	IsDeleted        *bool
	DeletedAt        *time.Time
}

// CreateMessageOptions is the payload for Messages.Create.
type CreateMessageOptions struct {
	ClientID         string `json:"clientId,omitempty"`
	OriginalText     string `json:"originalText"`
	TranslatedText   string `json:"translatedText,omitempty"`
	OriginalLanguage string `json:"originalLanguage,omitempty"`
	TargetLanguage   string `json:"targetLanguage,omitempty"`
}

// UpdateMessageOptions is the payload for Messages.Update.
type UpdateMessageOptions struct {
	OriginalText   string `json:"originalText,omitempty"`
	TranslatedText string `json:"translatedText,omitempty"`
	IsEdited       bool   `json:"isEdited,omitempty"`
}

// ============================================================================
// Sync Operation Types
// ============================================================================

// OpType tags a queued sync operation.
type OpType string

const (
	OpMessageSend    OpType = "message.send"
	OpMessageEdit    OpType = "message.edit"
	OpMessageDelete  OpType = "message.delete"
	OpReactionAdd    OpType = "reaction.add"
	OpReactionRemove OpType = "reaction.remove"
)

// Sync operation lifecycle states.
const (
	OpStatusPending = "pending"
	OpStatusFailed  = "failed"
)

// SyncOp is a durable, ordered write intent destined for the remote store.
// Sequence is assigned at enqueue time and defines replay order; an op is
// removed from storage only after a confirmed success.
type SyncOp struct {
	ID        string `json:"id"`
	Type      OpType `json:"type"`
	SessionID string `json:"sessionId"`
	Sequence  uint64 `json:"sequence"`

	// Replay fields, populated per op type.
	MessageID      string `json:"messageId,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	Text           string `json:"text,omitempty"`
	SourceLanguage string `json:"sourceLanguage,omitempty"`
	TargetLanguage string `json:"targetLanguage,omitempty"`
	Emoji          string `json:"emoji,omitempty"`
	UserID         string `json:"userId,omitempty"`

	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	Retries     int       `json:"retries"`
	LastAttempt time.Time `json:"lastAttempt"`
	Error       string    `json:"error,omitempty"`
}

// ============================================================================
// Change Events
// ============================================================================

// EventType identifies a normalized remote change.
type EventType string

const (
	EventMessageNew        EventType = "message.new"
	EventMessageUpdated    EventType = "message.updated"
	EventMessageDeleted    EventType = "message.deleted"
	EventReactionAdded     EventType = "reaction.added"
	EventReactionRemoved   EventType = "reaction.removed"
	EventActivityChanged   EventType = "activity.changed"
	EventParticipantJoined EventType = "participant.joined"
	EventParticipantLeft   EventType = "participant.left"
)

// ChangeEvent is the single input contract for reconciliation: every
// remote change, whatever its wire origin, is normalized into this shape
// before it touches the local store.
type ChangeEvent struct {
	Type      EventType
	SessionID string

	// Message events.
	Message *Message

	// Reaction events. Users, when non-nil, is the authoritative post-change
	// user set for the emoji and overrides any optimistic local state.
	MessageID string
	Emoji     string
	UserID    string
	Users     []string

	// Activity events.
	Activity Activity

	Timestamp time.Time
}

// ============================================================================
// Presence Types
// ============================================================================

// Activity is the ephemeral per-user state within a session.
type Activity string

const (
	ActivityIdle       Activity = "idle"
	ActivityRecording  Activity = "recording"
	ActivityProcessing Activity = "processing"
	ActivityTyping     Activity = "typing"
)

// Presence is the current activity of one session participant.
type Presence struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Activity  Activity  `json:"activity"`
	UpdatedAt time.Time `json:"updatedAt"`
}
