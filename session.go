package parley

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// localIDPrefix marks optimistic message ids that have not been confirmed
// by the server yet.
const localIDPrefix = "local-"

// DefaultCleanupInterval is the period of the automatic store cleanup.
const DefaultCleanupInterval = 5 * time.Minute

// SessionGrant is the payload returned when creating or joining a session.
type SessionGrant struct {
	Session Session `json:"session"`
	UserID  string  `json:"userId"`
}

// SessionOptions configures a managed session client.
type SessionOptions struct {
	DisplayName string

	// Language is the local participant's speaking language.
	Language string

	// TargetLanguage is the translation target used until the partner's
	// language is known from the roster.
	TargetLanguage string

	// TranslationMode selects the register translations are produced in,
	// e.g. "casual" or "formal". Empty leaves it to the provider.
	TranslationMode string

	// Storage persists the sync queue and read bookmarks. Defaults to
	// in-memory storage, which does not survive restarts.
	Storage Storage

	Store    *StoreOptions
	Outbox   *OutboxOptions
	Presence *PresenceOptions
	Realtime *RealtimeConfig

	// Speech providers. Default to the hosted pipeline via Client.Speech().
	Translator  Translator
	Transcriber Transcriber
	Synthesizer Synthesizer

	CleanupInterval time.Duration
	Metrics         *Metrics
	Logger          *slog.Logger
}

// SessionClient is a live, managed session: it renders writes
// optimistically through the local store, replays them in order through
// the durable sync queue, reconciles the realtime feed back into the
// store, and tracks participant presence.
type SessionClient struct {
	client  *Client
	logger  *slog.Logger
	metrics *Metrics

	sessionID string
	userID    string
	language  string
	fallback  string
	mode      string

	store    *MessageStore
	outbox   *Outbox
	presence *PresenceTracker
	realtime *RealtimeClient
	storage  Storage

	translator  Translator
	transcriber Transcriber
	synthesizer Synthesizer

	mu         sync.Mutex
	session    Session
	closed     bool
	cancel     context.CancelFunc
	onOpFailed []func(*SyncOp, error)
	ownStorage bool
}

// StartSession creates a new session and returns a managed client bound
// to it. Share Session().Code with the other participant.
func (c *Client) StartSession(ctx context.Context, opts *SessionOptions) (*SessionClient, error) {
	if opts == nil {
		opts = &SessionOptions{}
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	result, err := c.Sessions().Create(ctx, &CreateSessionOptions{
		DisplayName: opts.DisplayName,
		Language:    opts.Language,
	})
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	var grant SessionGrant
	if err := result.Decode(&grant); err != nil {
		return nil, err
	}
	return c.bindSession(ctx, &grant, opts)
}

// JoinSession enters an existing session by its 4-digit code and returns
// a managed client bound to it.
func (c *Client) JoinSession(ctx context.Context, code string, opts *SessionOptions) (*SessionClient, error) {
	if opts == nil {
		opts = &SessionOptions{}
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	result, err := c.Sessions().Join(ctx, code, &JoinSessionOptions{
		DisplayName: opts.DisplayName,
		Language:    opts.Language,
	})
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	var grant SessionGrant
	if err := result.Decode(&grant); err != nil {
		return nil, err
	}
	return c.bindSession(ctx, &grant, opts)
}

func (c *Client) bindSession(ctx context.Context, grant *SessionGrant, opts *SessionOptions) (*SessionClient, error) {
	if grant.Session.ID == "" || grant.UserID == "" {
		return nil, errors.New("session grant missing identity")
	}
	logger := opts.Logger
	if logger == nil {
		logger = c.logger
	}
	logger = logger.With("session", grant.Session.ID)

	storage := opts.Storage
	ownStorage := false
	if storage == nil {
		storage = NewMemoryStorage()
		ownStorage = true
	}

	sc := &SessionClient{
		client:     c,
		logger:     logger,
		metrics:    opts.Metrics,
		sessionID:  grant.Session.ID,
		userID:     grant.UserID,
		language:   opts.Language,
		fallback:   opts.TargetLanguage,
		mode:       opts.TranslationMode,
		session:    grant.Session,
		storage:    storage,
		ownStorage: ownStorage,
	}

	storeOpts := opts.Store
	if storeOpts == nil {
		storeOpts = &StoreOptions{}
	}
	if storeOpts.Logger == nil {
		storeOpts.Logger = logger
	}
	sc.store = NewMessageStore(storeOpts)

	presOpts := opts.Presence
	if presOpts == nil {
		presOpts = &PresenceOptions{}
	}
	if presOpts.Logger == nil {
		presOpts.Logger = logger
	}
	if presOpts.OnExpire == nil {
		presOpts.OnExpire = func(string, Activity) { sc.metrics.incPresenceExpired() }
	}
	sc.presence = NewPresenceTracker(sc.sessionID, presOpts)

	obOpts := opts.Outbox
	if obOpts == nil {
		obOpts = &OutboxOptions{}
	}
	if obOpts.Logger == nil {
		obOpts.Logger = logger
	}
	if obOpts.Metrics == nil {
		obOpts.Metrics = opts.Metrics
	}
	outbox, err := NewOutbox(storage, sc.sessionID, sc.performOp, obOpts)
	if err != nil {
		return nil, err
	}
	sc.outbox = outbox
	sc.outbox.OnFailed(sc.handleOpFailed)

	sc.translator = opts.Translator
	if sc.translator == nil {
		sc.translator = c.Speech()
	}
	sc.transcriber = opts.Transcriber
	if sc.transcriber == nil {
		sc.transcriber = c.Speech()
	}
	sc.synthesizer = opts.Synthesizer
	if sc.synthesizer == nil {
		sc.synthesizer = c.Speech()
	}

	rtCfg := opts.Realtime
	if rtCfg == nil {
		rtCfg = &RealtimeConfig{AutoReconnect: true}
	}
	if rtCfg.Logger == nil {
		rtCfg.Logger = logger
	}
	sc.realtime = c.Realtime(rtCfg)
	sc.wireRealtime()

	if err := sc.realtime.Connect(ctx); err != nil {
		// The HTTP path is independent: keep queuing and sending, and let
		// the reconnect loop bring the feed up when it can.
		logger.Warn("session: realtime connect failed", "error", err)
		if rtCfg.AutoReconnect {
			sc.realtime.mu.Lock()
			sc.realtime.joinedSession = sc.sessionID
			sc.realtime.mu.Unlock()
			go sc.realtime.scheduleReconnect()
		}
	} else {
		if err := sc.realtime.JoinSession(ctx, sc.sessionID); err != nil {
			logger.Warn("session: join feed", "error", err)
		}
	}

	if err := sc.backfill(ctx); err != nil {
		logger.Warn("session: history backfill failed", "error", err)
	}
	sc.store.Cleanup()

	sc.outbox.Start()

	interval := opts.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	sc.cancel = cancel
	go sc.cleanupLoop(loopCtx, interval)

	logger.Info("session: ready", "user", sc.userID, "code", grant.Session.Code)
	return sc, nil
}

// ============================================================================
// Accessors
// ============================================================================

// Session returns a copy of the session metadata and roster.
func (sc *SessionClient) Session() Session {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	s := sc.session
	s.Participants = append([]Participant(nil), sc.session.Participants...)
	return s
}

// SessionID returns the session id.
func (sc *SessionClient) SessionID() string {
	return sc.sessionID
}

// UserID returns the local participant's id.
func (sc *SessionClient) UserID() string {
	return sc.userID
}

// Messages returns the current renderable conversation.
func (sc *SessionClient) Messages() []Message {
	return sc.store.DisplayMessages()
}

// FailedMessages returns messages whose delivery failed permanently.
func (sc *SessionClient) FailedMessages() []Message {
	return sc.store.FailedMessages()
}

// OnMessages subscribes to conversation snapshots. The callback fires
// after every store mutation. The returned function unsubscribes.
func (sc *SessionClient) OnMessages(fn func([]Message)) func() {
	return sc.store.Subscribe(fn)
}

// OnPresence subscribes to participant activity changes.
func (sc *SessionClient) OnPresence(fn func(Presence)) func() {
	return sc.presence.Subscribe(fn)
}

// OnOpFailed registers a callback for sync operations that failed
// permanently, after the store has been updated.
func (sc *SessionClient) OnOpFailed(fn func(*SyncOp, error)) {
	sc.mu.Lock()
	sc.onOpFailed = append(sc.onOpFailed, fn)
	sc.mu.Unlock()
}

// Presence returns the activity of every tracked participant.
func (sc *SessionClient) Presence() []Presence {
	return sc.presence.All()
}

// ConnectionState returns the realtime connection state.
func (sc *SessionClient) ConnectionState() RealtimeState {
	return sc.realtime.State()
}

// PendingOps returns the number of queued sync operations.
func (sc *SessionClient) PendingOps() int {
	return sc.outbox.Pending()
}

func (sc *SessionClient) isClosed() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.closed
}

// partnerLanguage resolves the translation target: the other
// participant's language when known, otherwise the configured fallback,
// otherwise the local language (which skips translation).
func (sc *SessionClient) partnerLanguage() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, p := range sc.session.Participants {
		if p.UserID != sc.userID && p.Language != "" {
			return p.Language
		}
	}
	if sc.fallback != "" {
		return sc.fallback
	}
	return sc.language
}

// recentContext returns up to n recent visible message texts, oldest
// first, as conversational context for the speech providers.
func (sc *SessionClient) recentContext(n int) []string {
	msgs := sc.store.DisplayMessages()
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	var out []string
	for _, m := range msgs {
		if m.IsDeleted || m.OriginalText == "" {
			continue
		}
		out = append(out, m.OriginalText)
	}
	return out
}

// ============================================================================
// Sending
// ============================================================================

// SendText inserts the message locally in queued state and enqueues its
// delivery. The returned message carries the optimistic local id; the id
// changes to the server-assigned one once confirmed, with the display
// slot preserved.
func (sc *SessionClient) SendText(ctx context.Context, text string) (*Message, error) {
	if sc.isClosed() {
		return nil, ErrSessionClosed
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty message")
	}

	clientID := uuid.NewString()
	localID := localIDPrefix + clientID
	msg := &Message{
		ID:               localID,
		ClientID:         clientID,
		SessionID:        sc.sessionID,
		SenderID:         sc.userID,
		OriginalText:     text,
		OriginalLanguage: sc.language,
		TargetLanguage:   sc.partnerLanguage(),
		Status:           StatusQueued,
		QueuedAt:         time.Now(),
	}
	sc.store.Add(msg)
	// Snapshot before enqueueing: a fast confirmation may remap the local
	// id to the server one while this call is still returning.
	out, _ := sc.store.Get(localID)

	op := &SyncOp{
		Type:           OpMessageSend,
		MessageID:      localID,
		ClientID:       clientID,
		Text:           text,
		SourceLanguage: msg.OriginalLanguage,
		TargetLanguage: msg.TargetLanguage,
		UserID:         sc.userID,
	}
	if err := sc.outbox.Enqueue(op); err != nil {
		sc.store.UpdateStatus(localID, StatusFailed)
		return nil, err
	}
	sc.metrics.incMessageSent()
	return out, nil
}

// SendVoice transcribes captured audio and sends the transcription as a
// message. The audio never leaves the device except for transcription.
func (sc *SessionClient) SendVoice(ctx context.Context, audio []byte, format string) (*Message, error) {
	if sc.isClosed() {
		return nil, ErrSessionClosed
	}
	if len(audio) == 0 {
		return nil, errors.New("empty audio")
	}
	sc.SetActivity(ctx, ActivityProcessing)
	defer sc.SetActivity(ctx, ActivityIdle)

	tr, err := sc.transcriber.Transcribe(ctx, &TranscribeRequest{
		Audio:       audio,
		Format:      format,
		Language:    sc.language,
		ContextHint: strings.Join(sc.recentContext(3), "\n"),
	})
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	return sc.SendText(ctx, tr.Text)
}

// Edit rewrites one of the local participant's messages. The previous
// translation is cleared until the re-translated text is confirmed.
func (sc *SessionClient) Edit(ctx context.Context, messageID, text string) error {
	if sc.isClosed() {
		return ErrSessionClosed
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("empty message")
	}
	msg, ok := sc.store.Get(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	if msg.SenderID != sc.userID {
		return errors.New("cannot edit another participant's message")
	}

	now := time.Now()
	edited := true
	empty := ""
	sc.store.UpdateMessage(messageID, MessagePatch{
		OriginalText:   &text,
		TranslatedText: &empty,
		IsEdited:       &edited,
		EditedAt:       &now,
	})

	return sc.outbox.Enqueue(&SyncOp{
		Type:           OpMessageEdit,
		MessageID:      messageID,
		ClientID:       msg.ClientID,
		Text:           text,
		SourceLanguage: msg.OriginalLanguage,
		TargetLanguage: msg.TargetLanguage,
		UserID:         sc.userID,
	})
}

// Delete tombstones one of the local participant's messages. The slot
// stays visible so surrounding messages do not shift.
func (sc *SessionClient) Delete(ctx context.Context, messageID string) error {
	if sc.isClosed() {
		return ErrSessionClosed
	}
	msg, ok := sc.store.Get(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	if msg.SenderID != sc.userID {
		return errors.New("cannot delete another participant's message")
	}

	sc.store.Tombstone(messageID)
	return sc.outbox.Enqueue(&SyncOp{
		Type:      OpMessageDelete,
		MessageID: messageID,
		ClientID:  msg.ClientID,
		UserID:    sc.userID,
	})
}

// ToggleReaction adds the local participant's reaction if absent, removes
// it if present. The local state decides which, so toggling works the
// same offline.
func (sc *SessionClient) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	if sc.isClosed() {
		return ErrSessionClosed
	}
	msg, ok := sc.store.Get(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	hadReacted := msg.HasReacted(emoji, sc.userID)
	sc.store.ToggleReaction(messageID, emoji, sc.userID)

	opType := OpReactionAdd
	if hadReacted {
		opType = OpReactionRemove
	}
	err := sc.outbox.Enqueue(&SyncOp{
		Type:      opType,
		MessageID: messageID,
		ClientID:  msg.ClientID,
		Emoji:     emoji,
		UserID:    sc.userID,
	})
	if err != nil {
		return err
	}
	sc.metrics.incReactions()
	return nil
}

// RetryMessage re-arms the failed operation behind a message and requeues
// the message itself.
func (sc *SessionClient) RetryMessage(messageID string) error {
	for _, op := range sc.outbox.FailedOps() {
		if op.MessageID != messageID {
			continue
		}
		if op.Type == OpMessageSend {
			sc.store.Requeue(messageID)
		}
		return sc.outbox.RetryFailed(op.ID)
	}
	return ErrUnknownOp
}

// DiscardMessage drops the failed operation behind a message. A failed
// send that never reached the server is removed from the store entirely.
func (sc *SessionClient) DiscardMessage(messageID string) error {
	for _, op := range sc.outbox.FailedOps() {
		if op.MessageID != messageID {
			continue
		}
		if _, err := sc.outbox.DiscardFailed(op.ID); err != nil {
			return err
		}
		if op.Type == OpMessageSend {
			sc.store.Remove(messageID)
		}
		return nil
	}
	return ErrUnknownOp
}

// Speak synthesizes a message's translated text as audio.
func (sc *SessionClient) Speak(ctx context.Context, messageID string) (*SpeechAudio, error) {
	msg, ok := sc.store.Get(messageID)
	if !ok {
		return nil, ErrUnknownMessage
	}
	text := msg.TranslatedText
	lang := msg.TargetLanguage
	if text == "" {
		text = msg.OriginalText
		lang = msg.OriginalLanguage
	}
	if text == "" {
		return nil, errors.New("nothing to speak")
	}
	return sc.synthesizer.Synthesize(ctx, &SynthesizeRequest{Text: text, Language: lang})
}

// SetActivity reports the local participant's activity. Activity is
// ephemeral: it is never queued, and a send failure only means the peer
// misses one transition.
func (sc *SessionClient) SetActivity(ctx context.Context, activity Activity) {
	if sc.isClosed() {
		return
	}
	sc.presence.Set(sc.userID, activity)
	if err := sc.realtime.SetActivity(ctx, sc.sessionID, activity); err != nil && !errors.Is(err, ErrNotConnected) {
		sc.logger.Debug("session: activity report failed", "error", err)
	}
}

// MarkRead durably records the last message the local participant has
// seen.
func (sc *SessionClient) MarkRead(messageID string) error {
	return sc.storage.SetBookmark(sc.sessionID, sc.userID, messageID)
}

// LastRead returns the durably recorded read bookmark, if any.
func (sc *SessionClient) LastRead() (string, error) {
	return sc.storage.Bookmark(sc.sessionID, sc.userID)
}

// ============================================================================
// Operation Replay
// ============================================================================

// performOp replays one queued operation against the API. Results are
// discarded when the session has been torn down in the meantime.
func (sc *SessionClient) performOp(ctx context.Context, op *SyncOp) error {
	if op.SessionID != sc.sessionID {
		return backoff.Permanent(fmt.Errorf("op for session %s on session %s", op.SessionID, sc.sessionID))
	}
	switch op.Type {
	case OpMessageSend:
		return sc.sendMessageOp(ctx, op)
	case OpMessageEdit:
		return sc.editMessageOp(ctx, op)
	case OpMessageDelete:
		return sc.deleteMessageOp(ctx, op)
	case OpReactionAdd, OpReactionRemove:
		return sc.reactionOp(ctx, op)
	default:
		return backoff.Permanent(fmt.Errorf("unknown op type %q", op.Type))
	}
}

func (sc *SessionClient) sendMessageOp(ctx context.Context, op *SyncOp) error {
	sc.store.UpdateStatus(op.MessageID, StatusProcessing)

	translated := ""
	if op.TargetLanguage != "" && op.TargetLanguage != op.SourceLanguage {
		tr, err := sc.translator.Translate(ctx, &TranslateRequest{
			Text:           op.Text,
			SourceLanguage: op.SourceLanguage,
			TargetLanguage: op.TargetLanguage,
			Mode:           sc.mode,
			Context:        sc.recentContext(5),
		})
		if err != nil {
			return fmt.Errorf("translate: %w", err)
		}
		translated = tr.TranslatedText
	}

	result, err := sc.client.Messages().Create(ctx, sc.sessionID, &CreateMessageOptions{
		ClientID:         op.ClientID,
		OriginalText:     op.Text,
		TranslatedText:   translated,
		OriginalLanguage: op.SourceLanguage,
		TargetLanguage:   op.TargetLanguage,
	})
	if err != nil {
		return err
	}
	if err := result.Err(); err != nil {
		return err
	}
	var confirmed Message
	if err := result.Decode(&confirmed); err != nil {
		return backoff.Permanent(fmt.Errorf("decode message: %w", err))
	}

	if sc.isClosed() || (confirmed.SessionID != "" && confirmed.SessionID != sc.sessionID) {
		return nil
	}
	sc.store.ConfirmMessage(op.MessageID, &confirmed)
	sc.store.UpdateStatus(confirmed.ID, StatusDisplayed)
	return nil
}

func (sc *SessionClient) editMessageOp(ctx context.Context, op *SyncOp) error {
	id, err := sc.resolveOpMessageID(op)
	if err != nil {
		return err
	}

	translated := ""
	if op.TargetLanguage != "" && op.TargetLanguage != op.SourceLanguage {
		tr, err := sc.translator.Translate(ctx, &TranslateRequest{
			Text:           op.Text,
			SourceLanguage: op.SourceLanguage,
			TargetLanguage: op.TargetLanguage,
			Mode:           sc.mode,
			Context:        sc.recentContext(5),
		})
		if err != nil {
			return fmt.Errorf("translate: %w", err)
		}
		translated = tr.TranslatedText
	}

	result, err := sc.client.Messages().Update(ctx, sc.sessionID, id, &UpdateMessageOptions{
		OriginalText:   op.Text,
		TranslatedText: translated,
		IsEdited:       true,
	})
	if err != nil {
		return err
	}
	if err := result.Err(); err != nil {
		return err
	}

	if sc.isClosed() {
		return nil
	}
	if translated != "" {
		sc.store.UpdateMessage(id, MessagePatch{TranslatedText: &translated})
	}
	return nil
}

func (sc *SessionClient) deleteMessageOp(ctx context.Context, op *SyncOp) error {
	id, err := sc.resolveOpMessageID(op)
	if err != nil {
		return err
	}
	result, err := sc.client.Messages().Delete(ctx, sc.sessionID, id)
	if err != nil {
		return err
	}
	return result.Err()
}

func (sc *SessionClient) reactionOp(ctx context.Context, op *SyncOp) error {
	id, err := sc.resolveOpMessageID(op)
	if err != nil {
		return err
	}
	var result *Result
	if op.Type == OpReactionAdd {
		result, err = sc.client.Reactions().Add(ctx, sc.sessionID, id, op.Emoji)
	} else {
		result, err = sc.client.Reactions().Remove(ctx, sc.sessionID, id, op.Emoji)
	}
	if err != nil {
		return err
	}
	return result.Err()
}

// resolveOpMessageID maps an optimistic local id to the server identity
// assigned when the send ahead of it in the queue was confirmed. An op on
// a message that never got a server identity cannot be replayed.
func (sc *SessionClient) resolveOpMessageID(op *SyncOp) (string, error) {
	id := op.MessageID
	if !strings.HasPrefix(id, localIDPrefix) {
		return id, nil
	}
	if op.ClientID != "" {
		if m, ok := sc.store.FindByClientID(op.ClientID); ok && !strings.HasPrefix(m.ID, localIDPrefix) {
			return m.ID, nil
		}
	}
	return "", backoff.Permanent(fmt.Errorf("message %s has no server identity", id))
}

func (sc *SessionClient) handleOpFailed(op *SyncOp, err error) {
	if op.Type == OpMessageSend {
		sc.store.UpdateStatus(op.MessageID, StatusFailed)
	} else {
		sc.logger.Warn("session: op failed", "type", op.Type, "message", op.MessageID, "error", err)
	}
	sc.mu.Lock()
	callbacks := append(([]func(*SyncOp, error))(nil), sc.onOpFailed...)
	sc.mu.Unlock()
	for _, fn := range callbacks {
		fn(op, err)
	}
}

// ============================================================================
// Remote Changes
// ============================================================================

func (sc *SessionClient) wireRealtime() {
	rt := sc.realtime

	rt.OnConnected(func() {
		sc.outbox.SetOnline(true)
	})
	rt.OnDisconnected(func(code int, reason string) {
		sc.outbox.SetOnline(false)
	})
	rt.OnReconnecting(func(attempt int, delay time.Duration) {
		sc.metrics.incReconnects()
	})

	rt.OnMessageNew(func(p MessageEventPayload) {
		sc.handleMessageEvent(EventMessageNew, p)
	})
	rt.OnMessageUpdated(func(p MessageEventPayload) {
		sc.handleMessageEvent(EventMessageUpdated, p)
	})
	rt.OnMessageDeleted(func(p MessageEventPayload) {
		sc.handleMessageEvent(EventMessageDeleted, p)
	})
	rt.OnReactionAdded(func(p ReactionEventPayload) {
		sc.handleReactionEvent(EventReactionAdded, p)
	})
	rt.OnReactionRemoved(func(p ReactionEventPayload) {
		sc.handleReactionEvent(EventReactionRemoved, p)
	})
	rt.OnActivity(func(p ActivityEventPayload) {
		sc.handleActivity(p)
	})
	rt.OnParticipantJoined(func(p ParticipantEventPayload) {
		sc.handleParticipantJoined(p)
	})
	rt.OnParticipantLeft(func(p ParticipantEventPayload) {
		sc.handleParticipantLeft(p)
	})
}

func (sc *SessionClient) handleMessageEvent(t EventType, p MessageEventPayload) {
	if sc.isClosed() {
		return
	}
	if p.SessionID != "" && p.SessionID != sc.sessionID {
		sc.logger.Debug("session: event for other session dropped", "event", t, "got", p.SessionID)
		return
	}
	m := p.Message
	if t == EventMessageNew && m.SenderID != sc.userID {
		sc.metrics.incMessageReceived()
	}
	sc.applyChange(ChangeEvent{
		Type:      t,
		SessionID: sc.sessionID,
		Message:   &m,
		MessageID: m.ID,
	})
}

func (sc *SessionClient) handleReactionEvent(t EventType, p ReactionEventPayload) {
	if sc.isClosed() {
		return
	}
	if p.SessionID != "" && p.SessionID != sc.sessionID {
		return
	}
	sc.applyChange(ChangeEvent{
		Type:      t,
		SessionID: sc.sessionID,
		MessageID: p.MessageID,
		Emoji:     p.Emoji,
		UserID:    p.UserID,
		Users:     p.Users,
	})
}

func (sc *SessionClient) applyChange(ev ChangeEvent) {
	outcome := Reconcile(sc.store, ev, sc.logger)
	if outcome.NeedsFetch {
		go sc.fetchMessage(outcome.MessageID)
	}
}

// fetchMessage recovers a message referenced by an event we could not
// apply, then replays it as a new-message change.
func (sc *SessionClient) fetchMessage(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := sc.client.Messages().Get(ctx, sc.sessionID, messageID)
	if err != nil {
		sc.logger.Warn("session: fetch message", "id", messageID, "error", err)
		return
	}
	if err := result.Err(); err != nil {
		sc.logger.Warn("session: fetch message", "id", messageID, "error", err)
		return
	}
	var msg Message
	if err := result.Decode(&msg); err != nil {
		sc.logger.Warn("session: decode fetched message", "id", messageID, "error", err)
		return
	}
	if sc.isClosed() || (msg.SessionID != "" && msg.SessionID != sc.sessionID) {
		return
	}
	sc.applyChange(ChangeEvent{
		Type:      EventMessageNew,
		SessionID: sc.sessionID,
		Message:   &msg,
		MessageID: msg.ID,
	})
}

func (sc *SessionClient) handleActivity(p ActivityEventPayload) {
	if sc.isClosed() || p.UserID == sc.userID {
		return
	}
	if p.SessionID != "" && p.SessionID != sc.sessionID {
		return
	}
	sc.presence.Set(p.UserID, p.Activity)
}

func (sc *SessionClient) handleParticipantJoined(p ParticipantEventPayload) {
	if sc.isClosed() {
		return
	}
	sc.mu.Lock()
	found := false
	for _, existing := range sc.session.Participants {
		if existing.UserID == p.UserID {
			found = true
			break
		}
	}
	if !found {
		sc.session.Participants = append(sc.session.Participants, Participant{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Language:    p.Language,
			JoinedAt:    time.Now(),
		})
	}
	sc.mu.Unlock()
	if !found {
		sc.logger.Info("session: participant joined", "user", p.UserID, "language", p.Language)
		sc.presence.Set(p.UserID, ActivityIdle)
	}
}

func (sc *SessionClient) handleParticipantLeft(p ParticipantEventPayload) {
	if sc.isClosed() {
		return
	}
	sc.mu.Lock()
	participants := sc.session.Participants[:0]
	for _, existing := range sc.session.Participants {
		if existing.UserID != p.UserID {
			participants = append(participants, existing)
		}
	}
	sc.session.Participants = participants
	sc.mu.Unlock()
	sc.logger.Info("session: participant left", "user", p.UserID)
}

// backfill seeds the store from recent history. History arrives newest
// first; replaying oldest first keeps display order chronological.
func (sc *SessionClient) backfill(ctx context.Context) error {
	result, err := sc.client.Messages().History(ctx, sc.sessionID, DefaultRetainLimit, "")
	if err != nil {
		return err
	}
	if err := result.Err(); err != nil {
		return err
	}
	var msgs []Message
	if err := result.Decode(&msgs); err != nil {
		return err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		sc.applyChange(ChangeEvent{
			Type:      EventMessageNew,
			SessionID: sc.sessionID,
			Message:   &m,
			MessageID: m.ID,
		})
	}
	return nil
}

func (sc *SessionClient) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.store.Cleanup()
		}
	}
}

// ============================================================================
// Teardown
// ============================================================================

// Close tears the session down locally: the realtime feed disconnects,
// the sync queue stops (persisted ops are kept for the next start), and
// the store is cleared. In-flight results arriving after Close are
// discarded.
func (sc *SessionClient) Close() error {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return nil
	}
	sc.closed = true
	cancel := sc.cancel
	sc.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	sc.outbox.Close()
	sc.presence.Close()
	err := sc.realtime.Disconnect()
	sc.store.Clear()
	if sc.ownStorage {
		if cerr := sc.storage.Close(); err == nil {
			err = cerr
		}
	}
	sc.logger.Info("session: closed")
	return err
}

// Leave notifies the server and closes the session client.
func (sc *SessionClient) Leave(ctx context.Context) error {
	result, err := sc.client.Sessions().Leave(ctx, sc.sessionID)
	closeErr := sc.Close()
	if err != nil {
		return err
	}
	if rerr := result.Err(); rerr != nil {
		return rerr
	}
	return closeErr
}
