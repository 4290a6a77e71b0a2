package parley

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// ============================================================================
// Sync Operation Queue
// ============================================================================

// Outbox defaults.
const (
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultFlushInterval  = 1 * time.Second
)

// Sender replays one queued operation against the remote store. Returning
// nil acknowledges the op. Errors wrapped with backoff.Permanent, and API
// rejections that are not retryable, fail the op without further attempts.
type Sender func(ctx context.Context, op *SyncOp) error

// OutboxOptions configures an Outbox.
type OutboxOptions struct {
	// MaxRetries bounds attempts per op before it is parked as failed.
	// Zero means DefaultMaxRetries.
	MaxRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// FlushInterval is the period of the background drain tick.
	FlushInterval time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

// Outbox is a durable queue of write intents, drained strictly in the
// sequence order assigned at enqueue time. A retrying op blocks everything
// behind it until it succeeds or exhausts its retry budget; ops that fail
// permanently are parked for manual retry or discard and stop blocking.
//
// Draining pauses while offline and resumes on SetOnline(true).
type Outbox struct {
	storage   Storage
	sessionID string
	send      Sender

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	flushInterval  time.Duration
	logger         *slog.Logger
	metrics        *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}

	mu       sync.Mutex
	nextSeq  uint64
	online   bool
	draining bool
	started  bool
	stopped  bool
	onFailed func(*SyncOp, error)
	onSent   func(*SyncOp)
}

// NewOutbox builds an outbox bound to one session. The next sequence number
// is recovered from storage, so ops enqueued after a restart sort behind
// everything already persisted. Call Start to run the background drain.
func NewOutbox(storage Storage, sessionID string, send Sender, opts *OutboxOptions) (*Outbox, error) {
	if storage == nil {
		return nil, errors.New("outbox: nil storage")
	}
	if send == nil {
		return nil, errors.New("outbox: nil sender")
	}
	if opts == nil {
		opts = &OutboxOptions{}
	}
	o := &Outbox{
		storage:        storage,
		sessionID:      sessionID,
		send:           send,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		flushInterval:  opts.FlushInterval,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		stopCh:         make(chan struct{}),
		online:         true,
	}
	if o.maxRetries <= 0 {
		o.maxRetries = DefaultMaxRetries
	}
	if o.initialBackoff <= 0 {
		o.initialBackoff = DefaultInitialBackoff
	}
	if o.maxBackoff <= 0 {
		o.maxBackoff = DefaultMaxBackoff
	}
	if o.flushInterval <= 0 {
		o.flushInterval = DefaultFlushInterval
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())

	seq, err := storage.Sequence(sessionID)
	if err != nil {
		return nil, err
	}
	pending, err := storage.PendingOps(sessionID)
	if err != nil {
		return nil, err
	}
	for _, op := range pending {
		if op.Sequence > seq {
			seq = op.Sequence
		}
	}
	o.nextSeq = seq + 1
	o.updateDepth(pending)
	return o, nil
}

// Start launches the periodic background drain.
func (o *Outbox) Start() {
	o.mu.Lock()
	if o.started || o.stopped {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()
	go o.flushLoop()
}

// Close stops draining. Persisted pending ops are kept for the next start.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()
	o.cancel()
	close(o.stopCh)
}

// Enqueue assigns the op its id and sequence, persists it, and triggers a
// drain when online. The op is durable before Enqueue returns.
func (o *Outbox) Enqueue(op *SyncOp) error {
	if op == nil {
		return errors.New("outbox: nil op")
	}
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrOutboxClosed
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.SessionID = o.sessionID
	op.Sequence = o.nextSeq
	op.Status = OpStatusPending
	op.CreatedAt = time.Now()
	op.Retries = 0
	if err := o.storage.PutOp(op); err != nil {
		o.mu.Unlock()
		return err
	}
	o.nextSeq++
	if err := o.storage.SetSequence(o.sessionID, op.Sequence); err != nil {
		o.logger.Warn("outbox: persist sequence", "error", err)
	}
	online := o.online
	o.mu.Unlock()

	o.metrics.incEnqueued()
	o.refreshDepth()
	o.logger.Debug("outbox: enqueued", "op", op.ID, "type", op.Type, "seq", op.Sequence)
	if online {
		go o.Drain()
	}
	return nil
}

// SetOnline flips connectivity. Going online resumes draining; going
// offline pauses it after the in-flight attempt.
func (o *Outbox) SetOnline(online bool) {
	o.mu.Lock()
	was := o.online
	o.online = online
	stopped := o.stopped
	o.mu.Unlock()
	if stopped || online == was {
		return
	}
	if online {
		o.logger.Info("outbox: online, resuming drain")
		go o.Drain()
	} else {
		o.logger.Info("outbox: offline, drain paused")
	}
}

// Online reports current connectivity.
func (o *Outbox) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// OnFailed registers a callback for ops that exhaust their retry budget or
// hit a permanent rejection.
func (o *Outbox) OnFailed(fn func(op *SyncOp, err error)) {
	o.mu.Lock()
	o.onFailed = fn
	o.mu.Unlock()
}

// OnSent registers a callback for acknowledged ops.
func (o *Outbox) OnSent(fn func(op *SyncOp)) {
	o.mu.Lock()
	o.onSent = fn
	o.mu.Unlock()
}

// Pending returns the number of ops waiting to be sent.
func (o *Outbox) Pending() int {
	ops, err := o.storage.PendingOps(o.sessionID)
	if err != nil {
		return 0
	}
	n := 0
	for _, op := range ops {
		if op.Status == OpStatusPending {
			n++
		}
	}
	return n
}

// FailedOps returns parked ops awaiting manual retry or discard.
func (o *Outbox) FailedOps() []*SyncOp {
	ops, err := o.storage.PendingOps(o.sessionID)
	if err != nil {
		return nil
	}
	var out []*SyncOp
	for _, op := range ops {
		if op.Status == OpStatusFailed {
			out = append(out, op)
		}
	}
	return out
}

// RetryFailed re-arms a parked op with a fresh retry budget and triggers a
// drain. The op keeps its original sequence, so it replays in its original
// position relative to other pending ops.
func (o *Outbox) RetryFailed(opID string) error {
	op, err := o.findOp(opID, OpStatusFailed)
	if err != nil {
		return err
	}
	op.Status = OpStatusPending
	op.Retries = 0
	op.Error = ""
	if err := o.storage.PutOp(op); err != nil {
		return err
	}
	o.logger.Info("outbox: retrying failed op", "op", op.ID, "type", op.Type)
	if o.Online() {
		go o.Drain()
	}
	return nil
}

// DiscardFailed drops a parked op and returns it so the caller can clean
// up any local state tied to it.
func (o *Outbox) DiscardFailed(opID string) (*SyncOp, error) {
	op, err := o.findOp(opID, OpStatusFailed)
	if err != nil {
		return nil, err
	}
	if err := o.storage.DeleteOp(op.SessionID, op.Sequence); err != nil {
		return nil, err
	}
	o.logger.Info("outbox: discarded failed op", "op", op.ID, "type", op.Type)
	o.refreshDepth()
	return op, nil
}

func (o *Outbox) findOp(opID, status string) (*SyncOp, error) {
	ops, err := o.storage.PendingOps(o.sessionID)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if op.ID == opID && op.Status == status {
			return op, nil
		}
	}
	return nil, ErrUnknownOp
}

// ============================================================================
// Draining
// ============================================================================

// Drain replays pending ops in sequence order until the queue is empty,
// the outbox goes offline, or it is closed. Only one drain runs at a time.
func (o *Outbox) Drain() {
	o.mu.Lock()
	if o.draining || !o.online || o.stopped {
		o.mu.Unlock()
		return
	}
	o.draining = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.draining = false
		o.mu.Unlock()
	}()

	for {
		o.mu.Lock()
		ok := o.online && !o.stopped
		o.mu.Unlock()
		if !ok {
			return
		}
		ops, err := o.storage.PendingOps(o.sessionID)
		if err != nil {
			o.logger.Error("outbox: load pending ops", "error", err)
			return
		}
		o.updateDepth(ops)
		var next *SyncOp
		for _, op := range ops {
			if op.Status == OpStatusPending {
				next = op
				break
			}
		}
		if next == nil {
			return
		}
		if !o.attempt(next) {
			return
		}
	}
}

// attempt sends one op, retrying with exponential backoff until it is
// acknowledged or fails permanently. Returns false when the drain should
// stop (offline or closed mid-flight).
func (o *Outbox) attempt(op *SyncOp) bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.initialBackoff
	bo.MaxInterval = o.maxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		err := o.send(o.ctx, op)
		if err == nil {
			if derr := o.storage.DeleteOp(op.SessionID, op.Sequence); derr != nil {
				o.logger.Error("outbox: ack op", "op", op.ID, "error", derr)
			}
			o.metrics.incSent()
			o.refreshDepth()
			if fn := o.sentFn(); fn != nil {
				fn(op)
			}
			return true
		}
		if o.ctx.Err() != nil {
			return false
		}

		op.Retries++
		op.LastAttempt = time.Now()
		op.Error = err.Error()

		if isPermanent(err) || op.Retries >= o.maxRetries {
			op.Status = OpStatusFailed
			if perr := o.storage.PutOp(op); perr != nil {
				o.logger.Error("outbox: persist failed op", "op", op.ID, "error", perr)
			}
			o.logger.Warn("outbox: op failed permanently",
				"op", op.ID, "type", op.Type, "retries", op.Retries, "error", err)
			o.metrics.incFailed()
			if fn := o.failedFn(); fn != nil {
				fn(op, err)
			}
			return true
		}

		if perr := o.storage.PutOp(op); perr != nil {
			o.logger.Error("outbox: persist retry state", "op", op.ID, "error", perr)
		}
		o.metrics.incRetries()
		wait := bo.NextBackOff()
		o.logger.Debug("outbox: retrying op",
			"op", op.ID, "attempt", op.Retries, "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-o.stopCh:
			return false
		}
		o.mu.Lock()
		online := o.online
		o.mu.Unlock()
		if !online {
			return false
		}
	}
}

func (o *Outbox) flushLoop() {
	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.Drain()
		case <-o.stopCh:
			return
		}
	}
}

func (o *Outbox) sentFn() func(*SyncOp) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.onSent
}

func (o *Outbox) failedFn() func(*SyncOp, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.onFailed
}

func (o *Outbox) refreshDepth() {
	if o.metrics == nil {
		return
	}
	ops, err := o.storage.PendingOps(o.sessionID)
	if err != nil {
		return
	}
	o.updateDepth(ops)
}

func (o *Outbox) updateDepth(ops []*SyncOp) {
	n := 0
	for _, op := range ops {
		if op.Status == OpStatusPending {
			n++
		}
	}
	o.metrics.setOutboxDepth(n)
}

// isPermanent classifies errors. Transport errors are presumed transient;
// API rejections are permanent unless the server marks them retryable or
// the code names a transient condition.
func isPermanent(err error) bool {
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Retryable {
			return false
		}
		code := apiErr.Code
		for _, transient := range []string{"TIMEOUT", "NETWORK", "UNAVAILABLE", "RATE_LIMIT"} {
			if strings.Contains(code, transient) {
				return false
			}
		}
		return true
	}
	return false
}
