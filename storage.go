package parley

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
)

// ============================================================================
// Durable Storage
// ============================================================================

// Storage persists queued sync operations and per-user read bookmarks so
// they survive process restarts. Operations are keyed by session and
// sequence; PendingOps must return them in ascending sequence order.
//
// MemoryStorage suits tests and throwaway sessions; PebbleStorage provides
// on-device durability.
type Storage interface {
	PutOp(op *SyncOp) error
	DeleteOp(sessionID string, seq uint64) error
	PendingOps(sessionID string) ([]*SyncOp, error)

	SetSequence(sessionID string, seq uint64) error
	Sequence(sessionID string) (uint64, error)

	SetBookmark(sessionID, userID, messageID string) error
	Bookmark(sessionID, userID string) (string, error)

	Close() error
}

// ============================================================================
// Memory Storage
// ============================================================================

// MemoryStorage is an in-memory Storage. Contents are lost on restart.
type MemoryStorage struct {
	mu        sync.RWMutex
	ops       map[string]map[uint64]*SyncOp
	seqs      map[string]uint64
	bookmarks map[string]string
}

// NewMemoryStorage returns an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		ops:       make(map[string]map[uint64]*SyncOp),
		seqs:      make(map[string]uint64),
		bookmarks: make(map[string]string),
	}
}

func (s *MemoryStorage) PutOp(op *SyncOp) error {
	if op == nil {
		return errors.New("nil op")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.ops[op.SessionID]
	if session == nil {
		session = make(map[uint64]*SyncOp)
		s.ops[op.SessionID] = session
	}
	c := *op
	session[op.Sequence] = &c
	return nil
}

func (s *MemoryStorage) DeleteOp(sessionID string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session := s.ops[sessionID]; session != nil {
		delete(session, seq)
	}
	return nil
}

func (s *MemoryStorage) PendingOps(sessionID string) ([]*SyncOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session := s.ops[sessionID]
	out := make([]*SyncOp, 0, len(session))
	for _, op := range session {
		c := *op
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (s *MemoryStorage) SetSequence(sessionID string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[sessionID] = seq
	return nil
}

func (s *MemoryStorage) Sequence(sessionID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seqs[sessionID], nil
}

func (s *MemoryStorage) SetBookmark(sessionID, userID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookmarks[sessionID+"/"+userID] = messageID
	return nil
}

func (s *MemoryStorage) Bookmark(sessionID, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bookmarks[sessionID+"/"+userID], nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

// ============================================================================
// Pebble Storage
// ============================================================================

// PebbleStorage persists sync state in a local Pebble database. Writes use
// synchronous durability so an enqueued operation survives a crash before
// it is acknowledged.
type PebbleStorage struct {
	db *pebble.DB
}

// NewPebbleStorage opens or creates a Pebble database at path.
func NewPebbleStorage(path string) (*PebbleStorage, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStorage{db: db}, nil
}

// Sequence numbers are zero-padded so lexicographic key order matches
// numeric replay order.
func opKey(sessionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("outbox:%s:%020d", sessionID, seq))
}

func (s *PebbleStorage) PutOp(op *SyncOp) error {
	if op == nil {
		return errors.New("nil op")
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal op: %w", err)
	}
	return s.db.Set(opKey(op.SessionID, op.Sequence), data, pebble.Sync)
}

func (s *PebbleStorage) DeleteOp(sessionID string, seq uint64) error {
	return s.db.Delete(opKey(sessionID, seq), pebble.Sync)
}

func (s *PebbleStorage) PendingOps(sessionID string) ([]*SyncOp, error) {
	prefix := []byte("outbox:" + sessionID + ":")
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*SyncOp
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		v := append([]byte(nil), iter.Value()...)
		var op SyncOp
		if err := json.Unmarshal(v, &op); err != nil {
			return nil, fmt.Errorf("decode op %s: %w", iter.Key(), err)
		}
		out = append(out, &op)
	}
	return out, iter.Error()
}

func (s *PebbleStorage) SetSequence(sessionID string, seq uint64) error {
	key := []byte("sequence:" + sessionID)
	return s.db.Set(key, []byte(strconv.FormatUint(seq, 10)), pebble.Sync)
}

func (s *PebbleStorage) Sequence(sessionID string) (uint64, error) {
	v, closer, err := s.db.Get([]byte("sequence:" + sessionID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	val := append([]byte(nil), v...)
	if err := closer.Close(); err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(val), 10, 64)
}

func (s *PebbleStorage) SetBookmark(sessionID, userID, messageID string) error {
	key := []byte("bookmark:" + sessionID + ":" + userID)
	return s.db.Set(key, []byte(messageID), pebble.Sync)
}

func (s *PebbleStorage) Bookmark(sessionID, userID string) (string, error) {
	v, closer, err := s.db.Get([]byte("bookmark:" + sessionID + ":" + userID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	val := append([]byte(nil), v...)
	if err := closer.Close(); err != nil {
		return "", err
	}
	return string(val), nil
}

func (s *PebbleStorage) Close() error {
	return s.db.Close()
}
