// Package session holds the client-local state of one monitoring session:
// the transaction history (newest first) and the latest-result pointer.
// It is a convenience cache, never a source of truth, and is deleted when
// the session ends.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mbd888/regshield/internal/backend"
	"github.com/mbd888/regshield/internal/evaluation"
	"github.com/mbd888/regshield/internal/ledger"
)

// ErrNotFound is returned by a Store when no snapshot exists.
var ErrNotFound = errors.New("session: snapshot not found")

// Store persists raw snapshots by session id.
type Store interface {
	Save(ctx context.Context, sessionID string, data []byte) error
	Load(ctx context.Context, sessionID string) ([]byte, error)
	Delete(ctx context.Context, sessionID string) error
}

// Snapshot is the persisted session state.
type Snapshot struct {
	History []evaluation.Result `json:"history"`
	Latest  *evaluation.Result  `json:"latest,omitempty"`
}

// Encode serializes a snapshot.
func Encode(s Snapshot) ([]byte, error) {
	if s.History == nil {
		s.History = []evaluation.Result{}
	}
	return json.Marshal(s)
}

// Decode parses a snapshot. Any decoding failure is ErrMalformedPayload.
func Decode(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: session snapshot: %v", backend.ErrMalformedPayload, err)
	}
	for i, r := range s.History {
		if r.TransactionID == "" {
			return Snapshot{}, fmt.Errorf("%w: session snapshot: entry %d has no transaction_id", backend.ErrMalformedPayload, i)
		}
	}
	if s.History == nil {
		s.History = []evaluation.Result{}
	}
	return s, nil
}

// FromLedger captures the ledger's current state.
func FromLedger(l *ledger.Store) Snapshot {
	s := Snapshot{History: l.Timeline()}
	if latest, ok := l.Latest(); ok {
		s.Latest = &latest
	}
	return s
}

// Arrival returns the history in arrival order.
func (s Snapshot) Arrival() []evaluation.Result {
	out := make([]evaluation.Result, len(s.History))
	for i, r := range s.History {
		out[len(s.History)-1-i] = r
	}
	return out
}

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}

// Session binds a session id to a store.
type Session struct {
	id     string
	store  Store
	logger *slog.Logger
}

// New creates a session. An empty id gets a fresh one.
func New(id string, store Store, logger *slog.Logger) *Session {
	if id == "" {
		id = NewID()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{id: id, store: store, logger: logger.With("session_id", id)}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Restore loads the session's snapshot. A missing snapshot yields an empty
// one. A corrupt snapshot is logged, deleted and replaced by an empty one.
func (s *Session) Restore(ctx context.Context) (Snapshot, error) {
	data, err := s.store.Load(ctx, s.id)
	if errors.Is(err, ErrNotFound) {
		return Snapshot{History: []evaluation.Result{}}, nil
	}
	if err != nil {
		return Snapshot{History: []evaluation.Result{}}, fmt.Errorf("load session: %w", err)
	}
	snap, err := Decode(data)
	if err != nil {
		s.logger.Warn("discarding corrupt session history", "error", err)
		if derr := s.store.Delete(ctx, s.id); derr != nil {
			s.logger.Warn("failed to delete corrupt session history", "error", derr)
		}
		return Snapshot{History: []evaluation.Result{}}, nil
	}
	return snap, nil
}

// Persist saves the ledger's current state.
func (s *Session) Persist(ctx context.Context, l *ledger.Store) error {
	data, err := Encode(FromLedger(l))
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.store.Save(ctx, s.id, data); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// End deletes the session's snapshot.
func (s *Session) End(ctx context.Context) error {
	if err := s.store.Delete(ctx, s.id); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
