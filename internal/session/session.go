// Package session implements the process-wide registry mapping a session
// identifier to its root capability and creator. Grounded on the general
// mutex-guarded map-of-pointers pattern the teacher uses for its peer
// registry (internal/peer/manager.go's map[identity.AgentID]*Connection),
// repurposed here from live peer connections to session records, and on
// original_source/lib/session.c for the add/remove/find/clear operation
// set and its "session not found" semantics.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/capone-project/cpn/internal/cap"
	"github.com/capone-project/cpn/internal/identity"
)

// ErrNotFound is returned by Find and Remove when no session with the
// given identifier is currently live.
var ErrNotFound = errors.New("session: not found")

// ErrStoreExhausted is returned by Add if no free identifier could be
// allocated after repeated collisions — effectively unreachable with a
// 32-bit identifier space, kept only because the resource-failure kind
// needs a concrete error to return.
var ErrStoreExhausted = errors.New("session: identifier space exhausted")

const maxAllocAttempts = 64

// Session is a live REQUEST→CONNECT/TERMINATE record: an identifier, the
// service-specific parameters passed at REQUEST time, the identity that
// created it, and the root capability CONNECT/TERMINATE verify against.
type Session struct {
	ID      uint32
	Params  []byte
	Creator identity.PublicKey
	Cap     *cap.Capability
}

// Store is the process-wide session registry: a single mutex guarding a
// map keyed by identifier. Critical sections are map mutations only —
// short, as the design requires.
type Store struct {
	mu       sync.Mutex
	sessions map[uint32]*Session
}

// NewStore returns an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[uint32]*Session)}
}

// Add allocates a fresh identifier, builds a new root capability for it,
// and inserts the session. Identifiers are random 32-bit values with
// retry-on-collision (spec.md §3 permits either a random or a monotonic
// scheme; this mirrors identity's crypto/rand-backed key generation
// idiom rather than a plain counter).
func (s *Store) Add(params []byte, creator identity.PublicKey) (*Session, error) {
	root, err := cap.CreateRoot()
	if err != nil {
		return nil, fmt.Errorf("session: create root capability: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.allocateIDLocked()
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:      id,
		Params:  params,
		Creator: creator,
		Cap:     root,
	}
	s.sessions[id] = sess
	return sess, nil
}

func (s *Store) allocateIDLocked() (uint32, error) {
	var buf [4]byte
	for i := 0; i < maxAllocAttempts; i++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("session: generate identifier: %w", err)
		}
		id := binary.BigEndian.Uint32(buf[:])
		if id == 0 {
			continue
		}
		if _, exists := s.sessions[id]; !exists {
			return id, nil
		}
	}
	return 0, ErrStoreExhausted
}

// Remove atomically deletes and returns the session with the given
// identifier.
func (s *Store) Remove(id uint32) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.sessions, id)
	return sess, nil
}

// Find returns the live session for id without removing it. The
// returned pointer is a borrow: the store is only ever Cleared at
// process shutdown, so concurrent Find/Remove races are the caller's
// problem exactly as documented in spec.md §4.4. Find's lock is released
// before it returns, so fields read through the pointer are not guarded.
func (s *Store) Find(id uint32) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Clear removes every session. Used at teardown.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[uint32]*Session)
}

// Len reports the number of live sessions. Intended for metrics/tests,
// not for control flow (it is stale the instant the lock releases).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
