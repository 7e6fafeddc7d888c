package document

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/session"
)

var (
	ErrEmptyUpdate     = errors.New("empty document update")
	ErrUpdateTooLarge  = errors.New("document update too large")
	ErrMalformedUpdate = errors.New("malformed document update")
)

// Document is one session's mergeable state. Implementations come from the
// CRDT engine; Merge must be commutative and safe to re-apply.
type Document interface {
	Merge(update []byte) error
	Snapshot() ([]byte, error)
}

// Engine creates empty documents.
type Engine interface {
	Name() string
	New() (Document, error)
}

// SessionLookup is the slice of the session registry the store needs.
type SessionLookup interface {
	GetSession(sessionID string) (*session.Summary, bool)
}

// Handle serializes access to one session's document.
type Handle struct {
	mu     sync.Mutex
	doc    Document
	merges int
}

func (h *Handle) Merge(update []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.doc.Merge(update); err != nil {
		return err
	}
	h.merges++
	return nil
}

func (h *Handle) Snapshot() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.Snapshot()
}

// Merges is the number of updates accepted so far.
func (h *Handle) Merges() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.merges
}

type Store struct {
	mu   sync.RWMutex
	docs map[string]*Handle

	engine         Engine
	sessions       SessionLookup
	maxUpdateBytes int
	logger         *slog.Logger
}

func NewStore(logger *slog.Logger, engine Engine, sessions SessionLookup, maxUpdateBytes int) *Store {
	return &Store{
		docs:           make(map[string]*Handle),
		engine:         engine,
		sessions:       sessions,
		maxUpdateBytes: maxUpdateBytes,
		logger:         logger.With(slog.String("component", "document_store"), slog.String("engine", engine.Name())),
	}
}

// GetOrCreate returns the session's document, creating it on first access.
// Only sessions the registry knows about get a document.
func (s *Store) GetOrCreate(sessionID string) (*Handle, error) {
	// Try read lock first
	s.mu.RLock()
	h, exists := s.docs[sessionID]
	s.mu.RUnlock()
	if exists {
		return h, nil
	}

	if _, ok := s.sessions.GetSession(sessionID); !ok {
		return nil, session.ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if h, exists = s.docs[sessionID]; exists {
		return h, nil
	}
	doc, err := s.engine.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create document for session '%s': %w", sessionID, err)
	}
	h = &Handle{doc: doc}
	s.docs[sessionID] = h
	s.logger.Debug("Document created", slog.String("sessionID", sessionID))
	return h, nil
}

// Snapshot encodes the full state, enough for a new participant to rebuild the
// document without replaying history.
func (s *Store) Snapshot(sessionID string) ([]byte, error) {
	h, err := s.GetOrCreate(sessionID)
	if err != nil {
		return nil, err
	}
	return h.Snapshot()
}

// Merge hands update to the engine. Contents are not interpreted beyond the
// size check.
func (s *Store) Merge(sessionID string, update []byte) error {
	if err := s.CheckUpdate(update); err != nil {
		return err
	}
	h, err := s.GetOrCreate(sessionID)
	if err != nil {
		return err
	}
	if err := h.Merge(update); err != nil {
		return fmt.Errorf("merge into session '%s': %w", sessionID, err)
	}
	return nil
}

func (s *Store) CheckUpdate(update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}
	if s.maxUpdateBytes > 0 && len(update) > s.maxUpdateBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrUpdateTooLarge, len(update), s.maxUpdateBytes)
	}
	return nil
}

// Drop forgets a session's document.
func (s *Store) Drop(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[sessionID]; !ok {
		return false
	}
	delete(s.docs, sessionID)
	s.logger.Debug("Document dropped", slog.String("sessionID", sessionID))
	return true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
