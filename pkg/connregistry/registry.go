package connregistry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var ErrAlreadyRegistered = errors.New("connection is already registered")

// Peer is the part of a live transport the registry hands back to callers.
type Peer interface {
	ID() uuid.UUID
	// Send queues msg without blocking and reports whether it was accepted.
	Send(msg []byte) bool
	Close(err error)
}

type Entry struct {
	Peer      Peer
	SessionID string
	UserID    string
}

// Registry tracks which open connections belong to which session and user.
// Connections are keyed by their stable id, never by transport identity.
type Registry struct {
	mu        sync.RWMutex
	byConn    map[uuid.UUID]*Entry
	bySession map[string]map[uuid.UUID]*Entry

	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		byConn:    make(map[uuid.UUID]*Entry),
		bySession: make(map[string]map[uuid.UUID]*Entry),
		logger:    logger.With(slog.String("component", "connection_registry")),
	}
}

// Register binds peer to (sessionID, userID). A peer lives in at most one
// session at a time.
func (r *Registry) Register(sessionID, userID string, peer Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := peer.ID()
	if _, exists := r.byConn[id]; exists {
		return ErrAlreadyRegistered
	}
	entry := &Entry{Peer: peer, SessionID: sessionID, UserID: userID}
	r.byConn[id] = entry
	set, ok := r.bySession[sessionID]
	if !ok {
		set = make(map[uuid.UUID]*Entry)
		r.bySession[sessionID] = set
	}
	set[id] = entry

	r.logger.Debug("Connection registered",
		slog.String("connID", id.String()),
		slog.String("sessionID", sessionID),
		slog.String("userID", userID),
	)
	return nil
}

// Unregister removes a connection. The second return is false if it was not
// registered, which makes repeated calls harmless.
func (r *Registry) Unregister(connID uuid.UUID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byConn[connID]
	if !ok {
		return Entry{}, false
	}
	delete(r.byConn, connID)
	if set := r.bySession[entry.SessionID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.bySession, entry.SessionID)
		}
	}
	r.logger.Debug("Connection unregistered", slog.String("connID", connID.String()))
	return *entry, true
}

func (r *Registry) Lookup(connID uuid.UUID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byConn[connID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// List returns the peers of a session, leaving out exclude. Pass uuid.Nil to
// exclude nobody. Order is unspecified.
func (r *Registry) List(sessionID string, exclude uuid.UUID) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.bySession[sessionID]
	peers := make([]Peer, 0, len(set))
	for id, entry := range set {
		if id == exclude {
			continue
		}
		peers = append(peers, entry.Peer)
	}
	return peers
}

// UserPeers returns the connections a user holds in a session.
func (r *Registry) UserPeers(sessionID, userID string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var peers []Peer
	for _, entry := range r.bySession[sessionID] {
		if entry.UserID == userID {
			peers = append(peers, entry.Peer)
		}
	}
	return peers
}

func (r *Registry) SessionSize(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession[sessionID])
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
