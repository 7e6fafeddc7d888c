package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/connregistry"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/document"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/metrics"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/session"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrNotJoined        = errors.New("connection has not joined a session")
	ErrAlreadyJoined    = errors.New("connection already joined a session")
	ErrShutdown         = errors.New("server shutting down")
)

// State is where a connection is in its lifecycle.
type State int

const (
	StateConnecting State = iota // open, no session bound
	StateJoined                  // bound to a session and user
	StateClosed                  // terminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Options struct {
	// ReclaimGrace is how long a member survives without any connection.
	// Zero or less keeps members until they leave explicitly.
	ReclaimGrace time.Duration
	// RetainDocuments keeps a session's document after the session ends.
	RetainDocuments bool
}

// Conn is a live transport as the relay sees it.
type Conn interface {
	connregistry.Peer
	IP() string
	CreatedAt() time.Time
}

type client struct {
	peer   Conn
	logger *slog.Logger

	// guarded by Relay.mu
	state     State
	sessionID string
	userID    string
}

type memberKey struct{ sessionID, userID string }

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Relay routes socket frames between the connections of a session and gates
// document mutations by role.
type Relay struct {
	logger   *slog.Logger
	sessions session.Registry
	gate     *session.Gate
	conns    *connregistry.Registry
	docs     *document.Store
	metrics  *metrics.Relay
	opts     Options

	mu       sync.Mutex
	clients  map[uuid.UUID]*client
	locks    map[string]*sessionLock
	reclaim  map[memberKey]*time.Timer
	presence map[string]map[string]json.RawMessage // session -> user -> last awareness state
}

func New(logger *slog.Logger, sessions session.Registry, conns *connregistry.Registry, docs *document.Store, m *metrics.Relay, opts Options) *Relay {
	return &Relay{
		logger:   logger.With(slog.String("component", "relay")),
		sessions: sessions,
		gate:     session.NewGate(sessions),
		conns:    conns,
		docs:     docs,
		metrics:  m,
		opts:     opts,
		clients:  make(map[uuid.UUID]*client),
		locks:    make(map[string]*sessionLock),
		reclaim:  make(map[memberKey]*time.Timer),
		presence: make(map[string]map[string]json.RawMessage),
	}
}

// --- Connection Lifecycle ---

// Attach starts tracking a freshly opened connection in the connecting state.
func (r *Relay) Attach(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[conn.ID()] = &client{
		peer:   conn,
		state:  StateConnecting,
		logger: r.logger.With(slog.String("connID", conn.ID().String())),
	}
}

// HandleMessage decodes one inbound frame and dispatches it. It never panics on
// bad input; malformed frames are answered with an error frame and dropped.
func (r *Relay) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	c := r.client(connID)
	if c == nil {
		r.logger.Debug("Frame for unknown connection dropped", slog.String("connID", connID.String()))
		return
	}

	typ, err := frameType(msg)
	if err != nil {
		c.logger.Warn("Failed to decode client frame", slog.Any("error", err))
		r.reject(c, err)
		return
	}
	r.metrics.FramesIn.WithLabelValues(frameLabel(typ)).Inc()

	state, _, _ := r.binding(c)
	if typ != TypeJoin && state != StateJoined {
		c.logger.Debug("Frame before join ignored", slog.String("type", typ))
		r.reject(c, ErrNotJoined)
		return
	}

	switch typ {
	case TypeJoin:
		r.handleJoin(c, msg)
	case TypeSync:
		r.handleSync(c, msg)
	case TypeAwareness:
		r.handleAwareness(c, msg)
	default:
		c.logger.Warn("Received unknown frame type", slog.String("type", typ))
		r.reject(c, errorf(ErrMalformedMessage, "unknown message type '%s'", typ))
	}
}

// HandleClose is the transport close callback. It runs once per connection.
func (r *Relay) HandleClose(connID uuid.UUID, err error) {
	r.mu.Lock()
	c, ok := r.clients[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, connID)
	prev := c.state
	c.state = StateClosed
	sessionID, userID := c.sessionID, c.userID
	r.mu.Unlock()

	c.logger.Debug("Connection detached", slog.String("state", prev.String()), slog.Any("reason", err))
	if prev != StateJoined {
		return
	}

	unlock := r.lockSession(sessionID)
	defer unlock()

	if _, ok := r.conns.Unregister(connID); !ok {
		// already detached by a leave or session close
		return
	}
	if len(r.conns.UserPeers(sessionID, userID)) > 0 {
		return
	}

	r.clearPresence(sessionID, userID)
	r.broadcast(sessionID, uuid.Nil, TypeUserDisconnected, UserDisconnectedMessage{
		Type:   TypeUserDisconnected,
		UserID: userID,
	})
	r.scheduleReclaim(sessionID, userID)
}

// Shutdown closes every connection and stops pending reclaim timers.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	for key, t := range r.reclaim {
		t.Stop()
		delete(r.reclaim, key)
	}
	peers := make([]connregistry.Peer, 0, len(r.clients))
	for _, c := range r.clients {
		peers = append(peers, c.peer)
	}
	r.mu.Unlock()

	for _, p := range peers {
		p.Close(ErrShutdown)
	}
	r.logger.Info("Relay shut down", slog.Int("connections", len(peers)))
}

// --- Connection queries ---

// CloseOldestForIP closes the longest-lived connection from ip.
func (r *Relay) CloseOldestForIP(ip string, reason error) bool {
	r.mu.Lock()
	var oldest *client
	for _, c := range r.clients {
		if c.peer.IP() != ip {
			continue
		}
		if oldest == nil || c.peer.CreatedAt().Before(oldest.peer.CreatedAt()) {
			oldest = c
		}
	}
	r.mu.Unlock()

	if oldest == nil {
		return false
	}
	oldest.peer.Close(reason)
	return true
}

// StateOf reports the lifecycle state of a connection. Unknown ids are closed.
func (r *Relay) StateOf(connID uuid.UUID) State {
	c := r.client(connID)
	if c == nil {
		return StateClosed
	}
	state, _, _ := r.binding(c)
	return state
}

func (r *Relay) client(connID uuid.UUID) *client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[connID]
}

func (r *Relay) binding(c *client) (State, string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.state, c.sessionID, c.userID
}

// lockSession serializes everything that touches one session's membership,
// connections and document. Sessions never block each other.
func (r *Relay) lockSession(sessionID string) (unlock func()) {
	r.mu.Lock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		r.locks[sessionID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, sessionID)
		}
		r.mu.Unlock()
	}
}

// --- Outbound ---

func (r *Relay) encode(v any) ([]byte, bool) {
	out, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("Failed to encode outbound frame", slog.Any("error", err))
		return nil, false
	}
	return out, true
}

func (r *Relay) send(peer connregistry.Peer, typ string, v any) {
	out, ok := r.encode(v)
	if !ok {
		return
	}
	r.deliver(peer, typ, out)
}

func (r *Relay) deliver(peer connregistry.Peer, typ string, out []byte) {
	if !peer.Send(out) {
		r.metrics.Dropped.Inc()
		return
	}
	r.metrics.FramesOut.WithLabelValues(typ).Inc()
}

// broadcast fans v out to every connection of the session except exclude.
// Connections that are not writable are skipped.
func (r *Relay) broadcast(sessionID string, exclude uuid.UUID, typ string, v any) int {
	out, ok := r.encode(v)
	if !ok {
		return 0
	}
	peers := r.conns.List(sessionID, exclude)
	for _, p := range peers {
		r.deliver(p, typ, out)
	}
	return len(peers)
}

// reject answers the offending connection with an error frame.
func (r *Relay) reject(c *client, err error) {
	code := errorCode(err)
	r.metrics.Rejected.WithLabelValues(code).Inc()
	r.send(c.peer, TypeError, ErrorMessage{Type: TypeError, Message: err.Error(), Code: code})
}

// --- Decoding ---

// frameType validates msg as JSON and peeks its type without a full decode.
func frameType(msg []byte) (string, error) {
	if !gjson.ValidBytes(msg) {
		return "", errorf(ErrMalformedMessage, "frame is not valid JSON")
	}
	t := gjson.GetBytes(msg, "type")
	if t.Type != gjson.String || t.Str == "" {
		return "", errorf(ErrMalformedMessage, "frame has no type")
	}
	return t.Str, nil
}

// frameLabel bounds the metric label set to the known inbound types.
func frameLabel(typ string) string {
	switch typ {
	case TypeJoin, TypeSync, TypeAwareness:
		return typ
	}
	return "unknown"
}

func decode(msg []byte, v any) error {
	if err := json.Unmarshal(msg, v); err != nil {
		return errorf(ErrMalformedMessage, "%v", err)
	}
	return nil
}

func errorf(base error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", base, fmt.Sprintf(format, args...))
}

func errorCode(err error) string {
	if code := session.Code(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, ErrNotJoined):
		return "NotJoined"
	case errors.Is(err, ErrAlreadyJoined):
		return "AlreadyJoined"
	case errors.Is(err, ErrMalformedMessage),
		errors.Is(err, document.ErrEmptyUpdate),
		errors.Is(err, document.ErrUpdateTooLarge),
		errors.Is(err, document.ErrMalformedUpdate):
		return "MalformedMessage"
	}
	return "Internal"
}
