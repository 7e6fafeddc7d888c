package sessionmanager

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/session"
	"github.com/google/uuid"
)

// record is one live session. Its mutex serializes every membership change of
// that session; different sessions never contend on it.
type record struct {
	mu      sync.Mutex
	s       session.Summary
	users   map[string]*session.User
	order   []string // join order, for stable user lists
	joined  int      // users ever admitted, drives color assignment
	removed bool     // set once the record is being reclaimed
}

type Option func(*InMemoryRegistry)

// WithInviteGenerator replaces the random invite code source.
func WithInviteGenerator(gen session.InviteGenerator) Option {
	return func(m *InMemoryRegistry) { m.invite = gen }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *InMemoryRegistry) { m.now = now }
}

type InMemoryRegistry struct {
	// mu guards the two indexes only. Per-session state sits behind record.mu.
	mu       sync.RWMutex
	sessions map[string]*record
	invites  map[string]string // invite code -> session id

	invite session.InviteGenerator
	now    func() time.Time
	logger *slog.Logger
}

func NewInMemoryRegistry(logger *slog.Logger, opts ...Option) *InMemoryRegistry {
	m := &InMemoryRegistry{
		sessions: make(map[string]*record),
		invites:  make(map[string]string),
		invite:   session.RandomInviteCode,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "session_registry")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// compile-time check to ensure InMemoryRegistry implements Registry.
var _ session.Registry = (*InMemoryRegistry)(nil)

// --- Session Lifecycle ---

func (m *InMemoryRegistry) CreateSession(ownerName, sessionName string) session.Created {
	now := m.now()
	ownerName = displayName(ownerName, "Owner")
	if strings.TrimSpace(sessionName) == "" {
		sessionName = ownerName + "'s Session"
	}

	owner := &session.User{
		ID:       uuid.NewString(),
		Name:     ownerName,
		Role:     session.RoleOwner,
		Color:    session.Palette[0],
		JoinedAt: now,
	}
	rec := &record{
		s: session.Summary{
			ID:        uuid.NewString(),
			Name:      strings.TrimSpace(sessionName),
			OwnerID:   owner.ID,
			CreatedAt: now,
		},
		users:  map[string]*session.User{owner.ID: owner},
		order:  []string{owner.ID},
		joined: 1,
	}

	m.mu.Lock()
	code := m.invite()
	for {
		if _, taken := m.invites[code]; !taken {
			break
		}
		m.logger.Debug("Invite code collision, drawing again", slog.String("code", code))
		code = m.invite()
	}
	rec.s.InviteCode = code
	m.sessions[rec.s.ID] = rec
	m.invites[code] = rec.s.ID
	m.mu.Unlock()

	m.logger.Info("Session created",
		slog.String("sessionID", rec.s.ID),
		slog.String("ownerID", owner.ID),
	)
	return session.Created{SessionID: rec.s.ID, InviteCode: code, Owner: *owner}
}

func (m *InMemoryRegistry) GetSession(sessionID string) (*session.Summary, bool) {
	rec, ok := m.lookup(sessionID)
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return nil, false
	}
	summary := rec.s
	summary.Users = rec.userList()
	return &summary, true
}

func (m *InMemoryRegistry) GetSessionByInviteCode(code string) (*session.InviteSummary, bool) {
	m.mu.RLock()
	sessionID, ok := m.invites[code]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	rec, ok := m.lookup(sessionID)
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return nil, false
	}
	return &session.InviteSummary{ID: rec.s.ID, Name: rec.s.Name, UserCount: len(rec.users)}, true
}

func (m *InMemoryRegistry) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// --- Membership ---

func (m *InMemoryRegistry) JoinSession(sessionID, name, requestedRole, inviteCode string) (*session.JoinResult, error) {
	rec, ok := m.lookup(sessionID)
	if !ok {
		return nil, session.ErrSessionNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return nil, session.ErrSessionNotFound
	}
	if inviteCode != "" && inviteCode != rec.s.InviteCode {
		return nil, session.ErrInvalidInviteCode
	}

	user := &session.User{
		ID:       uuid.NewString(),
		Name:     displayName(name, "Guest"),
		Role:     session.ClampRole(requestedRole),
		Color:    session.Palette[rec.joined%len(session.Palette)],
		JoinedAt: m.now(),
	}
	rec.users[user.ID] = user
	rec.order = append(rec.order, user.ID)
	rec.joined++

	m.logger.Debug("User joined session",
		slog.String("sessionID", sessionID),
		slog.String("userID", user.ID),
		slog.String("role", string(user.Role)),
	)
	return &session.JoinResult{User: *user, Users: rec.userList()}, nil
}

func (m *InMemoryRegistry) GetUser(sessionID, userID string) (session.User, error) {
	rec, ok := m.lookup(sessionID)
	if !ok {
		return session.User{}, session.ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return session.User{}, session.ErrSessionNotFound
	}
	user, ok := rec.users[userID]
	if !ok {
		return session.User{}, session.ErrUserNotFound
	}
	return *user, nil
}

func (m *InMemoryRegistry) LeaveSession(sessionID, userID string) (*session.LeaveResult, error) {
	rec, ok := m.lookup(sessionID)
	if !ok {
		return nil, session.ErrSessionNotFound
	}

	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return nil, session.ErrSessionNotFound
	}
	user, ok := rec.users[userID]
	if !ok {
		rec.mu.Unlock()
		return nil, session.ErrUserNotFound
	}

	res := &session.LeaveResult{Removed: []session.User{*user}}
	rec.remove(userID)
	if user.Role == session.RoleOwner {
		// the owner role cannot pass to anyone else, so the session ends with it
		for _, id := range append([]string(nil), rec.order...) {
			res.Removed = append(res.Removed, *rec.users[id])
			rec.remove(id)
		}
	}
	if len(rec.users) == 0 {
		rec.removed = true
		res.SessionClosed = true
	}
	res.Users = rec.userList()
	code := rec.s.InviteCode
	rec.mu.Unlock()

	if res.SessionClosed {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		delete(m.invites, code)
		m.mu.Unlock()
		m.logger.Info("Session reclaimed", slog.String("sessionID", sessionID))
	}

	m.logger.Debug("User left session", slog.String("sessionID", sessionID), slog.String("userID", userID))
	return res, nil
}

// --- Roles ---

func (m *InMemoryRegistry) UpdateUserRole(sessionID, targetUserID, newRole, requesterID string) (session.User, error) {
	rec, ok := m.lookup(sessionID)
	if !ok {
		return session.User{}, session.ErrSessionNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return session.User{}, session.ErrSessionNotFound
	}
	requester, ok := rec.users[requesterID]
	if !ok {
		return session.User{}, fmt.Errorf("requester: %w", session.ErrUserNotFound)
	}
	target, ok := rec.users[targetUserID]
	if !ok {
		return session.User{}, fmt.Errorf("target: %w", session.ErrUserNotFound)
	}

	granted, err := session.AuthorizeRoleChange(requester.Role, target.Role, newRole)
	if err != nil {
		return session.User{}, err
	}
	target.Role = granted

	m.logger.Info("User role changed",
		slog.String("sessionID", sessionID),
		slog.String("userID", targetUserID),
		slog.String("role", string(granted)),
	)
	return *target, nil
}

func (m *InMemoryRegistry) CanEdit(sessionID, userID string) bool {
	user, err := m.GetUser(sessionID, userID)
	if err != nil {
		return false
	}
	return user.Role.Can(session.PermWrite)
}

func (m *InMemoryRegistry) lookup(sessionID string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	return rec, ok
}

func (r *record) remove(userID string) {
	delete(r.users, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// userList copies the users in join order. Caller holds r.mu.
func (r *record) userList() []session.User {
	users := make([]session.User, 0, len(r.order))
	for _, id := range r.order {
		users = append(users, *r.users[id])
	}
	return users
}

func displayName(name, fallback string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback
	}
	return name
}
