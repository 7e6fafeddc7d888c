package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/session"
)

// --- Socket frames ---

// handleJoin binds a connecting socket to (session, user). Any validation
// failure ends the connection.
func (r *Relay) handleJoin(c *client, msg []byte) {
	if state, _, _ := r.binding(c); state != StateConnecting {
		r.reject(c, ErrAlreadyJoined)
		return
	}

	var frame JoinFrame
	if err := decode(msg, &frame); err != nil {
		r.failJoin(c, err)
		return
	}
	if frame.SessionID == "" {
		r.failJoin(c, session.ErrSessionNotFound)
		return
	}

	unlock := r.lockSession(frame.SessionID)
	defer unlock()

	user, err := r.sessions.GetUser(frame.SessionID, frame.UserID)
	if err != nil {
		r.failJoin(c, err)
		return
	}
	snapshot, err := r.docs.Snapshot(frame.SessionID)
	if err != nil {
		r.failJoin(c, err)
		return
	}
	if err := r.conns.Register(frame.SessionID, user.ID, c.peer); err != nil {
		r.failJoin(c, err)
		return
	}

	r.mu.Lock()
	if c.state != StateConnecting {
		// closed while we were validating
		r.mu.Unlock()
		r.conns.Unregister(c.peer.ID())
		return
	}
	c.state = StateJoined
	c.sessionID, c.userID = frame.SessionID, user.ID
	c.logger = c.logger.With(slog.String("sessionID", frame.SessionID), slog.String("userID", user.ID))
	r.cancelReclaimLocked(memberKey{frame.SessionID, user.ID})
	others := r.presenceSnapshotLocked(frame.SessionID, user.ID)
	r.mu.Unlock()

	users := []session.User{user}
	if summary, ok := r.sessions.GetSession(frame.SessionID); ok {
		users = summary.Users
	}
	r.send(c.peer, TypeInit, InitMessage{
		Type:  TypeInit,
		State: snapshot,
		Users: users,
		Role:  user.Role,
	})
	for userID, state := range others {
		r.send(c.peer, TypeAwareness, AwarenessFrame{Type: TypeAwareness, UserID: userID, State: state})
	}
	r.broadcast(frame.SessionID, c.peer.ID(), TypeUserConnected, UserConnectedMessage{
		Type:   TypeUserConnected,
		UserID: user.ID,
		User:   user,
	})
	c.logger.Info("Connection joined session", slog.String("role", string(user.Role)))
}

func (r *Relay) failJoin(c *client, err error) {
	c.logger.Warn("Join rejected, closing connection", slog.Any("error", err))
	r.reject(c, err)
	r.mu.Lock()
	if c.state == StateConnecting {
		c.state = StateClosed
	}
	r.mu.Unlock()
	c.peer.Close(err)
}

// handleSync merges a document update and relays the raw bytes to the rest of
// the session. Denied or invalid updates reach neither the document nor any
// other connection.
func (r *Relay) handleSync(c *client, msg []byte) {
	var frame SyncFrame
	if err := decode(msg, &frame); err != nil {
		r.reject(c, err)
		return
	}
	if err := r.docs.CheckUpdate(frame.Update); err != nil {
		r.reject(c, err)
		return
	}

	_, sessionID, userID := r.binding(c)
	unlock := r.lockSession(sessionID)
	defer unlock()

	if err := r.gate.AuthorizeSync(sessionID, userID); err != nil {
		c.logger.Info("Sync denied", slog.Any("error", err))
		r.reject(c, err)
		return
	}
	if err := r.docs.Merge(sessionID, frame.Update); err != nil {
		c.logger.Warn("Merge failed", slog.Any("error", err))
		r.reject(c, err)
		return
	}
	n := r.broadcast(sessionID, c.peer.ID(), TypeSync, SyncFrame{Type: TypeSync, Update: frame.Update})
	c.logger.Debug("Relayed sync", slog.Int("bytes", len(frame.Update)), slog.Int("recipients", n))
}

// handleAwareness relays presence without a permission check or storage in
// the document. The latest state per user is cached for late joiners.
func (r *Relay) handleAwareness(c *client, msg []byte) {
	var frame AwarenessFrame
	if err := decode(msg, &frame); err != nil {
		r.reject(c, err)
		return
	}
	if len(frame.State) == 0 {
		r.reject(c, errorf(ErrMalformedMessage, "awareness frame has no state"))
		return
	}

	_, sessionID, userID := r.binding(c)
	unlock := r.lockSession(sessionID)
	defer unlock()

	r.mu.Lock()
	users, ok := r.presence[sessionID]
	if !ok {
		users = make(map[string]json.RawMessage)
		r.presence[sessionID] = users
	}
	users[userID] = frame.State
	r.mu.Unlock()

	r.broadcast(sessionID, c.peer.ID(), TypeAwareness, AwarenessFrame{
		Type:   TypeAwareness,
		UserID: userID,
		State:  frame.State,
	})
}

// --- Control plane ---

// NotifyJoined tells a session's connections that its member list grew.
func (r *Relay) NotifyJoined(sessionID string) {
	unlock := r.lockSession(sessionID)
	defer unlock()

	summary, ok := r.sessions.GetSession(sessionID)
	if !ok {
		return
	}
	r.broadcast(sessionID, uuid.Nil, TypeUserJoined, UserJoinedMessage{Type: TypeUserJoined, Users: summary.Users})
}

// Leave removes a member on explicit request. The member's own connections are
// closed; if the session ends, every connection in it is closed.
func (r *Relay) Leave(sessionID, userID string) (*session.LeaveResult, error) {
	unlock := r.lockSession(sessionID)
	defer unlock()
	return r.leaveLocked(sessionID, userID)
}

// UpdateRole changes a member's role through the permission gate and tells the
// session about it.
func (r *Relay) UpdateRole(sessionID, requesterID, targetID, newRole string) (session.User, error) {
	unlock := r.lockSession(sessionID)
	defer unlock()

	if _, err := r.gate.AuthorizeRoleChange(sessionID, requesterID, targetID, newRole); err != nil {
		return session.User{}, err
	}
	user, err := r.sessions.UpdateUserRole(sessionID, targetID, newRole, requesterID)
	if err != nil {
		return session.User{}, err
	}
	r.broadcast(sessionID, uuid.Nil, TypeRoleChanged, RoleChangedMessage{
		Type:   TypeRoleChanged,
		UserID: user.ID,
		Role:   user.Role,
	})
	return user, nil
}

// leaveLocked runs with the session lock held.
func (r *Relay) leaveLocked(sessionID, userID string) (*session.LeaveResult, error) {
	res, err := r.sessions.LeaveSession(sessionID, userID)
	if err != nil {
		return nil, err
	}

	if res.SessionClosed {
		// queued ahead of the close frame each connection gets below
		r.broadcast(sessionID, uuid.Nil, TypeSessionClosed, SessionClosedMessage{
			Type:    TypeSessionClosed,
			Message: "the session has ended",
		})
	}

	for _, u := range res.Removed {
		r.mu.Lock()
		r.cancelReclaimLocked(memberKey{sessionID, u.ID})
		r.mu.Unlock()
		r.clearPresence(sessionID, u.ID)
		r.detachUser(sessionID, u.ID, nil)
	}

	if res.SessionClosed {
		r.mu.Lock()
		delete(r.presence, sessionID)
		r.mu.Unlock()
		if !r.opts.RetainDocuments {
			r.docs.Drop(sessionID)
		}
		r.logger.Info("Session ended", slog.String("sessionID", sessionID))
		return res, nil
	}

	r.broadcast(sessionID, uuid.Nil, TypeUserLeft, UserLeftMessage{
		Type:   TypeUserLeft,
		UserID: userID,
		Users:  res.Users,
	})
	return res, nil
}

// detachUser unregisters and closes every connection a user holds in a session.
func (r *Relay) detachUser(sessionID, userID string, reason error) {
	for _, p := range r.conns.UserPeers(sessionID, userID) {
		r.conns.Unregister(p.ID())
		r.mu.Lock()
		if c, ok := r.clients[p.ID()]; ok {
			c.state = StateClosed
		}
		r.mu.Unlock()
		p.Close(reason)
	}
}

// --- Membership reclaim ---

func (r *Relay) scheduleReclaim(sessionID, userID string) {
	if r.opts.ReclaimGrace <= 0 {
		return
	}
	if _, err := r.sessions.GetUser(sessionID, userID); err != nil {
		return
	}

	key := memberKey{sessionID, userID}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelReclaimLocked(key)
	var t *time.Timer
	t = time.AfterFunc(r.opts.ReclaimGrace, func() { r.reclaimMember(key, &t) })
	r.reclaim[key] = t
}

// self is read under r.mu, which scheduleReclaim holds while assigning it.
func (r *Relay) reclaimMember(key memberKey, self **time.Timer) {
	unlock := r.lockSession(key.sessionID)
	defer unlock()

	r.mu.Lock()
	current, ok := r.reclaim[key]
	if !ok || current != *self {
		// cancelled or rescheduled after this timer fired
		r.mu.Unlock()
		return
	}
	delete(r.reclaim, key)
	r.mu.Unlock()

	if len(r.conns.UserPeers(key.sessionID, key.userID)) > 0 {
		return
	}
	if _, err := r.leaveLocked(key.sessionID, key.userID); err != nil && !errors.Is(err, session.ErrUserNotFound) && !errors.Is(err, session.ErrSessionNotFound) {
		r.logger.Error("Reclaim failed", slog.String("sessionID", key.sessionID), slog.String("userID", key.userID), slog.Any("error", err))
		return
	}
	r.logger.Info("Reclaimed idle member", slog.String("sessionID", key.sessionID), slog.String("userID", key.userID))
}

// cancelReclaimLocked runs with r.mu held.
func (r *Relay) cancelReclaimLocked(key memberKey) {
	if t, ok := r.reclaim[key]; ok {
		t.Stop()
		delete(r.reclaim, key)
	}
}

// PendingReclaims is the number of members waiting on their grace period.
func (r *Relay) PendingReclaims() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reclaim)
}

// --- Presence ---

func (r *Relay) clearPresence(sessionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if users, ok := r.presence[sessionID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(r.presence, sessionID)
		}
	}
}

// presenceSnapshotLocked copies the cached states of everyone but userID.
func (r *Relay) presenceSnapshotLocked(sessionID, userID string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for id, state := range r.presence[sessionID] {
		if id != userID {
			out[id] = state
		}
	}
	return out
}
