package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/internal/relay"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/session"
)

const maxBodyBytes = 64 << 10

var errInvalidPayload = errors.New("invalid payload")

// API is the REST control plane for sessions. Socket traffic never goes
// through it.
type API struct {
	logger   *slog.Logger
	sessions session.Registry
	relay    *relay.Relay
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", a.createSession)
	mux.HandleFunc("GET /sessions/{id}", a.getSession)
	mux.HandleFunc("POST /sessions/{id}/join", a.joinSession)
	mux.HandleFunc("POST /sessions/{id}/leave", a.leaveSession)
	mux.HandleFunc("POST /sessions/{id}/role", a.updateRole)
	mux.HandleFunc("GET /sessions/invite/{code}", a.getByInvite)
}

type createSessionReq struct {
	UserName    string `json:"userName"`
	SessionName string `json:"sessionName"`
}

type createSessionResp struct {
	SessionID  string       `json:"sessionId"`
	UserID     string       `json:"userId"`
	InviteCode string       `json:"inviteCode"`
	Role       session.Role `json:"role"`
}

type sessionResp struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	InviteCode string         `json:"inviteCode"`
	CreatedAt  time.Time      `json:"createdAt"`
	Users      []session.User `json:"users"`
}

type joinSessionReq struct {
	UserName   string `json:"userName"`
	Role       string `json:"role"`
	InviteCode string `json:"inviteCode"`
}

type joinSessionResp struct {
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	Role      session.Role   `json:"role"`
	Users     []session.User `json:"users"`
}

type leaveSessionReq struct {
	UserID string `json:"userId"`
}

type updateRoleReq struct {
	RequesterID  string `json:"requesterId"`
	TargetUserID string `json:"targetUserId"`
	Role         string `json:"role"`
}

type updateRoleResp struct {
	UserID string       `json:"userId"`
	Role   session.Role `json:"role"`
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionReq
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created := a.sessions.CreateSession(req.UserName, req.SessionName)
	a.logger.Info("Session created via API", slog.String("sessionID", created.SessionID))
	writeJSON(w, http.StatusOK, createSessionResp{
		SessionID:  created.SessionID,
		UserID:     created.Owner.ID,
		InviteCode: created.InviteCode,
		Role:       created.Owner.Role,
	})
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	summary, ok := a.sessions.GetSession(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessionResp{
		ID:         summary.ID,
		Name:       summary.Name,
		InviteCode: summary.InviteCode,
		CreatedAt:  summary.CreatedAt,
		Users:      summary.Users,
	})
}

func (a *API) getByInvite(w http.ResponseWriter, r *http.Request) {
	summary, ok := a.sessions.GetSessionByInviteCode(r.PathValue("code"))
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) joinSession(w http.ResponseWriter, r *http.Request) {
	var req joinSessionReq
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := r.PathValue("id")
	res, err := a.sessions.JoinSession(sessionID, req.UserName, req.Role, req.InviteCode)
	if err != nil {
		// every join failure is a bad request, unknown sessions included
		a.logger.Info("Join rejected", slog.String("sessionID", sessionID), slog.Any("error", err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.relay.NotifyJoined(sessionID)
	writeJSON(w, http.StatusOK, joinSessionResp{
		SessionID: sessionID,
		UserID:    res.User.ID,
		Role:      res.User.Role,
		Users:     res.Users,
	})
}

func (a *API) leaveSession(w http.ResponseWriter, r *http.Request) {
	var req leaveSessionReq
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := a.relay.Leave(r.PathValue("id"), req.UserID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) updateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleReq
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := a.relay.UpdateRole(r.PathValue("id"), req.RequesterID, req.TargetUserID, req.Role)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updateRoleResp{UserID: user.ID, Role: user.Role})
}

// --- helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		// an empty body is an empty request
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errInvalidPayload
	}
	return nil
}

// statusFor maps the session error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrInvalidInviteCode):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(msg)})
}
