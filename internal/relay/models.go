package relay

import (
	"encoding/json"

	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/session"
)

// Inbound frame types.
const (
	TypeJoin      = "join"
	TypeSync      = "sync"
	TypeAwareness = "awareness"
)

// Outbound-only frame types.
const (
	TypeInit             = "init"
	TypeUserConnected    = "user-connected"
	TypeUserDisconnected = "user-disconnected"
	TypeUserJoined       = "user-joined"
	TypeUserLeft         = "user-left"
	TypeRoleChanged      = "role-changed"
	TypeSessionClosed    = "session-closed"
	TypeError            = "error"
)

type JoinFrame struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type SyncFrame struct {
	Type   string    `json:"type"`
	Update ByteArray `json:"update"`
}

type AwarenessFrame struct {
	Type   string          `json:"type"`
	UserID string          `json:"userId,omitempty"`
	State  json.RawMessage `json:"state"`
}

type InitMessage struct {
	Type  string         `json:"type"`
	State ByteArray      `json:"state"`
	Users []session.User `json:"users"`
	Role  session.Role   `json:"role"`
}

type UserConnectedMessage struct {
	Type   string       `json:"type"`
	UserID string       `json:"userId"`
	User   session.User `json:"user"`
}

type UserDisconnectedMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type UserJoinedMessage struct {
	Type  string         `json:"type"`
	Users []session.User `json:"users"`
}

type UserLeftMessage struct {
	Type   string         `json:"type"`
	UserID string         `json:"userId"`
	Users  []session.User `json:"users"`
}

type RoleChangedMessage struct {
	Type   string       `json:"type"`
	UserID string       `json:"userId"`
	Role   session.Role `json:"role"`
}

type SessionClosedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
