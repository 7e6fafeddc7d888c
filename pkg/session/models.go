package session

import "time"

// User is one participant of a session.
type User struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Role     Role      `json:"role"`
	Color    string    `json:"color"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Summary is a point-in-time copy of a session. Callers may keep it; it does
// not alias registry state.
type Summary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	OwnerID    string    `json:"ownerId"`
	InviteCode string    `json:"inviteCode"`
	CreatedAt  time.Time `json:"createdAt"`
	Users      []User    `json:"users"`
}

// InviteSummary is what an invite code resolves to. It carries no per-user
// details beyond the member count.
type InviteSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UserCount int    `json:"userCount"`
}

type Created struct {
	SessionID  string
	InviteCode string
	Owner      User
}

type JoinResult struct {
	User  User
	Users []User
}

type LeaveResult struct {
	// SessionClosed is set when the session record was reclaimed by this leave.
	SessionClosed bool
	// Removed lists every user record dropped, the leaver first.
	Removed []User
	Users   []User
}

// Palette is the fixed set of display colors handed out to joining users.
var Palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c",
}
