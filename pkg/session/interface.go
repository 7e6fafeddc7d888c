package session

type Registry interface {
	// --- Session Lifecycle ---
	// CreateSession always succeeds and always produces an owner.
	CreateSession(ownerName, sessionName string) Created
	GetSession(sessionID string) (*Summary, bool)
	GetSessionByInviteCode(code string) (*InviteSummary, bool)
	SessionCount() int

	// --- Membership ---
	// JoinSession appends a user. A non-empty inviteCode must match exactly.
	JoinSession(sessionID, displayName, requestedRole, inviteCode string) (*JoinResult, error)
	GetUser(sessionID, userID string) (User, error)
	// LeaveSession removes the user. The owner leaving closes the session.
	LeaveSession(sessionID, userID string) (*LeaveResult, error)

	// --- Roles ---
	UpdateUserRole(sessionID, targetUserID, newRole, requesterID string) (User, error)
	CanEdit(sessionID, userID string) bool
}
