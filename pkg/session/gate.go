package session

import "fmt"

// Gate is the single permission check consulted before a document update is
// accepted and before a role change is applied. It only guards mutations a
// user originates; delivery to a user is never gated.
type Gate struct {
	registry Registry
}

func NewGate(registry Registry) *Gate {
	return &Gate{registry: registry}
}

// AuthorizeSync reports whether userID may push document updates.
func (g *Gate) AuthorizeSync(sessionID, userID string) error {
	user, err := g.registry.GetUser(sessionID, userID)
	if err != nil {
		return err
	}
	if !user.Role.Can(PermWrite) {
		return fmt.Errorf("%w: role '%s' cannot edit", ErrPermissionDenied, user.Role)
	}
	return nil
}

// AuthorizeRoleChange pre-checks a role change against the transition table.
// The registry repeats the same check atomically when applying it.
func (g *Gate) AuthorizeRoleChange(sessionID, requesterID, targetID, newRole string) (Role, error) {
	requester, err := g.registry.GetUser(sessionID, requesterID)
	if err != nil {
		return "", err
	}
	target, err := g.registry.GetUser(sessionID, targetID)
	if err != nil {
		return "", err
	}
	return AuthorizeRoleChange(requester.Role, target.Role, newRole)
}
