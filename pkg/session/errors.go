package session

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidInviteCode = errors.New("invalid invite code")
	ErrUserNotFound      = errors.New("user not found")
	ErrPermissionDenied  = errors.New("permission denied")

	ErrNotOwner          = fmt.Errorf("%w: only the session owner may change roles", ErrPermissionDenied)
	ErrCannotChangeOwner = fmt.Errorf("%w: the owner's role cannot be changed", ErrPermissionDenied)
)

// Code names the taxonomy bucket of err, for wire error frames and REST bodies.
// Unknown errors yield "".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotFound):
		return "SessionNotFound"
	case errors.Is(err, ErrInvalidInviteCode):
		return "InvalidInviteCode"
	case errors.Is(err, ErrUserNotFound):
		return "UserNotFound"
	case errors.Is(err, ErrPermissionDenied):
		return "PermissionDenied"
	}
	return ""
}
