package session

// Role is the closed set of session roles.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// a bitmap representing a set of capabilities
type Permission uint64

const (
	PermRead        Permission = 1 << iota
	PermWrite                  // 2
	PermManageRoles            // 4
)

var rolePermissions = map[Role]Permission{
	RoleOwner:  PermRead | PermWrite | PermManageRoles,
	RoleEditor: PermRead | PermWrite,
	RoleViewer: PermRead,
}

// assignable lists, per requester role, which roles it may hand to a
// non-owner member. The owner role never appears on the right-hand side.
var assignable = map[Role]map[Role]bool{
	RoleOwner: {RoleEditor: true, RoleViewer: true},
}

func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}

func (r Role) Permissions() Permission {
	return rolePermissions[r]
}

func (r Role) Can(flag Permission) bool {
	return r.Permissions().Has(flag)
}

func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// ClampRole narrows a client supplied role to the ones a client may ask for:
// exactly "editor" yields editor, everything else viewer.
func ClampRole(requested string) Role {
	if Role(requested) == RoleEditor {
		return RoleEditor
	}
	return RoleViewer
}

// AuthorizeRoleChange is the role transition table check. It returns the role
// that would be granted.
func AuthorizeRoleChange(requester, target Role, requested string) (Role, error) {
	if !requester.Can(PermManageRoles) {
		return "", ErrNotOwner
	}
	if target == RoleOwner {
		return "", ErrCannotChangeOwner
	}
	newRole := ClampRole(requested)
	if !assignable[requester][newRole] {
		return "", ErrPermissionDenied
	}
	return newRole, nil
}
