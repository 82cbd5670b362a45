package auth

// Role represents an operator role for role-based access control
type Role string

const (
	// RoleAdmin has full access to all admin endpoints
	RoleAdmin Role = "admin"

	// RoleViewer has read-only access to balances and dead letters
	RoleViewer Role = "viewer"

	// RoleSystem is held by internal services: balance reads and trust scores
	RoleSystem Role = "system"
)

// String returns the string representation of the role
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is a valid role
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleViewer, RoleSystem:
		return true
	default:
		return false
	}
}

// HasPermission checks if a role has permission for a required role.
// Admin has all permissions; other roles only match themselves.
func (r Role) HasPermission(required Role) bool {
	if r == RoleAdmin {
		return true
	}
	return r == required
}

// ParseRoles validates a list of role names
func ParseRoles(names []string) ([]Role, error) {
	roles := make([]Role, 0, len(names))
	for _, n := range names {
		r := Role(n)
		if !r.IsValid() {
			return nil, ErrInvalidRole
		}
		roles = append(roles, r)
	}
	return roles, nil
}
