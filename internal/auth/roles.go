package auth

import "strings"

// Role represents an admin role for role-based access control
type Role string

const (
	// RoleAdmin may change pool state.
	RoleAdmin Role = "admin"

	// RoleViewer has read-only access to admin endpoints
	RoleViewer Role = "viewer"
)

// String returns the string representation of the role
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is a valid role
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleViewer:
		return true
	default:
		return false
	}
}

// HasPermission checks if a role has permission for a required role
// Admin has all permissions, viewer only has viewer permissions
func (r Role) HasPermission(required Role) bool {
	if r == RoleAdmin {
		return true
	}
	return r == required
}

// ParseRoles splits a comma separated role list, dropping blanks.
func ParseRoles(s string) []Role {
	var roles []Role
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			roles = append(roles, Role(strings.ToLower(part)))
		}
	}
	return roles
}

// RoleStrings converts roles to their claim form.
func RoleStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = r.String()
	}
	return out
}

// Allows reports whether any of granted satisfies any of required.
func Allows(granted []string, required ...Role) bool {
	if len(required) == 0 {
		return true
	}
	for _, need := range required {
		for _, g := range granted {
			if Role(g).HasPermission(need) {
				return true
			}
		}
	}
	return false
}
