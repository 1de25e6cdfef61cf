package identity

import "strings"

// Role is the platform role carried by every session credential.
type Role string

const (
	RoleViewer    Role = "VIEWER"
	RoleModel     Role = "MODEL"
	RoleModerator Role = "MODERATOR"
	RoleAdmin     Role = "ADMIN"
)

// ParseRole normalises a role string; unknown values fall back to VIEWER.
func ParseRole(raw string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleModel:
		return RoleModel
	case RoleModerator:
		return RoleModerator
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleViewer
	}
}

// PrivilegedFor reports whether the role may moderate and chat without a balance on the
// stream owned by creatorID. Creators are privileged only on their own stream.
func (r Role) PrivilegedFor(userID, creatorID string) bool {
	switch r {
	case RoleAdmin, RoleModerator:
		return true
	case RoleModel:
		return userID != "" && userID == creatorID
	default:
		return false
	}
}

// User captures the identity attributes this engine reads from the identity service.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}
