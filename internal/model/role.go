package model

// Role is the access level carried by an API token.
type Role string

const (
	RoleOperator Role = "operator"
	RoleObserver Role = "observer"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r Role) int {
	switch r {
	case RoleOperator:
		return 2
	case RoleObserver:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}
