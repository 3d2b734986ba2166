// Package rbac gates call operations by caller role. Identity extraction
// lives in internal/auth; this package only decides allow/deny.
package rbac

const (
	// RoleAdmin bypasses all role checks.
	RoleAdmin = "admin"
	// RoleDispatcher may initiate calls and batches.
	RoleDispatcher = "dispatcher"
	// RoleReadOnly may read cached results but never dial.
	RoleReadOnly = "readonly"
)

func IsAdmin(role string) bool { return role == RoleAdmin }
