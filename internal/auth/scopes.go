package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"msgflow/backend/internal/tenancy"
)

const (
	ScopeOpenID     = "openid"
	ScopeProfile    = "profile"
	ScopeEmail      = "email"
	ScopeFlowsRead  = "flows:read"
	ScopeFlowsWrite = "flows:write"
)

// AllScopes defines the full set of scopes used by the Swagger UI / Frontend
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeFlowsRead,
	ScopeFlowsWrite,
}

// Roles, lowest to highest.
const (
	RoleViewer     = "viewer"
	RoleEditor     = "editor"
	RoleAdmin      = "admin"
	RoleOwner      = "owner"
	RoleSuperAdmin = "super_admin"
)

// Permission is a capability checked at the API boundary.
type Permission string

const (
	PermFlowsRead    Permission = "flows.read"
	PermFlowsWrite   Permission = "flows.write"
	PermFlowsPublish Permission = "flows.publish"
	PermFlowsRun     Permission = "flows.run"
	PermRunsRead     Permission = "runs.read"
	PermFaqRead      Permission = "faq.read"
	PermFaqWrite     Permission = "faq.write"
)

var roleRank = map[string]int{
	RoleViewer:     1,
	RoleEditor:     2,
	RoleAdmin:      3,
	RoleOwner:      4,
	RoleSuperAdmin: 5,
}

// minimum role holding each permission
var permissionFloor = map[Permission]string{
	PermFlowsRead:    RoleViewer,
	PermRunsRead:     RoleViewer,
	PermFaqRead:      RoleViewer,
	PermFlowsWrite:   RoleEditor,
	PermFlowsPublish: RoleEditor,
	PermFlowsRun:     RoleEditor,
	PermFaqWrite:     RoleEditor,
}

func rank(role string) int {
	return roleRank[role]
}

// Allowed reports whether role holds perm. Unknown roles hold nothing.
func Allowed(role string, perm Permission) bool {
	floor, ok := permissionFloor[perm]
	if !ok {
		return false
	}
	r := rank(role)
	return r > 0 && r >= rank(floor)
}

// RequirePermission rejects callers whose role lacks perm with 403.
func RequirePermission(perm Permission) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := tenancy.ActorFrom(c.Request().Context())
			if !Allowed(actor.Role, perm) {
				return echo.NewHTTPError(http.StatusForbidden, "role "+quoteRole(actor.Role)+" lacks permission "+string(perm))
			}
			return next(c)
		}
	}
}

func quoteRole(role string) string {
	if role == "" {
		return `""`
	}
	return role
}
