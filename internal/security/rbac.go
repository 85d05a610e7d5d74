package security

import (
	"fmt"
	"net/http"
	"strings"
)

// Roles
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// ValidRoles lists all valid roles.
var ValidRoles = []string{RoleOperator, RoleViewer}

// routePermission defines which roles can access a method+path pattern.
type routePermission struct {
	Method  string // HTTP method ("GET", "POST", "DELETE", "*" for any)
	Pattern string // path prefix or exact match
	Roles   []string
}

// permissions defines the RBAC permission table. Viewers get the read-only
// surface plus the push channel; everything that mutates fleet state needs
// an operator.
var permissions = []routePermission{
	{Method: "GET", Pattern: "/api/", Roles: []string{RoleOperator, RoleViewer}},
	{Method: "GET", Pattern: "/ws", Roles: []string{RoleOperator, RoleViewer}},
	{Method: "*", Pattern: "/api/", Roles: []string{RoleOperator}},
}

// RequireRole returns middleware that checks the caller's role against the
// allowed set. Requests without claims pass through (dev mode).
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := GetClaims(r)
			if err != nil {
				// No claims means dev mode (no credentials configured).
				next.ServeHTTP(w, r)
				return
			}
			if !roleSet[claims.Role] {
				http.Error(w, fmt.Sprintf(`{"error":"%s"}`, ErrInsufficientRole.Error()), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CheckPermission reports whether the role may access method+path. Operators
// always have access.
func CheckPermission(role, method, path string) bool {
	if role == RoleOperator {
		return true
	}

	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	for _, perm := range permissions {
		if matchRoute(perm.Pattern, path) && (perm.Method == "*" || perm.Method == method) {
			for _, r := range perm.Roles {
				if r == role {
					return true
				}
			}
			continue
		}
	}

	// Viewer fallback: any GET on the API or the push upgrade.
	if role == RoleViewer {
		return method == "GET" && (strings.HasPrefix(path, "/api/") || path == "/ws")
	}

	return false
}

// matchRoute checks if a path matches a route pattern (prefix-based with
// {id} wildcards).
func matchRoute(pattern, path string) bool {
	patParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")

	if len(pathParts) < len(patParts) {
		if pattern == "/api/" && strings.HasPrefix(path, "/api") {
			return true
		}
		return false
	}

	for i, pp := range patParts {
		if strings.HasPrefix(pp, "{") && strings.HasSuffix(pp, "}") {
			continue // wildcard
		}
		if pp != pathParts[i] {
			return false
		}
	}
	return true
}
