package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

var roleLevels = map[string]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleAdmin:  3,
}

func HasAtLeast(roles []string, required string) bool {
	want := roleLevels[strings.ToLower(required)]
	if want == 0 {
		return false
	}
	for _, role := range roles {
		if roleLevels[strings.ToLower(strings.TrimSpace(role))] >= want {
			return true
		}
	}
	return false
}

// AdminPaths lists mutating endpoints that need the admin role.
var AdminPaths = []string{"/plugin/chain/trust/reset"}

func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	}
	for _, path := range AdminPaths {
		if r.URL.Path == path {
			return RoleAdmin
		}
	}
	// POST on the rest endpoints only filters.
	if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/plugin/chain/") {
		return RoleViewer
	}
	return RoleEditor
}

type AuthorizeFunc func(r *http.Request, identity Identity) error

func MethodRoleAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		if HasAtLeast(identity.Roles, RequiredRoleForRequest(r)) {
			return nil
		}
		return ErrForbidden
	}
}
