package auth

import (
	"context"
	"net/http"
	"strings"
)

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// Actor names the identity in audit records.
func (i Identity) Actor() string {
	if email := strings.TrimSpace(i.Email); email != "" {
		return email
	}
	return strings.TrimSpace(i.Subject)
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// StaticAuthenticator accepts every request as one fixed identity.
type StaticAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *StaticAuthenticator {
	return &StaticAuthenticator{identity: Identity{
		Subject: cfg.DevSubject,
		Email:   cfg.DevEmail,
		Roles:   cfg.DevRoles,
	}}
}

func (a *StaticAuthenticator) Authenticate(context.Context, *http.Request) (Identity, error) {
	return a.identity, nil
}
