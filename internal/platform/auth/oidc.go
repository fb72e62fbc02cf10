package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/chainops/chain-go/internal/platform/httpserver"
)

const (
	cookieState    = "chain_oidc_state"
	cookieVerifier = "chain_oidc_verifier"
	cookieNonce    = "chain_oidc_nonce"
	cookieReturnTo = "chain_return_to"

	loginCookieTTL = 10 * time.Minute
)

type tokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCService verifies bearer or session-cookie ID tokens and serves the
// browser login flow (authorization code with PKCE).
type OIDCService struct {
	cfg      Config
	verifier tokenVerifier
	oauth2   oauth2.Config
}

func NewOIDCService(ctx context.Context, cfg Config) (*OIDCService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}

	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return &OIDCService{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
		oauth2: oauth2.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.OIDCRedirectURL,
			Scopes:       cfg.OIDCScopes,
		},
	}, nil
}

func (s *OIDCService) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		raw = cookieValue(r, s.cfg.SessionCookieName)
	}
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}

	idToken, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		return Identity{}, err
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}
	return identityFromClaims(claims, s.cfg), nil
}

// Routes registers the login endpoints under /auth. Without a client secret
// and redirect URL only the session and logout endpoints are served.
func (s *OIDCService) Routes(mux *http.ServeMux) {
	if s.cfg.LoginEnabled() {
		mux.HandleFunc("GET /auth/login", s.login)
		mux.HandleFunc("GET /auth/callback", s.callback)
	}
	mux.HandleFunc("POST /auth/logout", s.logout)
	mux.HandleFunc("GET /auth/session", s.session)
}

func (s *OIDCService) login(w http.ResponseWriter, r *http.Request) {
	state, err1 := randomToken()
	verifier, err2 := randomToken()
	nonce, err3 := randomToken()
	if err := errors.Join(err1, err2, err3); err != nil {
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
		return
	}

	s.setCookie(w, cookieState, state, loginCookieTTL)
	s.setCookie(w, cookieVerifier, verifier, loginCookieTTL)
	s.setCookie(w, cookieNonce, nonce, loginCookieTTL)
	s.setCookie(w, cookieReturnTo, safeReturnTo(r.URL.Query().Get("return_to")), loginCookieTTL)

	redirect := s.oauth2.AuthCodeURL(
		state,
		oauth2.AccessTypeOnline,
		oauth2.SetAuthURLParam("code_challenge", pkceChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("nonce", nonce),
	)
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (s *OIDCService) callback(w http.ResponseWriter, r *http.Request) {
	fail := func(status int, code string) {
		httpserver.WriteJSON(w, status, map[string]any{"error": code})
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		fail(http.StatusBadRequest, "missing_code_or_state")
		return
	}
	if expected := cookieValue(r, cookieState); expected == "" || expected != state {
		fail(http.StatusBadRequest, "invalid_state")
		return
	}
	verifier := cookieValue(r, cookieVerifier)
	nonce := cookieValue(r, cookieNonce)
	if verifier == "" || nonce == "" {
		fail(http.StatusBadRequest, "missing_pkce_or_nonce")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	token, err := s.oauth2.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		fail(http.StatusUnauthorized, "token_exchange_failed")
		return
	}
	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		fail(http.StatusUnauthorized, "missing_id_token")
		return
	}
	idToken, err := s.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		fail(http.StatusUnauthorized, "invalid_id_token")
		return
	}
	if idToken.Nonce == "" || idToken.Nonce != nonce {
		fail(http.StatusUnauthorized, "invalid_nonce")
		return
	}

	s.setCookie(w, s.cfg.SessionCookieName, rawIDToken, s.cfg.SessionCookieMaxAge)
	for _, name := range []string{cookieState, cookieVerifier, cookieNonce, cookieReturnTo} {
		s.setCookie(w, name, "", -1)
	}
	http.Redirect(w, r, safeReturnTo(cookieValue(r, cookieReturnTo)), http.StatusFound)
}

func (s *OIDCService) logout(w http.ResponseWriter, _ *http.Request) {
	s.setCookie(w, s.cfg.SessionCookieName, "", -1)
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *OIDCService) session(w http.ResponseWriter, r *http.Request) {
	identity, err := s.Authenticate(r.Context(), r)
	if err != nil {
		code := "invalid_token"
		if errors.Is(err, ErrUnauthenticated) {
			code = "unauthorized"
		}
		httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": code})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"subject": identity.Subject,
		"email":   identity.Email,
		"roles":   identity.Roles,
	})
}

// setCookie writes an HttpOnly cookie; a negative ttl deletes it.
func (s *OIDCService) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	maxAge := -1
	if ttl > 0 {
		maxAge = int(ttl.Seconds())
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cfg.SessionCookieSecure,
		SameSite: sameSite(s.cfg.SessionCookieSameSite),
	})
}

func identityFromClaims(claims map[string]any, cfg Config) Identity {
	subject, _ := claims["sub"].(string)
	email, _ := claims[cfg.EmailClaim].(string)

	var roles []string
	switch v := claims[cfg.RolesClaim].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
	case []string:
		roles = v
	case string:
		roles = strings.Split(v, ",")
	}
	return Identity{Subject: subject, Email: email, Roles: normalizeRoles(roles)}
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// safeReturnTo only allows local absolute paths.
func safeReturnTo(raw string) string {
	u, err := url.Parse(raw)
	if raw == "" || err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	if !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") {
		return "/"
	}
	return u.Path
}

func sameSite(raw string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
