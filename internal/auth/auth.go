package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/internal/config"
	"msgflow/backend/internal/repository"
	"msgflow/backend/internal/tenancy"
	"msgflow/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// DefaultRole is given to callers whose token carries no role claim.
const DefaultRole = RoleEditor

// devEmail identifies the caller when authentication is bypassed in DEV.
const devEmail = "dev@localhost"

// Auth contains configuration and helpers for performing OpenID Connect
// authentication with an Okta tenant.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	repo         repository.TenantStore
	logger       Logger
	devMode      bool
	authBypass   bool
}

// New creates a new Auth object using values from the application
// configuration. It establishes a connection to the provider and prepares an
// ID token verifier.
func New(ctx context.Context, cfg *config.Config, repo repository.TenantStore, logger Logger) (*Auth, error) {
	isDev := cfg.IsDev()
	shouldBypass := isDev && cfg.DevModeBypass

	var oauth2Config *oauth2.Config
	var verifier *oidc.IDTokenVerifier
	var apiVerifier *oidc.IDTokenVerifier

	if !shouldBypass {
		if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
			cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
			return nil, errors.New("auth configuration is incomplete")
		}

		provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
		if err != nil {
			return nil, err
		}

		oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       []string{ScopeOpenID, ScopeProfile, ScopeEmail},
		}

		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})

		// Access tokens carry the API audience, not the client id.
		apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}

	return &Auth{
		oauth2Config: oauth2Config,
		verifier:     verifier,
		apiVerifier:  apiVerifier,
		repo:         repo,
		logger:       logger,
		devMode:      isDev,
		authBypass:   shouldBypass,
	}, nil
}

// LoginHandler initiates the OAuth2 authorization code flow by redirecting the
// user to the Okta authorization endpoint. A random state value is stored in a
// cookie to mitigate CSRF attacks.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "oauthstate",
		Value:    state,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((10 * time.Minute).Seconds()),
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler handles the redirect back from Okta. It verifies the state
// parameter, exchanges the code for tokens, validates the ID token, and sets a
// session cookie containing the raw ID token.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie("oauthstate")
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}

	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "id_token",
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// claims are the token fields used to identify the caller.
type claims struct {
	Email string   `json:"email"`
	Role  string   `json:"role"`
	Roles []string `json:"roles"`
}

func (c claims) role() string {
	if r := strings.ToLower(strings.TrimSpace(c.Role)); r != "" {
		return r
	}
	best := ""
	for _, r := range c.Roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if rank(r) > rank(best) {
			best = r
		}
	}
	if best != "" {
		return best
	}
	return DefaultRole
}

// RequireAuth is middleware that resolves the caller from a bearer token or
// the session cookie, looks up (or provisions) the tenant for the caller's
// email domain and puts tenant and actor on the request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var c claims

		if a.authBypass {
			c = claims{Email: devEmail, Role: RoleOwner}
		} else {
			var token *oidc.IDToken
			var err error

			// Check for Authorization header first (for Swagger/API clients)
			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				rawToken := strings.TrimPrefix(authHeader, "Bearer ")
				token, err = a.apiVerifier.Verify(r.Context(), rawToken)
				if err != nil {
					http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
					return
				}
			} else {
				cookie, err := r.Cookie("id_token")
				if err != nil {
					http.Redirect(w, r, "/login", http.StatusSeeOther)
					return
				}
				token, err = a.verifier.Verify(r.Context(), cookie.Value)
				if err != nil {
					http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
					return
				}
			}

			if err := token.Claims(&c); err != nil {
				http.Error(w, "failed to parse token claims", http.StatusUnauthorized)
				return
			}
		}

		parts := strings.Split(c.Email, "@")
		if len(parts) != 2 || parts[1] == "" {
			http.Error(w, "invalid email format in token", http.StatusUnauthorized)
			return
		}
		domain := strings.ToLower(parts[1])

		tenant, err := a.tenantFor(r.Context(), domain)
		if err != nil {
			if a.logger != nil {
				a.logger.Error("failed to provision tenant", "domain", domain, "error", err)
			}
			http.Error(w, "failed to provision tenant: "+err.Error(), http.StatusInternalServerError)
			return
		}

		ctx := tenancy.WithTenant(r.Context(), tenant.ID)
		ctx = tenancy.WithActor(ctx, models.Actor{ID: c.Email, Role: c.role()})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tenantFor looks the tenant up by domain and provisions it on first use.
func (a *Auth) tenantFor(ctx context.Context, domain string) (*models.Tenant, error) {
	tenant, err := a.repo.GetTenantByDomain(ctx, domain)
	if err == nil {
		return tenant, nil
	}
	if kind := apperr.KindOf(err); kind != apperr.NotFound && kind != apperr.Internal {
		return nil, err
	}
	now := time.Now().UTC()
	tenant = &models.Tenant{
		ID:        uuid.NewString(),
		Name:      domain,
		Domain:    domain,
		Plan:      "standard",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.repo.CreateTenant(ctx, tenant); err != nil {
		if apperr.Is(err, apperr.Conflict) {
			return a.repo.GetTenantByDomain(ctx, domain)
		}
		return nil, err
	}
	if a.logger != nil {
		a.logger.Info("provisioned tenant", "domain", domain, "tenant_id", tenant.ID)
	}
	return tenant, nil
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   "id_token",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
