package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rakunlabs/mawi-gateway/internal/gatewayerr"
)

// authIdentity is the resolved caller identity attached to a request's
// context once bearerAuthMiddleware accepts it. Session/cookie
// authentication is out of scope here — an external ForwardAuth
// collaborator (config.Server.ForwardAuth / UserHeader) is expected to
// have already set r.Header.Get(cfg.UserHeader) for session-authenticated
// traffic by the time it reaches this middleware; this file only handles
// the Bearer sk_ token path spec.md describes for programmatic callers.
type authIdentity struct {
	UserID           string
	TokenName        string
	AllowedProviders []string
	AllowedModels    []string
}

type ctxKey int

const identityCtxKey ctxKey = iota

func identityFromContext(ctx context.Context) (authIdentity, bool) {
	id, ok := ctx.Value(identityCtxKey).(authIdentity)
	return id, ok
}

// bearerAuthMiddleware authenticates every /v1 request either via the
// forward-auth user header (already-verified session identity) or a
// Bearer sk_ token, checked first against the static config list and then
// against the database.
func (s *Server) bearerAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := s.authenticate(r)
			if err != nil {
				httpResponseError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), identityCtxKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) authenticate(r *http.Request) (authIdentity, error) {
	if s.cfg.UserHeader != "" {
		if user := r.Header.Get(s.cfg.UserHeader); user != "" {
			return authIdentity{UserID: user}, nil
		}
	}

	token, err := bearerToken(r)
	if err != nil {
		return authIdentity{}, err
	}

	for _, cfgToken := range s.authTokens {
		if subtle.ConstantTimeCompare([]byte(cfgToken.Token), []byte(token)) != 1 {
			continue
		}
		if cfgToken.ExpiresAt != "" {
			expiresAt, err := time.Parse(time.RFC3339, cfgToken.ExpiresAt)
			if err == nil && time.Now().After(expiresAt) {
				return authIdentity{}, gatewayerr.New(gatewayerr.AuthFailure, "token expired")
			}
		}
		return authIdentity{
			UserID:           cfgToken.Name,
			TokenName:        cfgToken.Name,
			AllowedProviders: cfgToken.AllowedProviders,
			AllowedModels:    cfgToken.AllowedModels,
		}, nil
	}

	hash := hashToken(token)
	apiToken, err := s.store.GetAPITokenByHash(r.Context(), hash)
	if err != nil {
		return authIdentity{}, gatewayerr.Wrap(gatewayerr.AuthFailure, "invalid token", err)
	}
	if apiToken.ExpiresAt.Valid && time.Now().After(apiToken.ExpiresAt.Val.Time) {
		return authIdentity{}, gatewayerr.New(gatewayerr.AuthFailure, "token expired")
	}

	go func() {
		if err := s.store.UpdateLastUsed(context.Background(), apiToken.ID); err != nil {
			slog.Warn("update api token last_used_at", "error", err)
		}
	}()

	return authIdentity{
		UserID:           apiToken.OwnerID,
		TokenName:        apiToken.Name,
		AllowedProviders: []string(apiToken.AllowedProviders),
		AllowedModels:    []string(apiToken.AllowedModels),
	}, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", gatewayerr.New(gatewayerr.AuthFailure, "missing authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", gatewayerr.New(gatewayerr.AuthFailure, "authorization header must use Bearer scheme")
	}

	token := strings.TrimPrefix(header, prefix)
	if token == "" {
		return "", gatewayerr.New(gatewayerr.AuthFailure, "empty bearer token")
	}

	return token, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// adminAuthMiddleware gates the /admin/v1 CRUD surface behind a single
// static admin token, refusing everything when none is configured.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.AdminToken == "" {
				httpResponseError(w, gatewayerr.New(gatewayerr.AuthFailure, "admin interface disabled"))
				return
			}

			token, err := bearerToken(r)
			if err != nil {
				httpResponseError(w, err)
				return
			}

			if subtle.ConstantTimeCompare([]byte(s.cfg.AdminToken), []byte(token)) != 1 {
				httpResponseError(w, gatewayerr.New(gatewayerr.AuthFailure, "invalid admin token"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
