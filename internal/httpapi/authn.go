package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"medvault.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Paths reachable without a bearer token. /v1/download is gated by its own
// capability token.
var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/auth/register",
	"/v1/auth/token",
	"/v1/download",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			// Public paths still honor a valid token when one is sent, so an
			// admin can register privileged accounts. A bad token is simply
			// an anonymous request here.
			if token, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
				if principal, err := a.auth.Authenticate(r.Context(), token); err == nil {
					r = r.WithContext(auth.ContextWithPrincipal(r.Context(), principal))
				}
			}
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}

		principal, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrUnauthenticated):
				writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
			default:
				writeError(w, http.StatusInternalServerError, "internal", "authentication error")
			}
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
