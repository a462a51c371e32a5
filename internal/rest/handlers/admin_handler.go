package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	mjolnirUtils "github.com/dfryer1193/mjolnir/utils"
	"github.com/rs/zerolog/hlog"
)

var errUnauthorized = errors.New("missing or invalid authorization header")

// AdminHandler guards the admin routes with a static bearer token.
type AdminHandler struct {
	token string
}

// NewAdminHandler with an empty token rejects every request.
func NewAdminHandler(token string) *AdminHandler {
	return &AdminHandler{token: token}
}

func (h *AdminHandler) RequireToken(next http.Handler) http.Handler {
	return mjolnirUtils.ErrorHandler(func(w http.ResponseWriter, r *http.Request) *mjolnirUtils.ApiError {
		if !h.ValidateToken(bearerToken(r)) {
			hlog.FromRequest(r).Warn().Str("path", r.URL.Path).Msg("rejected admin request")
			return mjolnirUtils.UnauthorizedErr(errUnauthorized)
		}

		next.ServeHTTP(w, r)
		return nil
	})
}

func (h *AdminHandler) ValidateToken(token string) bool {
	if h.token == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) == 1
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
