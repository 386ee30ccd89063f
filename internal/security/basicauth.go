package security

import (
	"crypto/subtle"
	"net/http"

	"github.com/alexedwards/argon2id"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-adyen/internal/common"
)

// BasicAuth guards an endpoint with a single username and an argon2id hash
// of the password, the way Adyen authenticates notification deliveries.
type BasicAuth struct {
	Username     string
	PasswordHash string
	Realm        string
	Logger       zerolog.Logger
}

// Verify reports whether the request carries the configured credentials.
// An unconfigured guard rejects everything.
func (b BasicAuth) Verify(r *http.Request) bool {
	if b.Username == "" || b.PasswordHash == "" {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(b.Username)) != 1 {
		return false
	}
	match, err := argon2id.ComparePasswordAndHash(pass, b.PasswordHash)
	if err != nil {
		b.Logger.Error().Err(err).Msg("basic auth hash comparison")
		return false
	}
	return match
}

// Middleware replies 401 to requests failing Verify.
func (b BasicAuth) Middleware(next http.Handler) http.Handler {
	realm := b.Realm
	if realm == "" {
		realm = "restricted"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.Verify(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
