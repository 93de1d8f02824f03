package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const joinSubjectKey contextKey = "join_subject"

// apiErrEnvelope matches the api package's envelope format for error
// responses generated here. This avoids importing the api package, which
// would create a circular dependency.
type apiErrEnvelope struct {
	Error string `json:"error,omitempty"`
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`)) //nolint:errcheck
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// RequireAdminKey returns middleware that checks the Authorization bearer
// token against a bcrypt hash of the configured admin API key. Intended for
// the operator-facing mint-token endpoint; it never touches per-user state.
func RequireAdminKey(hash []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// JoinVerifier validates a signed join token and returns the (userID,
// channelID) it authorizes, both rendered as strings to keep this package
// free of a google/uuid import.
type JoinVerifier func(token string) (userID, channelID string, err error)

// RequireJoinAuth returns middleware that validates a signed join token on
// channel membership endpoints. On success it stores "userID:channelID" in
// the request context for handlers to split.
func RequireJoinAuth(verify JoinVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			userID, channelID, err := verify(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			ctx := context.WithValue(r.Context(), joinSubjectKey, userID+":"+channelID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// JoinSubjectFromContext splits the (userID, channelID) pair stored by
// RequireJoinAuth. Returns empty strings if not set.
func JoinSubjectFromContext(ctx context.Context) (userID, channelID string) {
	v, _ := ctx.Value(joinSubjectKey).(string)
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
