// Package authmw guards the review API with static bearer tokens.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"
)

const realm = `Bearer realm="secnews"`

// BearerToken returns middleware accepting any of tokens in the
// Authorization header. Several tokens allow rotation without downtime.
// Tokens are compared as blake3 digests in constant time, so neither content
// nor length leaks through timing. Empty tokens are ignored; with none left
// every request is rejected.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	var digests [][32]byte
	for _, t := range tokens {
		if t != "" {
			digests = append(digests, blake3.Sum256([]byte(t)))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				unauthorized(w, "missing or malformed authorization header")
				return
			}

			sum := blake3.Sum256([]byte(got))
			match := 0
			for i := range digests {
				match |= subtle.ConstantTimeCompare(sum[:], digests[i][:])
			}
			if match != 1 {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearer extracts the credentials of a Bearer authorization header. The
// scheme is case-insensitive.
func bearer(header string) (string, bool) {
	scheme, cred, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	cred = strings.TrimSpace(cred)
	return cred, cred != ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", realm)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
