package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth gates the API behind a shared key, presented either as a Bearer token
// or in X-API-Key. An empty configured key disables the gate entirely; the
// signed-action scheme still protects every mutating market operation.
func Auth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			presented := presentedKey(r)
			if presented == "" {
				deny(w, "missing api key")
				return
			}
			// Constant-time so the comparison leaks nothing about the key.
			if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
				deny(w, "invalid api key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// presentedKey pulls the client's credential from Authorization: Bearer or,
// failing that, from X-API-Key.
func presentedKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, rest, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
