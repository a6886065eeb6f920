package handler

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/xenking/shopfront/internal/domain/customer"
)

// Identity headers injected by the upstream auth proxy.
const (
	UserIDHeader    = "X-User-Id"
	UserEmailHeader = "X-User-Email"
	UserNameHeader  = "X-User-Name"

	CronSecretHeader = "X-Cron-Secret"
)

// identity returns the caller as asserted by the auth proxy. ok is false
// when no user id was forwarded.
func identity(r *http.Request) (ref customer.Ref, ok bool) {
	ref = customer.Ref{
		ID:    strings.TrimSpace(r.Header.Get(UserIDHeader)),
		Email: strings.TrimSpace(r.Header.Get(UserEmailHeader)),
		Name:  strings.TrimSpace(r.Header.Get(UserNameHeader)),
	}
	return ref, ref.ID != ""
}

// authorizeCron compares the presented secret in constant time. Both sides
// are hashed first so the comparison does not leak the secret length.
func (h *Handler) authorizeCron(r *http.Request) bool {
	if h.cronSecret == "" {
		return false
	}
	got := sha256.Sum256([]byte(r.Header.Get(CronSecretHeader)))
	want := sha256.Sum256([]byte(h.cronSecret))
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}
