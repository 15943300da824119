/*
auth.go - Caller identity boundary

PURPOSE:
  Resolves a caller identity for every banking request. The real session
  layer (login, membership, roles) lives in the excluded web application;
  this boundary only needs to know which chapter the caller belongs to so
  tenant isolation can be enforced before any work happens.

  Identity arrives as the X-Chapter-ID header set by the fronting
  application after it has authenticated the session. Requests without it
  are rejected up front.

SEE ALSO:
  - handlers.go: authorize() compares this identity with the target chapter
*/
package api

import (
	"context"
	"net/http"

	"github.com/chapterline/treasury-engine/banksync"
)

// identityHeader carries the authenticated caller's chapter.
const identityHeader = "X-Chapter-ID"

// Identity is the resolved caller.
type Identity struct {
	ChapterID banksync.ChapterID
}

type identityKey struct{}

// RequireIdentity rejects requests without a resolvable identity and stores
// the identity in the request context for handlers.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chapter := r.Header.Get(identityHeader)
		if chapter == "" {
			writeError(w, http.StatusUnauthorized, "Missing caller identity", nil)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, Identity{
			ChapterID: banksync.ChapterID(chapter),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identityFrom returns the caller identity resolved by RequireIdentity.
func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
