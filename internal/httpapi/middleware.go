package httpapi

import (
	"context"
	"errors"
	"net/http"

	"outreach/internal/storage"
	logx "outreach/pkg/logx"
)

type ctxKey int

const orgKey ctxKey = iota

// withOrg resolves the caller's access code (X-Access-Code header, falling
// back to the access_code cookie) to an organization and stores it on the
// request context. Requests without a valid code never reach a handler.
func (s *Server) withOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := r.Header.Get("X-Access-Code")
		if code == "" {
			if c, err := r.Cookie("access_code"); err == nil {
				code = c.Value
			}
		}
		if code == "" {
			writeError(w, http.StatusUnauthorized, "Missing access code")
			return
		}

		org, err := s.store.OrgByAccessCode(r.Context(), code)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "Invalid access code")
			return
		}
		if err != nil {
			s.log.Error("access code lookup failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), orgKey, org)))
	})
}

func orgFrom(ctx context.Context) *storage.Organization {
	org, _ := ctx.Value(orgKey).(*storage.Organization)
	return org
}
