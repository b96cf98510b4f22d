package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"

	apiTypes "github.com/ricochet1k/termtabs/pkg/api"
)

const (
	csrfCookieName = apiTypes.CSRFCookieName
	csrfHeaderName = apiTypes.CSRFHeaderName
)

var (
	errCSRFMissing  = errors.New("csrf cookie missing")
	errCSRFMismatch = errors.New("csrf header does not match cookie")
	errCrossOrigin  = errors.New("cross-origin request")
)

// CSRFMiddleware guards the REST session routes with a double-submit token.
// Safe requests without the cookie are issued one; anything else must echo
// the cookie in the X-CSRF-Token header and must not come from another
// origin.
func CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			if c, err := r.Cookie(csrfCookieName); err != nil || c.Value == "" {
				http.SetCookie(w, &http.Cookie{
					Name:     csrfCookieName,
					Value:    newCSRFToken(),
					Path:     "/",
					SameSite: http.SameSiteStrictMode,
				})
			}
		default:
			if err := checkCSRF(r); err != nil {
				writeError(w, http.StatusForbidden, "invalid CSRF token", err.Error())
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func checkCSRF(r *http.Request) error {
	if origin := r.Header.Get("Origin"); origin != "" {
		u, err := url.Parse(origin)
		if err != nil || u.Host != r.Host {
			return errCrossOrigin
		}
	}
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return errCSRFMissing
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(csrfHeaderName)), []byte(cookie.Value)) != 1 {
		return errCSRFMismatch
	}
	return nil
}

func newCSRFToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
