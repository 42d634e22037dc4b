package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"licensegate/internal/license"

	"go.uber.org/zap"
)

var (
	corsMethods = strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions,
	}, ",")
	corsHeaders = strings.Join([]string{
		"X-CSRF-Token", "X-Requested-With", "Accept", "Accept-Version", "Content-Length",
		"Content-MD5", "Content-Type", "Date", "X-Api-Version", AdminHeader,
	}, ", ")
)

// cors allows any origin and answers every preflight with an empty 200.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", corsMethods)
		h.Set("Access-Control-Allow-Headers", corsHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorWriter func(w http.ResponseWriter, r *http.Request, err error)

// requireAdmin rejects requests whose admin header does not match the
// configured secret.
func (a *API) requireAdmin(fail errorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminHeader)
			if a.adminSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.adminSecret)) != 1 {
				fail(w, r, license.Errorf(license.KindUnauthorized, "unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoverer turns a handler panic into an INTERNAL response in the
// endpoint's own format.
func (a *API) recoverer(fail errorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil || rec == http.ErrAbortHandler {
					if rec != nil {
						panic(rec)
					}
					return
				}
				a.log.Error("handler panic",
					zap.String("path", r.URL.Path),
					zap.String("panic", fmt.Sprint(rec)),
					zap.Stack("stack"),
				)
				fail(w, r, license.Errorf(license.KindInternal, "unexpected error"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
