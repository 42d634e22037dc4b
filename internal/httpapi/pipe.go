package httpapi

import (
	"net/http"

	"licensegate/internal/license"
)

// The pipe protocol answers "OK|..." on success and "ERR|<KIND>|<message>"
// on rejection, as plain text.

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	g, err := a.engine.Validate(r.Context(), q.Get("key"), q.Get("account"), q.Get("server"))
	if err != nil {
		a.writePipeError(w, r, err)
		return
	}
	writePipe(w, http.StatusOK, "OK|"+string(g.Plan)+"|"+license.FormatTime(g.ExpiresAt))
}

func (a *API) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if _, err := a.deactivator.Deactivate(r.Context(), q.Get("key"), q.Get("account"), q.Get("server")); err != nil {
		a.writePipeError(w, r, err)
		return
	}
	writePipe(w, http.StatusOK, "OK|DEACTIVATED")
}

func (a *API) writePipeError(w http.ResponseWriter, _ *http.Request, err error) {
	kind := license.KindOf(err)
	writePipe(w, kind.HTTPStatus(), "ERR|"+string(kind)+"|"+license.MessageOf(err))
}

func pipeMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writePipe(w, http.StatusMethodNotAllowed, "ERR|METHOD|method not allowed")
}

func writePipe(w http.ResponseWriter, status int, body string) {
	w.Header().Set("content-type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
