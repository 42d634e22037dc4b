package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"licensegate/internal/license"
	"licensegate/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type issueBody struct {
	Plan        json.RawMessage `json:"plan"`
	MaxAccounts json.RawMessage `json:"max_accounts"`
	Days        json.RawMessage `json:"days"`
}

type issueResponse struct {
	LicenseKey  string `json:"license_key"`
	Plan        string `json:"plan"`
	MaxAccounts int    `json:"max_accounts"`
	ExpiresAt   string `json:"expires_at"`
	Message     string `json:"message"`
}

type activationView struct {
	ID            string `json:"id"`
	Account       int64  `json:"account"`
	Server        string `json:"server"`
	LastValidated string `json:"last_validated"`
}

type licenseView struct {
	ID          string           `json:"id"`
	LicenseKey  string           `json:"license_key"`
	Plan        string           `json:"plan"`
	MaxAccounts int              `json:"max_accounts"`
	ExpiresAt   string           `json:"expires_at"`
	Active      bool             `json:"active"`
	CreatedAt   string           `json:"created_at"`
	Activations []activationView `json:"activations"`
}

type listResponse struct {
	Licenses []licenseView `json:"licenses"`
}

type setActiveBody struct {
	Active json.RawMessage `json:"active"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) handleIssue(w http.ResponseWriter, r *http.Request) {
	var body issueBody
	if err := decodeBody(r, &body); err != nil {
		a.writeJSONError(w, r, err)
		return
	}
	req, err := body.request()
	if err != nil {
		a.writeJSONError(w, r, err)
		return
	}

	lic, err := a.issuer.Issue(r.Context(), a.issuer.Resolve(req))
	if err != nil {
		a.writeJSONError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, issueResponse{
		LicenseKey:  lic.Key,
		Plan:        string(lic.Plan),
		MaxAccounts: lic.MaxAccounts,
		ExpiresAt:   license.FormatTime(lic.ExpiresAt),
		Message:     "License created successfully",
	})
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := a.issuer.List(r.Context())
	if err != nil {
		a.writeJSONError(w, r, err)
		return
	}
	out := listResponse{Licenses: make([]licenseView, 0, len(list))}
	for _, lic := range list {
		out.Licenses = append(out.Licenses, viewOf(lic))
	}
	render.JSON(w, r, out)
}

func (a *API) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var body setActiveBody
	if err := decodeBody(r, &body); err != nil {
		a.writeJSONError(w, r, err)
		return
	}
	var active *bool
	if json.Unmarshal(body.Active, &active) != nil || active == nil {
		a.writeJSONError(w, r, license.Errorf(license.KindBadRequest, "active must be a boolean"))
		return
	}
	if err := a.issuer.SetActive(r.Context(), chi.URLParam(r, "key"), *active); err != nil {
		a.writeJSONError(w, r, err)
		return
	}
	render.JSON(w, r, messageResponse{Message: "License updated successfully"})
}

// request converts the raw body into an issue request. Numbers must be
// integral; 3.0 is accepted, 3.5 and "3" are not.
func (b issueBody) request() (service.IssueRequest, error) {
	var req service.IssueRequest
	if len(b.Plan) > 0 {
		var plan string
		if err := json.Unmarshal(b.Plan, &plan); err != nil {
			return req, license.Errorf(license.KindBadRequest, "Invalid plan type")
		}
		req.Plan = &plan
	}
	if len(b.MaxAccounts) > 0 {
		n, ok := integer(b.MaxAccounts)
		if !ok {
			return req, license.Errorf(license.KindBadRequest, "Invalid max_accounts value")
		}
		req.MaxAccounts = &n
	}
	if len(b.Days) > 0 {
		n, ok := integer(b.Days)
		if !ok {
			return req, license.Errorf(license.KindBadRequest, "Invalid days value")
		}
		req.Days = &n
	}
	return req, nil
}

func integer(raw json.RawMessage) (int, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}

func viewOf(lic license.License) licenseView {
	v := licenseView{
		ID:          lic.ID,
		LicenseKey:  lic.Key,
		Plan:        string(lic.Plan),
		MaxAccounts: lic.MaxAccounts,
		ExpiresAt:   license.FormatTime(lic.ExpiresAt),
		Active:      lic.Active,
		CreatedAt:   license.FormatTime(lic.CreatedAt),
		Activations: make([]activationView, 0, len(lic.Activations)),
	}
	for _, act := range lic.Activations {
		v.Activations = append(v.Activations, activationView{
			ID:            act.ID,
			Account:       act.Account,
			Server:        act.Server,
			LastValidated: formatOptional(act.LastValidated),
		})
	}
	return v
}

func formatOptional(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return license.FormatTime(t)
}

// decodeBody reads a JSON object body. An empty body decodes as {}.
func decodeBody(r *http.Request, v any) error {
	err := render.DecodeJSON(r.Body, v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return license.Wrap(license.KindBadRequest, err, "Invalid request body")
}

func (a *API) writeJSONError(w http.ResponseWriter, r *http.Request, err error) {
	kind := license.KindOf(err)
	msg := license.MessageOf(err)
	switch kind {
	case license.KindUnauthorized:
		msg = "Unauthorized"
	case license.KindInternal:
		msg = "Internal server error"
	}
	render.Status(r, kind.HTTPStatus())
	render.JSON(w, r, errorResponse{Error: msg})
}

func jsonMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusMethodNotAllowed)
	render.JSON(w, r, errorResponse{Error: "Method not allowed"})
}
