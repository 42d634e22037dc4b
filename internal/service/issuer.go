package service

import (
	"context"
	"errors"
	"time"

	"licensegate/internal/license"
	"licensegate/internal/store"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const keyAttempts = 3

// IssueDefaults fill the fields an issue request leaves out.
type IssueDefaults struct {
	MaxAccounts int
	Days        int
}

// IssueRequest is an issue call as received; nil fields take defaults.
type IssueRequest struct {
	Plan        *string
	MaxAccounts *int
	Days        *int
}

// MaxDays keeps expiry dates inside the years every store can hold.
const MaxDays = 2_000_000

// IssueParams is a fully resolved issue call.
type IssueParams struct {
	Plan        string `validate:"oneof=basic pro enterprise"`
	MaxAccounts int    `validate:"min=1"`
	Days        int    `validate:"min=1,max=2000000"`
}

// Issuer creates licenses and manages their active flag.
type Issuer struct {
	deps     Dependencies
	defaults IssueDefaults
	validate *validator.Validate
}

func NewIssuer(deps Dependencies, defaults IssueDefaults) *Issuer {
	return &Issuer{
		deps:     deps.withDefaults(),
		defaults: defaults,
		validate: validator.New(),
	}
}

// Resolve applies the configured defaults to req.
func (i *Issuer) Resolve(req IssueRequest) IssueParams {
	p := IssueParams{
		Plan:        string(license.DefaultPlan),
		MaxAccounts: i.defaults.MaxAccounts,
		Days:        i.defaults.Days,
	}
	if req.Plan != nil {
		p.Plan = *req.Plan
	}
	if req.MaxAccounts != nil {
		p.MaxAccounts = *req.MaxAccounts
	}
	if req.Days != nil {
		p.Days = *req.Days
	}
	return p
}

// Issue validates p and stores a new active license expiring p.Days from now.
func (i *Issuer) Issue(ctx context.Context, p IssueParams) (license.License, error) {
	if err := i.check(p); err != nil {
		return license.License{}, err
	}

	now := i.deps.now()
	lic := license.License{
		Plan:        license.Plan(p.Plan),
		MaxAccounts: p.MaxAccounts,
		ExpiresAt:   now.AddDate(0, 0, p.Days).Truncate(time.Millisecond),
		Active:      true,
	}

	var lastErr error
	for attempt := 0; attempt < keyAttempts; attempt++ {
		key, err := license.NewKey()
		if err != nil {
			return license.License{}, license.Wrap(license.KindInternal, err, "Internal server error")
		}
		lic.Key = key

		created, err := i.deps.Store.CreateLicense(ctx, lic)
		if err == nil {
			i.deps.Metrics.ObserveIssue(p.Plan)
			i.deps.Logger.Info("license issued",
				zap.String("license_key", created.Key),
				zap.String("plan", p.Plan),
				zap.Int("max_accounts", p.MaxAccounts),
				zap.Time("expires_at", created.ExpiresAt),
			)
			return created, nil
		}
		lastErr = err
		if !errors.Is(err, store.ErrDuplicate) {
			break
		}
		i.deps.Logger.Warn("license key collision", zap.Int("attempt", attempt+1))
	}

	i.deps.Logger.Error("create license failed", zap.Error(lastErr))
	return license.License{}, license.Wrap(license.KindStore, lastErr, "Failed to create license")
}

func (i *Issuer) check(p IssueParams) error {
	err := i.validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return license.Wrap(license.KindInternal, err, "Internal server error")
	}
	// Errors come back in field declaration order.
	switch verrs[0].Field() {
	case "Plan":
		return license.Errorf(license.KindBadRequest, "Invalid plan type")
	case "MaxAccounts":
		return license.Errorf(license.KindBadRequest, "Invalid max_accounts value")
	default:
		return license.Errorf(license.KindBadRequest, "Invalid days value")
	}
}

// List returns every license, newest first, with its activations.
func (i *Issuer) List(ctx context.Context) ([]license.License, error) {
	list, err := i.deps.Store.ListLicenses(ctx)
	if err != nil {
		i.deps.Logger.Error("list licenses failed", zap.Error(err))
		return nil, license.Wrap(license.KindStore, err, "Failed to fetch licenses")
	}
	return list, nil
}

// SetActive enables or disables the license with the given key. An
// unknown key is a NotFound rejection.
func (i *Issuer) SetActive(ctx context.Context, key string, active bool) error {
	key = license.NormalizeKey(key)
	if key == "" {
		return license.Errorf(license.KindBadRequest, "license key required")
	}
	err := i.deps.Store.SetActive(ctx, key, active)
	switch {
	case err == nil:
		i.deps.Logger.Info("license updated", zap.String("license_key", key), zap.Bool("active", active))
		return nil
	case errors.Is(err, store.ErrNotFound):
		return license.Errorf(license.KindNotFound, "License not found")
	default:
		i.deps.Logger.Error("update license failed", zap.String("license_key", key), zap.Error(err))
		return license.Wrap(license.KindStore, err, "Failed to update license")
	}
}

// Info returns one license with its activations.
func (i *Issuer) Info(ctx context.Context, key string) (license.License, error) {
	key = license.NormalizeKey(key)
	lic, err := i.deps.Store.GetLicense(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return license.License{}, license.Errorf(license.KindNotFound, "License not found")
		}
		i.deps.Logger.Error("get license failed", zap.String("license_key", key), zap.Error(err))
		return license.License{}, license.Wrap(license.KindStore, err, "Failed to fetch licenses")
	}
	acts, err := i.deps.Store.ListActivations(ctx, lic.ID)
	if err != nil {
		i.deps.Logger.Error("list activations failed", zap.String("license_key", key), zap.Error(err))
		return license.License{}, license.Wrap(license.KindStore, err, "Failed to fetch licenses")
	}
	lic.Activations = acts
	return lic, nil
}
