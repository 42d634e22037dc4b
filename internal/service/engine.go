package service

import (
	"context"
	"errors"
	"time"

	"licensegate/internal/license"
	"licensegate/internal/metrics"
	"licensegate/internal/store"

	"go.uber.org/zap"
)

// Grant is a successful validation.
type Grant struct {
	Plan       license.Plan
	ExpiresAt  time.Time
	Activation license.Activation
	// NewlyBound is true when this call consumed a fresh slot.
	NewlyBound bool
}

// Engine decides whether an (account, server) identity may use a license
// and keeps the activation rows in step with that decision.
type Engine struct {
	deps   Dependencies
	strict bool
}

// NewEngine returns an Engine. With strict set, stores implementing
// store.AtomicActivator enforce the activation cap exactly; other stores
// always get the best-effort sequence.
func NewEngine(deps Dependencies, strict bool) *Engine {
	return &Engine{deps: deps.withDefaults(), strict: strict}
}

// Validate checks key against the (account, server) identity. A known
// identity is refreshed; a new one takes a slot if one is free.
func (e *Engine) Validate(ctx context.Context, key, account, server string) (Grant, error) {
	g, err := e.validate(ctx, key, account, server)
	if err != nil {
		e.deps.Metrics.ObserveValidation(string(license.KindOf(err)))
		return Grant{}, err
	}
	if g.NewlyBound {
		e.deps.Metrics.ObserveValidation(metrics.OutcomeActivated)
	} else {
		e.deps.Metrics.ObserveValidation(metrics.OutcomeRefreshed)
	}
	return g, nil
}

func (e *Engine) validate(ctx context.Context, key, account, server string) (Grant, error) {
	key = license.NormalizeKey(key)
	if key == "" || account == "" || server == "" {
		return Grant{}, license.Errorf(license.KindBadRequest, "missing params")
	}
	id, err := license.ParseIdentity(account, server)
	if err != nil {
		return Grant{}, err
	}

	lic, err := lookup(ctx, e.deps, key)
	if err != nil {
		return Grant{}, err
	}
	now := e.deps.now()
	if err := lic.Usable(now); err != nil {
		return Grant{}, err
	}

	log := e.deps.Logger.With(
		zap.String("license_key", key),
		zap.Int64("account", id.Account),
		zap.String("server", id.Server),
	)

	if atomic, ok := e.deps.Store.(store.AtomicActivator); ok && e.strict {
		res, err := atomic.Activate(ctx, lic, id, now)
		if err != nil {
			log.Error("activation failed", zap.Error(err))
			return Grant{}, license.Wrap(license.KindStore, err, "activation failed")
		}
		if res.LimitReached {
			return Grant{}, license.Errorf(license.KindLimitReached, "max activations reached")
		}
		if res.NewlyBound {
			log.Info("activation created", zap.Int("used", res.Used), zap.Int("limit", res.Limit))
		}
		return grant(lic, res.Activation, res.NewlyBound), nil
	}
	return e.bestEffort(ctx, log, lic, id, now)
}

// bestEffort runs count, lookup and insert as separate store calls.
// Concurrent first activations of different identities may overshoot the
// cap; concurrent first activations of the same identity collapse into one
// row through the store's uniqueness constraint.
func (e *Engine) bestEffort(ctx context.Context, log *zap.Logger, lic license.License, id license.Identity, now time.Time) (Grant, error) {
	st := e.deps.Store

	used, err := st.CountActivations(ctx, lic.ID)
	if err != nil {
		log.Error("count activations failed", zap.Error(err))
		return Grant{}, license.Wrap(license.KindStore, err, "activation failed")
	}

	existing, err := st.FindActivation(ctx, lic.ID, id)
	switch {
	case err == nil:
		return grant(lic, e.touch(ctx, log, existing, now), false), nil
	case !errors.Is(err, store.ErrNotFound):
		log.Error("find activation failed", zap.Error(err))
		return Grant{}, license.Wrap(license.KindStore, err, "activation failed")
	}

	if used >= lic.MaxAccounts {
		return Grant{}, license.Errorf(license.KindLimitReached, "max activations reached")
	}

	act, err := st.InsertActivation(ctx, lic.ID, id, now)
	switch {
	case err == nil:
		log.Info("activation created", zap.Int("used", used+1), zap.Int("limit", lic.MaxAccounts))
		return grant(lic, act, true), nil
	case errors.Is(err, store.ErrDuplicate):
		// Lost the insert race to a request for the same identity.
		winner, ferr := st.FindActivation(ctx, lic.ID, id)
		if ferr != nil {
			log.Error("find activation after duplicate insert failed", zap.Error(ferr))
			return Grant{}, license.Wrap(license.KindStore, ferr, "activation failed")
		}
		return grant(lic, e.touch(ctx, log, winner, now), false), nil
	default:
		log.Error("insert activation failed", zap.Error(err))
		return Grant{}, license.Wrap(license.KindStore, err, "activation failed")
	}
}

// touch refreshes last_validated. A failed refresh does not revoke the
// slot; it is logged and the stale activation is returned.
func (e *Engine) touch(ctx context.Context, log *zap.Logger, act license.Activation, now time.Time) license.Activation {
	if err := e.deps.Store.TouchActivation(ctx, act, now); err != nil {
		log.Warn("refresh activation failed", zap.Error(err))
		return act
	}
	act.LastValidated = now
	return act
}

func grant(lic license.License, act license.Activation, fresh bool) Grant {
	return Grant{
		Plan:       lic.Plan,
		ExpiresAt:  lic.ExpiresAt,
		Activation: act,
		NewlyBound: fresh,
	}
}

// lookup loads the license for a normalized key.
func lookup(ctx context.Context, deps Dependencies, key string) (license.License, error) {
	lic, err := deps.Store.GetLicense(ctx, key)
	if err == nil {
		return lic, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return license.License{}, license.Errorf(license.KindNotFound, "license")
	}
	deps.Logger.Error("get license failed", zap.String("license_key", key), zap.Error(err))
	return license.License{}, license.Wrap(license.KindStore, err, "license lookup failed")
}
