package service

import (
	"context"

	"licensegate/internal/license"
	"licensegate/internal/metrics"

	"go.uber.org/zap"
)

// Deactivator releases the slot held by one (account, server) identity.
type Deactivator struct {
	deps Dependencies
}

func NewDeactivator(deps Dependencies) *Deactivator {
	return &Deactivator{deps: deps.withDefaults()}
}

// Deactivate removes the activation of (account, server) on the license.
// Removing an activation that does not exist succeeds; removed reports
// whether a row was deleted.
func (d *Deactivator) Deactivate(ctx context.Context, key, account, server string) (removed bool, err error) {
	removed, err = d.deactivate(ctx, key, account, server)
	switch {
	case err != nil:
		d.deps.Metrics.ObserveDeactivation(string(license.KindOf(err)))
	case removed:
		d.deps.Metrics.ObserveDeactivation(metrics.OutcomeRemoved)
	default:
		d.deps.Metrics.ObserveDeactivation(metrics.OutcomeAbsent)
	}
	return removed, err
}

func (d *Deactivator) deactivate(ctx context.Context, key, account, server string) (bool, error) {
	key = license.NormalizeKey(key)
	if key == "" || account == "" || server == "" {
		return false, license.Errorf(license.KindBadRequest, "missing params")
	}
	id, err := license.ParseIdentity(account, server)
	if err != nil {
		return false, err
	}

	lic, err := lookup(ctx, d.deps, key)
	if err != nil {
		return false, err
	}

	n, err := d.deps.Store.DeleteActivation(ctx, lic.ID, id)
	if err != nil {
		d.deps.Logger.Error("deactivation failed",
			zap.String("license_key", key),
			zap.Int64("account", id.Account),
			zap.String("server", id.Server),
			zap.Error(err),
		)
		return false, license.Wrap(license.KindStore, err, "deactivation failed")
	}
	if n > 0 {
		d.deps.Logger.Info("activation removed",
			zap.String("license_key", key),
			zap.Int64("account", id.Account),
			zap.String("server", id.Server),
		)
	}
	return n > 0, nil
}
