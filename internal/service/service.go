// Package service implements license issuance, activation accounting and
// deactivation on top of a store.Store. Every transport (HTTP, Telegram)
// calls into these types; none of them talks to the store directly.
package service

import (
	"time"

	"licensegate/internal/metrics"
	"licensegate/internal/store"

	"go.uber.org/zap"
)

// Dependencies are shared by every service. Logger, Metrics and Now may be
// left zero.
type Dependencies struct {
	Store   store.Store
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

func (d Dependencies) now() time.Time {
	return d.Now().UTC()
}
