package store

import (
	"context"
	"errors"
	"time"

	"licensegate/internal/license"
)

var (
	// ErrNotFound is returned when no license or activation matches.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert violates a uniqueness
	// constraint: a license key, or an activation's
	// (license_id, account, server) triple.
	ErrDuplicate = errors.New("duplicate record")
)

// Store is the persistence capability the licensing services run on.
// Implementations must be safe for concurrent use and must enforce
// uniqueness of (license_id, account, server) themselves.
type Store interface {
	Close() error
	// Migrate creates tables, buckets or indexes the store needs.
	Migrate(ctx context.Context) error

	// CreateLicense inserts lic and returns it with the store-assigned
	// ID and CreatedAt.
	CreateLicense(ctx context.Context, lic license.License) (license.License, error)
	GetLicense(ctx context.Context, key string) (license.License, error)
	// ListLicenses returns every license, newest first, each with its
	// activations.
	ListLicenses(ctx context.Context) ([]license.License, error)
	// SetActive returns ErrNotFound when no license has the key.
	SetActive(ctx context.Context, key string, active bool) error

	// ListActivations returns the activations of one license, most
	// recently validated first.
	ListActivations(ctx context.Context, licenseID string) ([]license.Activation, error)
	CountActivations(ctx context.Context, licenseID string) (int, error)
	FindActivation(ctx context.Context, licenseID string, id license.Identity) (license.Activation, error)
	InsertActivation(ctx context.Context, licenseID string, id license.Identity, now time.Time) (license.Activation, error)
	TouchActivation(ctx context.Context, act license.Activation, now time.Time) error
	// DeleteActivation returns the number of rows removed; zero is not an error.
	DeleteActivation(ctx context.Context, licenseID string, id license.Identity) (int, error)
}

// ActivateResult is the outcome of an atomic activation attempt.
type ActivateResult struct {
	Activation   license.Activation
	NewlyBound   bool
	LimitReached bool
	Used         int
	Limit        int
}

// AtomicActivator is implemented by stores that can run the
// lookup, count and insert of an activation as one isolated unit, so the
// activation cap holds under concurrent validation.
type AtomicActivator interface {
	Activate(ctx context.Context, lic license.License, id license.Identity, now time.Time) (ActivateResult, error)
}
