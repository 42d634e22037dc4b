package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"licensegate/internal/license"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	bucketLicenses    = "licenses"
	bucketActivations = "activations"
)

// BoltStore keeps licenses in one bucket keyed by license key and the
// activations of each license in a nested bucket named after its ID,
// keyed by identity.
type BoltStore struct {
	db *bbolt.DB
}

var _ AtomicActivator = (*BoltStore)(nil)

func OpenBBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	st := &BoltStore{db: db}
	if err := st.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Migrate(_ context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketLicenses)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(bucketActivations))
		return err
	})
}

func (s *BoltStore) CreateLicense(ctx context.Context, lic license.License) (license.License, error) {
	if err := ctx.Err(); err != nil {
		return license.License{}, err
	}
	lic.ID = uuid.NewString()
	lic.CreatedAt = time.Now().UTC()
	lic.Activations = nil

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLicenses))
		if b.Get([]byte(lic.Key)) != nil {
			return ErrDuplicate
		}
		if err := putLicense(tx, lic); err != nil {
			return err
		}
		_, err := tx.Bucket([]byte(bucketActivations)).CreateBucketIfNotExists([]byte(lic.ID))
		return err
	}); err != nil {
		return license.License{}, err
	}
	return lic, nil
}

func (s *BoltStore) GetLicense(ctx context.Context, key string) (license.License, error) {
	if err := ctx.Err(); err != nil {
		return license.License{}, err
	}
	var lic license.License
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		lic, err = getLicense(tx, key)
		return err
	})
	return lic, err
}

func (s *BoltStore) ListLicenses(ctx context.Context) ([]license.License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]license.License, 0)
	if err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLicenses))
		return b.ForEach(func(_, v []byte) error {
			var lic license.License
			if err := json.Unmarshal(v, &lic); err != nil {
				return err
			}
			acts, err := getActivations(tx, lic.ID)
			if err != nil {
				return err
			}
			lic.Activations = acts
			out = append(out, lic)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *BoltStore) SetActive(ctx context.Context, key string, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		lic, err := getLicense(tx, key)
		if err != nil {
			return err
		}
		lic.Active = active
		return putLicense(tx, lic)
	})
}

func (s *BoltStore) ListActivations(ctx context.Context, licenseID string) ([]license.Activation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var acts []license.Activation
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		acts, err = getActivations(tx, licenseID)
		return err
	})
	return acts, err
}

func (s *BoltStore) CountActivations(ctx context.Context, licenseID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := activationBucket(tx, licenseID); b != nil {
			n = countKeys(b)
		}
		return nil
	})
	return n, err
}

func (s *BoltStore) FindActivation(ctx context.Context, licenseID string, id license.Identity) (license.Activation, error) {
	if err := ctx.Err(); err != nil {
		return license.Activation{}, err
	}
	var act license.Activation
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		act, err = getActivation(activationBucket(tx, licenseID), id)
		return err
	})
	return act, err
}

func (s *BoltStore) InsertActivation(ctx context.Context, licenseID string, id license.Identity, now time.Time) (license.Activation, error) {
	if err := ctx.Err(); err != nil {
		return license.Activation{}, err
	}
	var act license.Activation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket([]byte(bucketActivations)).CreateBucketIfNotExists([]byte(licenseID))
		if err != nil {
			return err
		}
		if b.Get(identityKey(id)) != nil {
			return ErrDuplicate
		}
		act, err = putNewActivation(b, licenseID, id, now)
		return err
	})
	return act, err
}

func (s *BoltStore) TouchActivation(ctx context.Context, act license.Activation, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := activationBucket(tx, act.LicenseID)
		cur, err := getActivation(b, license.Identity{Account: act.Account, Server: act.Server})
		if err != nil {
			return err
		}
		cur.LastValidated = now.UTC()
		return putActivation(b, cur)
	})
}

func (s *BoltStore) DeleteActivation(ctx context.Context, licenseID string, id license.Identity) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := activationBucket(tx, licenseID)
		if b == nil || b.Get(identityKey(id)) == nil {
			return nil
		}
		removed = 1
		return b.Delete(identityKey(id))
	})
	return removed, err
}

// Activate runs lookup, count and insert inside one write transaction.
// bbolt serializes writers, so the cap is exact.
func (s *BoltStore) Activate(ctx context.Context, lic license.License, id license.Identity, now time.Time) (ActivateResult, error) {
	if err := ctx.Err(); err != nil {
		return ActivateResult{}, err
	}
	res := ActivateResult{Limit: lic.MaxAccounts}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		usage, err := tx.Bucket([]byte(bucketActivations)).CreateBucketIfNotExists([]byte(lic.ID))
		if err != nil {
			return err
		}
		existing, err := getActivation(usage, id)
		switch {
		case err == nil:
			existing.LastValidated = now.UTC()
			if err := putActivation(usage, existing); err != nil {
				return err
			}
			res.Activation = existing
		case errors.Is(err, ErrNotFound):
			used := countKeys(usage)
			if used >= lic.MaxAccounts {
				res.LimitReached = true
				res.Used = used
				return nil
			}
			act, err := putNewActivation(usage, lic.ID, id, now)
			if err != nil {
				return err
			}
			res.Activation = act
			res.NewlyBound = true
		default:
			return err
		}
		res.Used = countKeys(usage)
		return nil
	})
	if err != nil {
		return ActivateResult{}, err
	}
	return res, nil
}

func getLicense(tx *bbolt.Tx, key string) (license.License, error) {
	v := tx.Bucket([]byte(bucketLicenses)).Get([]byte(key))
	if v == nil {
		return license.License{}, ErrNotFound
	}
	var lic license.License
	if err := json.Unmarshal(v, &lic); err != nil {
		return license.License{}, fmt.Errorf("decode license %s: %w", key, err)
	}
	return lic, nil
}

func putLicense(tx *bbolt.Tx, lic license.License) error {
	lic.Activations = nil
	buf, err := json.Marshal(lic)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketLicenses)).Put([]byte(lic.Key), buf)
}

func activationBucket(tx *bbolt.Tx, licenseID string) *bbolt.Bucket {
	return tx.Bucket([]byte(bucketActivations)).Bucket([]byte(licenseID))
}

func identityKey(id license.Identity) []byte {
	return []byte(fmt.Sprintf("%d|%s", id.Account, id.Server))
}

func getActivation(b *bbolt.Bucket, id license.Identity) (license.Activation, error) {
	if b == nil {
		return license.Activation{}, ErrNotFound
	}
	v := b.Get(identityKey(id))
	if v == nil {
		return license.Activation{}, ErrNotFound
	}
	var act license.Activation
	if err := json.Unmarshal(v, &act); err != nil {
		return license.Activation{}, fmt.Errorf("decode activation %s: %w", id, err)
	}
	return act, nil
}

func putActivation(b *bbolt.Bucket, act license.Activation) error {
	buf, err := json.Marshal(act)
	if err != nil {
		return err
	}
	return b.Put(identityKey(license.Identity{Account: act.Account, Server: act.Server}), buf)
}

func putNewActivation(b *bbolt.Bucket, licenseID string, id license.Identity, now time.Time) (license.Activation, error) {
	now = now.UTC()
	act := license.Activation{
		ID:            uuid.NewString(),
		LicenseID:     licenseID,
		Account:       id.Account,
		Server:        id.Server,
		LastValidated: now,
		CreatedAt:     now,
	}
	return act, putActivation(b, act)
}

func getActivations(tx *bbolt.Tx, licenseID string) ([]license.Activation, error) {
	b := activationBucket(tx, licenseID)
	acts := make([]license.Activation, 0)
	if b == nil {
		return acts, nil
	}
	err := b.ForEach(func(_, v []byte) error {
		var act license.Activation
		if err := json.Unmarshal(v, &act); err != nil {
			return err
		}
		acts = append(acts, act)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(acts, func(i, j int) bool {
		return acts[i].LastValidated.After(acts[j].LastValidated)
	})
	return acts, nil
}

func countKeys(b *bbolt.Bucket) int {
	// Stats can be stale; iterate for correctness.
	n := 0
	_ = b.ForEach(func(_, _ []byte) error {
		n++
		return nil
	})
	return n
}
