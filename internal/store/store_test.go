package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"licensegate/internal/license"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract against st, which must be
// empty and migrated.
func runStoreSuite(t *testing.T, st Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, st) })
	t.Run("DuplicateKey", func(t *testing.T) { testDuplicateKey(t, st) })
	t.Run("SetActive", func(t *testing.T) { testSetActive(t, st) })
	t.Run("ActivationLifecycle", func(t *testing.T) { testActivationLifecycle(t, st) })
	t.Run("ListNewestFirst", func(t *testing.T) { testListNewestFirst(t, st) })
	if atomic, ok := st.(AtomicActivator); ok {
		t.Run("AtomicActivate", func(t *testing.T) { testAtomicActivate(t, st, atomic) })
		t.Run("AtomicActivateConcurrent", func(t *testing.T) { testAtomicActivateConcurrent(t, st, atomic) })
	}
}

func newLicense(t *testing.T, st Store, maxAccounts int) license.License {
	t.Helper()
	key, err := license.NewKey()
	require.NoError(t, err)
	lic, err := st.CreateLicense(context.Background(), license.License{
		Key:         key,
		Plan:        license.PlanPro,
		MaxAccounts: maxAccounts,
		ExpiresAt:   time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Millisecond),
		Active:      true,
	})
	require.NoError(t, err)
	return lic
}

func testCreateAndGet(t *testing.T, st Store) {
	ctx := context.Background()
	lic := newLicense(t, st, 2)
	assert.NotEmpty(t, lic.ID)
	assert.False(t, lic.CreatedAt.IsZero())

	got, err := st.GetLicense(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, lic.ID, got.ID)
	assert.Equal(t, license.PlanPro, got.Plan)
	assert.Equal(t, 2, got.MaxAccounts)
	assert.True(t, got.Active)
	assert.True(t, lic.ExpiresAt.Equal(got.ExpiresAt), "expires_at %s != %s", lic.ExpiresAt, got.ExpiresAt)

	_, err = st.GetLicense(ctx, "NO-SUCH-KEY")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testDuplicateKey(t *testing.T, st Store) {
	lic := newLicense(t, st, 1)
	_, err := st.CreateLicense(context.Background(), license.License{
		Key:         lic.Key,
		Plan:        license.PlanBasic,
		MaxAccounts: 1,
		ExpiresAt:   time.Now().Add(time.Hour),
		Active:      true,
	})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func testSetActive(t *testing.T, st Store) {
	ctx := context.Background()
	lic := newLicense(t, st, 1)

	require.NoError(t, st.SetActive(ctx, lic.Key, false))
	got, err := st.GetLicense(ctx, lic.Key)
	require.NoError(t, err)
	assert.False(t, got.Active)

	require.NoError(t, st.SetActive(ctx, lic.Key, true))
	got, err = st.GetLicense(ctx, lic.Key)
	require.NoError(t, err)
	assert.True(t, got.Active)

	assert.ErrorIs(t, st.SetActive(ctx, "NO-SUCH-KEY", true), ErrNotFound)
}

func testActivationLifecycle(t *testing.T, st Store) {
	ctx := context.Background()
	lic := newLicense(t, st, 3)
	id := license.Identity{Account: 1001, Server: "srv.example.com"}
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := st.FindActivation(ctx, lic.ID, id)
	require.ErrorIs(t, err, ErrNotFound)

	act, err := st.InsertActivation(ctx, lic.ID, id, now)
	require.NoError(t, err)
	assert.NotEmpty(t, act.ID)
	assert.Equal(t, id.Account, act.Account)
	assert.Equal(t, id.Server, act.Server)

	_, err = st.InsertActivation(ctx, lic.ID, id, now)
	require.ErrorIs(t, err, ErrDuplicate)

	// Servers are case-sensitive.
	_, err = st.InsertActivation(ctx, lic.ID, license.Identity{Account: 1001, Server: "SRV.example.com"}, now)
	require.NoError(t, err)

	n, err := st.CountActivations(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	later := now.Add(time.Minute)
	require.NoError(t, st.TouchActivation(ctx, act, later))
	found, err := st.FindActivation(ctx, lic.ID, id)
	require.NoError(t, err)
	assert.Equal(t, act.ID, found.ID)
	assert.True(t, later.Equal(found.LastValidated), "last_validated %s != %s", found.LastValidated, later)

	acts, err := st.ListActivations(ctx, lic.ID)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, act.ID, acts[0].ID, "most recently validated first")

	removed, err := st.DeleteActivation(ctx, lic.ID, id)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = st.DeleteActivation(ctx, lic.ID, id)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	n, err = st.CountActivations(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testListNewestFirst(t *testing.T, st Store) {
	ctx := context.Background()
	older := newLicense(t, st, 1)
	time.Sleep(5 * time.Millisecond)
	newer := newLicense(t, st, 1)
	_, err := st.InsertActivation(ctx, newer.ID, license.Identity{Account: 7, Server: "a"}, time.Now())
	require.NoError(t, err)

	list, err := st.ListLicenses(ctx)
	require.NoError(t, err)

	pos := map[string]int{}
	for i, lic := range list {
		pos[lic.Key] = i
		if lic.Key == newer.Key {
			require.Len(t, lic.Activations, 1)
			assert.Equal(t, "a", lic.Activations[0].Server)
		}
		if lic.Key == older.Key {
			assert.Empty(t, lic.Activations)
		}
	}
	require.Contains(t, pos, older.Key)
	require.Contains(t, pos, newer.Key)
	assert.Less(t, pos[newer.Key], pos[older.Key])
}

func testAtomicActivate(t *testing.T, st Store, atomic AtomicActivator) {
	ctx := context.Background()
	lic := newLicense(t, st, 2)
	now := time.Now().UTC()
	a := license.Identity{Account: 1, Server: "a"}
	b := license.Identity{Account: 1, Server: "b"}
	c := license.Identity{Account: 1, Server: "c"}

	res, err := atomic.Activate(ctx, lic, a, now)
	require.NoError(t, err)
	assert.True(t, res.NewlyBound)
	assert.Equal(t, 1, res.Used)

	res, err = atomic.Activate(ctx, lic, a, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, res.NewlyBound)
	assert.False(t, res.LimitReached)

	res, err = atomic.Activate(ctx, lic, b, now)
	require.NoError(t, err)
	assert.True(t, res.NewlyBound)
	assert.Equal(t, 2, res.Used)

	res, err = atomic.Activate(ctx, lic, c, now)
	require.NoError(t, err)
	assert.True(t, res.LimitReached)
	assert.Equal(t, 2, res.Limit)

	n, err := st.CountActivations(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testAtomicActivateConcurrent(t *testing.T, st Store, atomic AtomicActivator) {
	ctx := context.Background()
	lic := newLicense(t, st, 3)
	const callers = 12

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		limited int
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := atomic.Activate(ctx, lic, license.Identity{Account: int64(i), Server: "srv"}, time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case res.LimitReached:
				limited++
			default:
				granted++
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, errs, "%v", errors.Join(errs...))
	assert.Equal(t, 3, granted)
	assert.Equal(t, callers-3, limited)

	n, err := st.CountActivations(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
