package signature

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	secrets map[string]string
	// preempt simulates a concurrent first contact that wins the race.
	preempt string
}

func newMemStore() *memStore {
	return &memStore{secrets: map[string]string{}}
}

func (m *memStore) GetSecret(_ context.Context, installID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secrets[installID], nil
}

func (m *memStore) StoreSecretIfAbsent(_ context.Context, installID, secret string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.preempt != "" {
		m.secrets[installID] = m.preempt
		m.preempt = ""
	}
	if m.secrets[installID] != "" {
		return false, nil
	}
	m.secrets[installID] = secret
	return true, nil
}

var base = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestGuard(strict bool) (*Guard, *clock.FakeClock) {
	clk := clock.NewFakeClock(base)
	return NewGuard(Config{StrictMode: strict}, clk, nil), clk
}

func TestVerify_StoredSecret(t *testing.T) {
	g, _ := newTestGuard(false)
	store := newMemStore()
	store.secrets["inst-1"] = "s3cret"

	out, err := g.Verify(context.Background(), store, Request{
		InstallID: "inst-1",
		Header:    Sign("inst-1", "s3cret", base),
	})
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.False(t, out.FirstContact)

	_, err = g.Verify(context.Background(), store, Request{
		InstallID: "inst-1",
		Header:    Sign("inst-1", "wrong", base),
	})
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = g.Verify(context.Background(), store, Request{InstallID: "inst-1"})
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerify_ReplayWindow(t *testing.T) {
	g, _ := newTestGuard(false)
	store := newMemStore()
	store.secrets["inst-1"] = "s3cret"

	cases := []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{"exact now", 0, true},
		{"300s old", -300 * time.Second, true},
		{"300s ahead", 300 * time.Second, true},
		{"301s old", -301 * time.Second, false},
		{"301s ahead", 301 * time.Second, false},
		{"a day old", -24 * time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.Verify(context.Background(), store, Request{
				InstallID: "inst-1",
				Header:    Sign("inst-1", "s3cret", base.Add(tc.offset)),
			})
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSignature)
			}
		})
	}
}

func TestVerify_MalformedHeader(t *testing.T) {
	g, _ := newTestGuard(false)
	store := newMemStore()
	store.secrets["inst-1"] = "s3cret"

	for _, header := range []string{"abc", "abc:", ":123", "zz:123", "abcd:notanumber", "abcd:12.5"} {
		_, err := g.Verify(context.Background(), store, Request{InstallID: "inst-1", Header: header})
		assert.ErrorIs(t, err, ErrInvalidSignature, header)
	}
}

func TestVerify_StrictModeWithoutSecret(t *testing.T) {
	g, _ := newTestGuard(true)
	store := newMemStore()

	_, err := g.Verify(context.Background(), store, Request{InstallID: "inst-1", ProvidedSecret: "s"})
	assert.ErrorIs(t, err, ErrMissingSignature)

	_, err = g.Verify(context.Background(), store, Request{
		InstallID:      "inst-1",
		Header:         Sign("inst-1", "s", base),
		ProvidedSecret: "s",
	})
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, store.secrets)
}

func TestVerify_TrustOnFirstUseStoresSecret(t *testing.T) {
	g, _ := newTestGuard(false)
	store := newMemStore()

	out, err := g.Verify(context.Background(), store, Request{InstallID: "inst-1", ProvidedSecret: "first"})
	require.NoError(t, err)
	assert.True(t, out.FirstContact)
	assert.True(t, out.SecretStored)
	assert.Equal(t, "first", store.secrets["inst-1"])

	// Later reports must be signed with the stored secret.
	_, err = g.Verify(context.Background(), store, Request{
		InstallID:      "inst-1",
		Header:         Sign("inst-1", "second", base),
		ProvidedSecret: "second",
	})
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, "first", store.secrets["inst-1"])
}

func TestVerify_TrustOnFirstUseWithoutSecret(t *testing.T) {
	g, _ := newTestGuard(false)
	store := newMemStore()

	out, err := g.Verify(context.Background(), store, Request{InstallID: "inst-1"})
	require.NoError(t, err)
	assert.True(t, out.FirstContact)
	assert.False(t, out.SecretStored)
	assert.Empty(t, store.secrets)
}

func TestVerify_FirstContactRaceDoesNotClobber(t *testing.T) {
	g, _ := newTestGuard(false)

	store := newMemStore()
	store.preempt = "winner"
	_, err := g.Verify(context.Background(), store, Request{
		InstallID:      "inst-1",
		Header:         Sign("inst-1", "loser", base),
		ProvidedSecret: "loser",
	})
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, "winner", store.secrets["inst-1"])

	store = newMemStore()
	store.preempt = "same"
	out, err := g.Verify(context.Background(), store, Request{
		InstallID:      "inst-1",
		Header:         Sign("inst-1", "same", base),
		ProvidedSecret: "same",
	})
	require.NoError(t, err)
	assert.False(t, out.SecretStored)
	assert.Equal(t, "same", store.secrets["inst-1"])
}

func TestCompute_KnownVector(t *testing.T) {
	// echo -n "inst-1:1700000000" | openssl dgst -sha256 -hmac key
	got := Compute("inst-1", 1700000000, "key")
	assert.Equal(t, "ade51d53a879c46dfa5166e2112b78553066f2115cbfe9f982275ec6ccdc2106", got)
	assert.Equal(t, got+":1700000000", Sign("inst-1", "key", time.Unix(1700000000, 0)))
}
