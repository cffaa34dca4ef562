package tofu

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/store"
)

type fakeFetcher struct {
	identity *FetchedIdentity
	err      error
	calls    int
}

func (f *fakeFetcher) FetchIdentity(_ context.Context, _ string) (*FetchedIdentity, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.identity, nil
}

func newCache(t *testing.T, f *fakeFetcher, allowRotation bool) *Cache {
	t.Helper()
	return NewCache(CacheConfig{
		Store:         store.NewMemory(),
		Fetcher:       f,
		AllowRotation: allowRotation,
	})
}

func TestResolveKeyPinsOnFirstUse(t *testing.T) {
	f := &fakeFetcher{identity: &FetchedIdentity{
		DID: "did:key:z1", Handle: "bob", Domain: "node-b.example", PublicKey: "KEY1",
	}}
	c := newCache(t, f, false)

	key, err := c.ResolveKey(context.Background(), "did:key:z1")
	require.NoError(t, err)
	assert.Equal(t, "KEY1", key)
	assert.Equal(t, 1, f.calls)

	// Within TTL the pin is served without re-fetching.
	key, err = c.ResolveKey(context.Background(), "did:key:z1")
	require.NoError(t, err)
	assert.Equal(t, "KEY1", key)
	assert.Equal(t, 1, f.calls)
}

func TestResolveKeyRejectsKeyChange(t *testing.T) {
	f := &fakeFetcher{identity: &FetchedIdentity{DID: "did:key:z1", Handle: "bob", PublicKey: "KEY1"}}
	c := newCache(t, f, false)

	_, err := c.ResolveKey(context.Background(), "did:key:z1")
	require.NoError(t, err)

	// Expire the pin and change the upstream key.
	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	f.identity.PublicKey = "KEY2"

	_, err = c.ResolveKey(context.Background(), "did:key:z1")
	assert.ErrorIs(t, err, models.ErrKeyChanged)
}

func TestResolveKeyAllowsRotationWhenEnabled(t *testing.T) {
	f := &fakeFetcher{identity: &FetchedIdentity{DID: "did:key:z1", Handle: "bob", PublicKey: "KEY1"}}
	c := newCache(t, f, true)

	_, err := c.ResolveKey(context.Background(), "did:key:z1")
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	f.identity.PublicKey = "KEY2"

	key, err := c.ResolveKey(context.Background(), "did:key:z1")
	require.NoError(t, err)
	assert.Equal(t, "KEY2", key)
}

func TestResolveKeyServesStalePinWhenOriginDown(t *testing.T) {
	f := &fakeFetcher{identity: &FetchedIdentity{DID: "did:key:z1", Handle: "bob", PublicKey: "KEY1"}}
	c := newCache(t, f, false)

	_, err := c.ResolveKey(context.Background(), "did:key:z1")
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	f.err = errors.New("connection refused")

	key, err := c.ResolveKey(context.Background(), "did:key:z1")
	require.NoError(t, err)
	assert.Equal(t, "KEY1", key)
}

func TestResolveKeyUnknownWhenNeverSeen(t *testing.T) {
	f := &fakeFetcher{err: fmt.Errorf("%w: origin has no such user", models.ErrUnknownUser)}
	c := newCache(t, f, false)

	_, err := c.ResolveKey(context.Background(), "did:key:znope")
	assert.ErrorIs(t, err, models.ErrUnknownUser)
}

// A transient origin outage with no pin must not look like a missing
// user: senders drop on 404 but retry on 502.
func TestResolveKeyUnreachableOriginIsNotUnknownUser(t *testing.T) {
	f := &fakeFetcher{err: fmt.Errorf("%w: connection refused", models.ErrUnreachable)}
	c := newCache(t, f, false)

	_, err := c.ResolveKey(context.Background(), "did:key:znope")
	assert.ErrorIs(t, err, models.ErrUnreachable)
	assert.NotErrorIs(t, err, models.ErrUnknownUser)

	_, err = c.ResolveIdentity(context.Background(), "did:key:znope", "bob")
	assert.ErrorIs(t, err, models.ErrUnreachable)
	assert.NotErrorIs(t, err, models.ErrUnknownUser)
}

func TestResolveIdentityQualifiesHandle(t *testing.T) {
	f := &fakeFetcher{identity: &FetchedIdentity{
		DID: "did:key:z1", Handle: "bob", Domain: "node-b.example", PublicKey: "KEY1",
	}}
	c := newCache(t, f, false)

	id, err := c.ResolveIdentity(context.Background(), "did:key:z1", "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob@node-b.example", id.Handle)
	assert.Equal(t, "KEY1", id.PublicKey)
}
