package identity

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/store"
)

func newService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s := store.NewMemory()
	return NewService(Config{Store: s, NodeDomain: "node-a.example"}), s
}

func register(t *testing.T, svc *Service, handle string) (*models.User, *models.Session) {
	t.Helper()
	u, sess, err := svc.Register(context.Background(), RegisterParams{
		Handle:   handle,
		Email:    handle + "@example.com",
		Password: "hunter2hunter2",
	})
	require.NoError(t, err)
	return u, sess
}

func TestRegisterCreatesKeysAndDID(t *testing.T) {
	svc, st := newService(t)
	u, sess := register(t, svc, "alice")

	assert.True(t, strings.HasPrefix(u.DID, "did:key:z"))
	assert.NotEmpty(t, u.PublicKey)
	assert.NotEmpty(t, u.PrivateKeyEncrypted)
	assert.NotEmpty(t, u.ChatPublicKey)
	assert.NotEqual(t, u.PublicKey, u.ChatPublicKey)
	assert.NotEmpty(t, sess.Token)

	// Handle directory gets the local binding.
	e, err := st.HandleEntry(context.Background(), "alice", "node-a.example")
	require.NoError(t, err)
	assert.Equal(t, u.DID, e.DID)
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, RegisterParams{Handle: "Ab", Email: "a@b.c", Password: "longenough1"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, _, err = svc.Register(ctx, RegisterParams{Handle: "has space", Email: "a@b.c", Password: "longenough1"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, _, err = svc.Register(ctx, RegisterParams{Handle: "alice", Email: "a@b.c", Password: "short"})
	assert.ErrorIs(t, err, models.ErrValidation)

	register(t, svc, "alice")
	_, _, err = svc.Register(ctx, RegisterParams{Handle: "alice", Email: "other@b.c", Password: "longenough1"})
	assert.ErrorIs(t, err, models.ErrHandleTaken)
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newService(t)
	register(t, svc, "alice")
	ctx := context.Background()

	u, sess, err := svc.Authenticate(ctx, "alice@example.com", "hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Handle)

	got, err := svc.UserFromToken(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, _, err = svc.Authenticate(ctx, "alice@example.com", "wrong-password")
	assert.ErrorIs(t, err, models.ErrBadCredentials)

	_, _, err = svc.Authenticate(ctx, "nobody@example.com", "hunter2hunter2")
	assert.ErrorIs(t, err, models.ErrBadCredentials)
}

func TestLogoutInvalidatesSession(t *testing.T) {
	svc, _ := newService(t)
	_, sess := register(t, svc, "alice")
	ctx := context.Background()

	require.NoError(t, svc.Logout(ctx, sess.Token))
	_, err := svc.UserFromToken(ctx, sess.Token)
	assert.ErrorIs(t, err, models.ErrAuthRequired)
}

func TestUnlockRoundTrip(t *testing.T) {
	svc, _ := newService(t)
	u, _ := register(t, svc, "alice")
	ctx := context.Background()

	priv, err := svc.Unlock(ctx, u, "hunter2hunter2")
	require.NoError(t, err)
	assert.NotNil(t, priv)

	_, err = svc.Unlock(ctx, u, "wrong-password")
	assert.ErrorIs(t, err, models.ErrAuthRequired)
}

func TestRotateKeysChangesDIDKeepsHandle(t *testing.T) {
	svc, st := newService(t)
	u, _ := register(t, svc, "alice")
	ctx := context.Background()

	rotated, err := svc.RotateKeys(ctx, u, "hunter2hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, u.DID, rotated.DID)
	assert.Equal(t, "alice", rotated.Handle)

	// New key unlocks under the same password.
	_, err = svc.Unlock(ctx, rotated, "hunter2hunter2")
	require.NoError(t, err)

	// Directory now binds the handle to the new DID.
	e, err := st.HandleEntry(ctx, "alice", "node-a.example")
	require.NoError(t, err)
	assert.Equal(t, rotated.DID, e.DID)

	_, err = svc.RotateKeys(ctx, u, "wrong-password")
	assert.ErrorIs(t, err, models.ErrBadCredentials)
}

func TestResolveIdentity(t *testing.T) {
	svc, _ := newService(t)
	u, _ := register(t, svc, "alice")
	ctx := context.Background()

	id, err := svc.ResolveIdentity(ctx, u.DID, "")
	require.NoError(t, err)
	assert.Equal(t, u.PublicKey, id.PublicKey)
	assert.Equal(t, "alice", id.Handle)

	_, err = svc.ResolveIdentity(ctx, "did:key:zmissing", "")
	assert.ErrorIs(t, err, models.ErrUnknownUser)
}
