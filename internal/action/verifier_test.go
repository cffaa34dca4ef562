package action

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsis-swarm/synapsis/internal/crypto"
	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/ratelimit"
	"github.com/synapsis-swarm/synapsis/internal/store"
)

type staticResolver struct {
	identities map[string]*Identity
}

func (r *staticResolver) ResolveIdentity(_ context.Context, did, _ string) (*Identity, error) {
	if id, ok := r.identities[did]; ok {
		return id, nil
	}
	return nil, models.ErrUnknownUser
}

func newFixture(t *testing.T) (*Verifier, *ecdsa.PrivateKey, string) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	pub, err := crypto.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	did, err := crypto.DeriveDID(pub)
	require.NoError(t, err)

	v := NewVerifier(VerifierConfig{
		Store: store.NewMemory(),
		Resolver: &staticResolver{identities: map[string]*Identity{
			did: {PublicKey: pub, Handle: "alice"},
		}},
		Limiter: ratelimit.New(ratelimit.DefaultLimit, ratelimit.DefaultWindow),
	})
	return v, priv, did
}

func TestVerifyAcceptsValidEnvelope(t *testing.T) {
	v, priv, did := newFixture(t)

	e, err := NewEnvelope(priv, "post.create", map[string]any{"content": "hi"}, did, "alice")
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), e)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestVerifyRejectsReplay(t *testing.T) {
	v, priv, did := newFixture(t)

	e, err := NewEnvelope(priv, "like", map[string]any{"postId": "p1"}, did, "alice")
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), e)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), e)
	assert.ErrorIs(t, err, models.ErrReplayedNonce)
	assert.ErrorIs(t, err, models.ErrInvalidSignature)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	v, priv, did := newFixture(t)

	e, err := NewEnvelope(priv, "like", map[string]any{"postId": "p1"}, did, "alice")
	require.NoError(t, err)

	v.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	_, err = v.Verify(context.Background(), e)
	assert.ErrorIs(t, err, models.ErrStaleTimestamp)

	// Future timestamps beyond the window fail the same way.
	v.now = func() time.Time { return time.Now().Add(-6 * time.Minute) }
	_, err = v.Verify(context.Background(), e)
	assert.ErrorIs(t, err, models.ErrStaleTimestamp)
}

func TestVerifyRejectsHandleMismatch(t *testing.T) {
	v, priv, did := newFixture(t)

	e, err := NewEnvelope(priv, "like", map[string]any{"postId": "p1"}, did, "mallory")
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), e)
	assert.ErrorIs(t, err, models.ErrHandleMismatch)
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	v, priv, did := newFixture(t)

	e, err := NewEnvelope(priv, "post.create", map[string]any{"content": "original"}, did, "alice")
	require.NoError(t, err)
	e.Data = []byte(`{"content":"tampered"}`)

	_, err = v.Verify(context.Background(), e)
	assert.ErrorIs(t, err, models.ErrInvalidSignature)
}

func TestVerifyRejectsUnknownDID(t *testing.T) {
	v, priv, _ := newFixture(t)

	e, err := NewEnvelope(priv, "like", map[string]any{"postId": "p1"}, "did:key:zunknown", "alice")
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), e)
	assert.ErrorIs(t, err, models.ErrUnknownUser)
}

func TestVerifyRejectsShortNonce(t *testing.T) {
	v, priv, did := newFixture(t)

	e, err := NewEnvelope(priv, "like", map[string]any{"postId": "p1"}, did, "alice")
	require.NoError(t, err)
	e.Nonce = "c2hvcnQ" // "short", under 16 bytes decoded

	_, err = v.Verify(context.Background(), e)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestVerifyRateLimits(t *testing.T) {
	v, priv, did := newFixture(t)

	for i := 0; i < ratelimit.DefaultLimit; i++ {
		e, err := NewEnvelope(priv, "like", map[string]any{"postId": "p", "i": i}, did, "alice")
		require.NoError(t, err)
		_, err = v.Verify(context.Background(), e)
		require.NoError(t, err)
	}

	e, err := NewEnvelope(priv, "like", map[string]any{"postId": "p6"}, did, "alice")
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), e)
	assert.ErrorIs(t, err, models.ErrRateLimited)
}

func TestActionIDStableAcrossFormatting(t *testing.T) {
	e := &Envelope{
		Action: "like",
		Data:   []byte(`{"b":2,"a":1}`),
		DID:    "did:key:z1",
		Handle: "alice",
		Ts:     1700000000000,
		Nonce:  "bm9uY2UtZm9yLXRlc3Q",
	}
	id1, err := e.ActionID()
	require.NoError(t, err)

	e.Data = []byte(`{ "a": 1, "b": 2 }`)
	id2, err := e.ActionID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestHandleMatchesQualified(t *testing.T) {
	assert.True(t, handleMatches("alice", "alice"))
	assert.True(t, handleMatches("Alice", "alice"))
	assert.True(t, handleMatches("alice@node-a.example", "alice"))
	assert.True(t, handleMatches("alice", "alice@node-a.example"))
	assert.False(t, handleMatches("alice@node-a.example", "alice@node-b.example"))
	assert.False(t, handleMatches("alice", "bob"))
}
