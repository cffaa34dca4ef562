package swarm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/store"
)

func newGossipNode(t *testing.T, domain string) (*Gossiper, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	key, err := LoadOrCreateNodeKey(filepath.Join(t.TempDir(), "node.key"))
	require.NoError(t, err)
	client := NewClient(ClientConfig{Key: key, Domain: domain, Insecure: true})
	registry := NewRegistry(RegistryConfig{Store: st, Client: client, Domain: domain, Key: key})
	return NewGossiper(registry, client, st, nil), st
}

// exchange plays one full gossip round between two in-process gossipers
// without HTTP: a sends its payload, absorbs b's reply.
func exchange(t *testing.T, a, b *Gossiper, since time.Time) {
	t.Helper()
	ctx := context.Background()
	payload, err := a.buildPayload(ctx, since)
	require.NoError(t, err)
	reply, err := b.HandleExchange(ctx, payload)
	require.NoError(t, err)
	a.absorb(ctx, reply)
}

func TestGossipConvergesNodeAndHandleState(t *testing.T) {
	ctx := context.Background()
	a, storeA := newGossipNode(t, "node-a.example")
	b, storeB := newGossipNode(t, "node-b.example")

	// Each side knows something the other does not.
	require.NoError(t, storeA.UpsertNode(ctx, &models.SwarmNode{
		Domain: "node-x.example", PublicKey: "XKEY", LastSeenAt: time.Now(),
	}))
	require.NoError(t, storeA.UpsertHandle(ctx, models.HandleEntry{
		Handle: "alice", DID: "did:key:za", NodeDomain: "node-a.example", UpdatedAt: time.Now(),
	}))
	require.NoError(t, storeB.UpsertNode(ctx, &models.SwarmNode{
		Domain: "node-y.example", PublicKey: "YKEY", LastSeenAt: time.Now(),
	}))
	require.NoError(t, storeB.UpsertHandle(ctx, models.HandleEntry{
		Handle: "bob", DID: "did:key:zb", NodeDomain: "node-b.example", UpdatedAt: time.Now(),
	}))

	exchange(t, a, b, time.Time{})

	for _, st := range []*store.Memory{storeA, storeB} {
		_, err := st.NodeByDomain(ctx, "node-x.example")
		assert.NoError(t, err)
		_, err = st.NodeByDomain(ctx, "node-y.example")
		assert.NoError(t, err)
		_, err = st.HandleByName(ctx, "alice")
		assert.NoError(t, err)
		_, err = st.HandleByName(ctx, "bob")
		assert.NoError(t, err)
	}

	// B also learned A itself from the sender info.
	_, err := storeB.NodeByDomain(ctx, "node-a.example")
	assert.NoError(t, err)
}

func TestGossipNewestHandleWins(t *testing.T) {
	ctx := context.Background()
	a, storeA := newGossipNode(t, "node-a.example")
	b, storeB := newGossipNode(t, "node-b.example")

	old := time.Now().Add(-time.Hour)
	require.NoError(t, storeA.UpsertHandle(ctx, models.HandleEntry{
		Handle: "carol", DID: "did:key:zold", NodeDomain: "node-c.example", UpdatedAt: old,
	}))
	require.NoError(t, storeB.UpsertHandle(ctx, models.HandleEntry{
		Handle: "carol", DID: "did:key:znew", NodeDomain: "node-c.example", UpdatedAt: time.Now(),
	}))

	exchange(t, a, b, time.Time{})
	exchange(t, b, a, time.Time{})

	for _, st := range []*store.Memory{storeA, storeB} {
		e, err := st.HandleEntry(ctx, "carol", "node-c.example")
		require.NoError(t, err)
		assert.Equal(t, "did:key:znew", e.DID, "newer registration must win everywhere")
	}
}

func TestGossipDeltaRespectsWatermark(t *testing.T) {
	ctx := context.Background()
	a, storeA := newGossipNode(t, "node-a.example")

	require.NoError(t, storeA.UpsertHandle(ctx, models.HandleEntry{
		Handle: "old", DID: "d1", NodeDomain: "node-a.example", UpdatedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, storeA.UpsertHandle(ctx, models.HandleEntry{
		Handle: "fresh", DID: "d2", NodeDomain: "node-a.example", UpdatedAt: time.Now(),
	}))

	payload, err := a.buildPayload(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, payload.Handles, 1)
	assert.Equal(t, "fresh", payload.Handles[0].Handle)

	full, err := a.buildPayload(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, full.Handles, 2)
	assert.Zero(t, full.Since)
}
