package swarm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsis-swarm/synapsis/internal/action"
	"github.com/synapsis-swarm/synapsis/internal/crypto"
	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/store"
)

// rewriteTransport sends every request to a single test listener
// regardless of the federation domain in the URL.
type rewriteTransport struct{ host string }

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Host = rt.host
	return http.DefaultTransport.RoundTrip(req)
}

func newDeliveryFixture(t *testing.T, handler http.Handler) (*Deliverer, *store.Memory) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	key, err := LoadOrCreateNodeKey(filepath.Join(t.TempDir(), "node.key"))
	require.NoError(t, err)
	st := store.NewMemory()
	client := NewClient(ClientConfig{
		Key:      key,
		Domain:   "node-a.example",
		Insecure: true,
		HTTP: &http.Client{
			Transport: rewriteTransport{host: strings.TrimPrefix(ts.URL, "http://")},
			Timeout:   5 * time.Second,
		},
	})
	registry := NewRegistry(RegistryConfig{
		Store: st, Client: client, Domain: "node-a.example", Key: key,
	})
	require.NoError(t, st.UpsertNode(context.Background(), &models.SwarmNode{
		Domain: "node-b.example", PublicKey: key.Public, LastSeenAt: time.Now(),
	}))

	d := NewDeliverer(client, registry, nil)
	// No real waiting in tests.
	d.sleep = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	return d, st
}

func testInteraction(t *testing.T) *Interaction {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	env, err := action.NewEnvelope(priv, "like", map[string]string{"target": "x"}, "did:key:ztest", "alice")
	require.NoError(t, err)
	return &Interaction{
		InteractionID: "int-1",
		Verb:          VerbLike,
		TargetAPID:    MakeAPID("node-b.example", "post-1"),
		Actor:         Actor{DID: "did:key:ztest", Handle: "alice", NodeDomain: "node-a.example"},
		Envelope:      env,
		Ts:            time.Now().UnixMilli(),
	}
}

func TestDeliverRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	d, _ := newDeliveryFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	d.Deliver(context.Background(), "node-b.example", testInteraction(t))
	d.Wait()

	assert.Equal(t, int32(3), attempts.Load())
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	d, _ := newDeliveryFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	d.Deliver(context.Background(), "node-b.example", testInteraction(t))
	d.Wait()

	assert.Equal(t, int32(MaxDeliveryAttempts), attempts.Load())
}

func TestDeliverDropsOnPermanentRejection(t *testing.T) {
	var attempts atomic.Int32
	d, _ := newDeliveryFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))

	d.Deliver(context.Background(), "node-b.example", testInteraction(t))
	d.Wait()

	assert.Equal(t, int32(1), attempts.Load(), "4xx must not be retried")
}

func TestDeliverRetriesRateLimiting(t *testing.T) {
	var attempts atomic.Int32
	d, _ := newDeliveryFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	d.Deliver(context.Background(), "node-b.example", testInteraction(t))
	d.Wait()

	assert.Equal(t, int32(2), attempts.Load(), "429 is transient")
}

func TestStatusErrorRetryable(t *testing.T) {
	assert.True(t, (&StatusError{Status: 429}).Retryable())
	assert.True(t, (&StatusError{Status: 500}).Retryable())
	assert.True(t, (&StatusError{Status: 503}).Retryable())
	assert.False(t, (&StatusError{Status: 400}).Retryable())
	assert.False(t, (&StatusError{Status: 403}).Retryable())
	assert.False(t, (&StatusError{Status: 409}).Retryable())
}

// fixedResolver returns the same identity for every DID.
type fixedResolver struct{ pub string }

func (f fixedResolver) ResolveIdentity(_ context.Context, did, hintHandle string) (*action.Identity, error) {
	return &action.Identity{PublicKey: f.pub, Handle: hintHandle}, nil
}

type countingApplier struct{ applied atomic.Int32 }

func (c *countingApplier) ApplyRemoteInteraction(context.Context, *Interaction) error {
	c.applied.Add(1)
	return nil
}

func TestReceiverAppliesOnceAndAcksDuplicates(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	pub, err := crypto.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	env, err := action.NewEnvelope(priv, "like", map[string]string{"target": "p"}, "did:key:zalice", "alice")
	require.NoError(t, err)
	in := &Interaction{
		InteractionID: "int-dup",
		Verb:          VerbLike,
		TargetAPID:    MakeAPID("node-a.example", "post-1"),
		Actor:         Actor{DID: "did:key:zalice", Handle: "alice", NodeDomain: "node-b.example"},
		Envelope:      env,
		Ts:            time.Now().UnixMilli(),
	}

	applier := &countingApplier{}
	rcv := NewReceiver(store.NewMemory(), fixedResolver{pub: pub}, applier, nil)

	require.NoError(t, rcv.Receive(context.Background(), VerbLike, in))
	require.NoError(t, rcv.Receive(context.Background(), VerbLike, in))
	assert.Equal(t, int32(1), applier.applied.Load())
}

func TestReceiverRejectsBadSignature(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherPub, err := crypto.MarshalPublicKey(&other.PublicKey)
	require.NoError(t, err)

	env, err := action.NewEnvelope(priv, "like", map[string]string{"target": "p"}, "did:key:zalice", "alice")
	require.NoError(t, err)
	in := &Interaction{
		InteractionID: "int-bad",
		Verb:          VerbLike,
		TargetAPID:    MakeAPID("node-a.example", "post-1"),
		Actor:         Actor{DID: "did:key:zalice", Handle: "alice", NodeDomain: "node-b.example"},
		Envelope:      env,
		Ts:            time.Now().UnixMilli(),
	}

	applier := &countingApplier{}
	st := store.NewMemory()
	rcv := NewReceiver(st, fixedResolver{pub: otherPub}, applier, nil)

	err = rcv.Receive(context.Background(), VerbLike, in)
	assert.ErrorIs(t, err, models.ErrInvalidSignature)
	assert.Equal(t, int32(0), applier.applied.Load())

	// A failed delivery must not burn the interaction id.
	first, err := st.RecordInteraction(context.Background(), "int-bad")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestReceiverRejectsSchemaViolations(t *testing.T) {
	applier := &countingApplier{}
	rcv := NewReceiver(store.NewMemory(), fixedResolver{}, applier, nil)
	ctx := context.Background()

	err := rcv.Receive(ctx, "boost", &Interaction{Verb: "boost"})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = rcv.Receive(ctx, VerbLike, &Interaction{Verb: VerbRepost})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = rcv.Receive(ctx, VerbLike, &Interaction{Verb: VerbLike, InteractionID: "x"})
	assert.ErrorIs(t, err, models.ErrValidation)

	long := strings.Repeat("a", models.MaxPostLength+1)
	err = rcv.Receive(ctx, VerbReply, &Interaction{
		Verb: VerbReply, InteractionID: "x", TargetAPID: "swarm:a.example:1",
		Actor:    Actor{DID: "d", Handle: "h"},
		Envelope: &action.Envelope{},
		Content:  long,
	})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, int32(0), applier.applied.Load())
}
