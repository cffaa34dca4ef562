package chat

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsis-swarm/synapsis/internal/action"
	"github.com/synapsis-swarm/synapsis/internal/crypto"
	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/store"
)

type staticResolver struct{ identities map[string]*action.Identity }

func (r *staticResolver) ResolveIdentity(_ context.Context, did, _ string) (*action.Identity, error) {
	if id, ok := r.identities[did]; ok {
		return id, nil
	}
	return nil, models.ErrUnknownUser
}

func newService(t *testing.T) (*Service, store.Store, *staticResolver) {
	t.Helper()
	st := store.NewMemory()
	resolver := &staticResolver{identities: map[string]*action.Identity{}}
	svc := NewService(Config{Store: st, Resolver: resolver, Domain: "node-a.example"})
	return svc, st, resolver
}

func seedUser(t *testing.T, st store.Store, handle, privacy string) *models.User {
	t.Helper()
	u := &models.User{
		ID:        uuid.NewString(),
		DID:       "did:key:z" + handle,
		Handle:    handle,
		Email:     handle + "@example.com",
		DMPrivacy: privacy,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateUser(context.Background(), u))
	return u
}

func TestSendLocalCreatesReciprocalCopies(t *testing.T) {
	svc, st, _ := newService(t)
	alice := seedUser(t, st, "alice", models.DMPrivacyEveryone)
	bob := seedUser(t, st, "bob", models.DMPrivacyEveryone)
	ctx := context.Background()

	msg, err := svc.Send(ctx, alice, SendParams{RecipientHandle: "bob", Content: "hi bob"})
	require.NoError(t, err)
	assert.False(t, msg.DeliveredAt.IsZero())

	aliceConvs, err := svc.Conversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, aliceConvs, 1)
	assert.Equal(t, "bob", aliceConvs[0].PeerHandle)
	assert.Equal(t, "hi bob", aliceConvs[0].LastMessagePreview)

	bobConvs, err := svc.Conversations(ctx, bob)
	require.NoError(t, err)
	require.Len(t, bobConvs, 1)
	assert.Equal(t, "alice", bobConvs[0].PeerHandle)

	// Exactly one copy per side.
	aliceMsgs, err := svc.History(ctx, alice, aliceConvs[0].ID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, aliceMsgs, 1)
	bobMsgs, err := svc.History(ctx, bob, bobConvs[0].ID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, bobMsgs, 1)
}

func TestSendPrivacyDenied(t *testing.T) {
	svc, st, _ := newService(t)
	alice := seedUser(t, st, "alice", models.DMPrivacyEveryone)
	ctx := context.Background()

	seedUser(t, st, "closed", models.DMPrivacyNone)
	_, err := svc.Send(ctx, alice, SendParams{RecipientHandle: "closed", Content: "hello?"})
	assert.ErrorIs(t, err, models.ErrForbidden)

	// following: denied until the recipient follows the sender.
	seedUser(t, st, "selective", models.DMPrivacyFollowing)
	_, err = svc.Send(ctx, alice, SendParams{RecipientHandle: "selective", Content: "hello?"})
	assert.ErrorIs(t, err, models.ErrForbidden)

	require.NoError(t, st.UpsertFollow(ctx, "selective", "alice"))
	_, err = svc.Send(ctx, alice, SendParams{RecipientHandle: "selective", Content: "hello!"})
	assert.NoError(t, err)

	// Bots never accept DMs.
	require.NoError(t, st.CreateUser(ctx, &models.User{
		ID: uuid.NewString(), DID: "did:key:zbot", Handle: "botuser",
		Email: "bot@example.com", DMPrivacy: models.DMPrivacyEveryone,
		IsBot: true, CreatedAt: time.Now(),
	}))
	_, err = svc.Send(ctx, alice, SendParams{RecipientHandle: "botuser", Content: "beep"})
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestHistoryForbiddenForOutsiders(t *testing.T) {
	svc, st, _ := newService(t)
	alice := seedUser(t, st, "alice", models.DMPrivacyEveryone)
	seedUser(t, st, "bob", models.DMPrivacyEveryone)
	eve := seedUser(t, st, "eve", models.DMPrivacyEveryone)
	ctx := context.Background()

	_, err := svc.Send(ctx, alice, SendParams{RecipientHandle: "bob", Content: "secret"})
	require.NoError(t, err)

	convs, err := svc.Conversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	_, err = svc.History(ctx, eve, convs[0].ID, time.Time{}, 0)
	assert.ErrorIs(t, err, models.ErrForbidden)
	assert.ErrorIs(t, svc.MarkRead(ctx, eve, convs[0].ID), models.ErrForbidden)
}

func TestReceiveVerifiesSenderSignature(t *testing.T) {
	svc, st, resolver := newService(t)
	seedUser(t, st, "alice", models.DMPrivacyEveryone)
	ctx := context.Background()

	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	pub, err := crypto.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	did, err := crypto.DeriveDID(pub)
	require.NoError(t, err)
	resolver.identities[did] = &action.Identity{PublicKey: pub, Handle: "bob@node-b.example"}

	env, err := action.NewEnvelope(priv, "chat.send",
		map[string]any{"to": "alice", "content": "hello from afar"}, did, "bob")
	require.NoError(t, err)

	d := &Delivery{
		Envelope: env,
		Message: WireMessage{
			ID:               uuid.NewString(),
			RecipientHandle:  "alice",
			SenderHandle:     "bob",
			SenderDID:        did,
			SenderNodeDomain: "node-b.example",
			Content:          "hello from afar",
			Ts:               time.Now().UnixMilli(),
		},
	}
	require.NoError(t, svc.Receive(ctx, d))

	alice, err := st.UserByHandle(ctx, "alice")
	require.NoError(t, err)
	convs, err := st.Conversations(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "bob@node-b.example", convs[0].PeerHandle)
	firstSeen := convs[0].LastMessageAt

	// Redelivery of the same message id is acknowledged, not duplicated,
	// and leaves the conversation's recency alone even when the retry
	// carries a different transport timestamp.
	d.Message.Ts = time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, svc.Receive(ctx, d))

	convs, err = st.Conversations(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.True(t, convs[0].LastMessageAt.Equal(firstSeen))
	msgs, err := st.MessagesBefore(ctx, convs[0].ID, time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	// A tampered envelope is rejected.
	env.Data = []byte(`{"to":"alice","content":"forged"}`)
	d.Message.ID = uuid.NewString()
	assert.ErrorIs(t, svc.Receive(ctx, d), models.ErrInvalidSignature)
}

func TestReceiveRegistersSenderHandle(t *testing.T) {
	svc, st, resolver := newService(t)
	seedUser(t, st, "alice", models.DMPrivacyEveryone)
	ctx := context.Background()

	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	pub, err := crypto.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	did, err := crypto.DeriveDID(pub)
	require.NoError(t, err)
	resolver.identities[did] = &action.Identity{PublicKey: pub, Handle: "carol@node-b.example"}

	env, err := action.NewEnvelope(priv, "chat.send", map[string]any{"to": "alice"}, did, "carol")
	require.NoError(t, err)
	require.NoError(t, svc.Receive(ctx, &Delivery{
		Envelope: env,
		Message: WireMessage{
			ID: uuid.NewString(), RecipientHandle: "alice", SenderHandle: "carol",
			SenderDID: did, SenderNodeDomain: "node-b.example",
			EncryptedContent: "b2xsZWg", SenderChatPublicKey: pub,
			Ts: time.Now().UnixMilli(),
		},
	}))

	entry, err := st.HandleEntry(ctx, "carol", "node-b.example")
	require.NoError(t, err)
	assert.Equal(t, did, entry.DID)
}

func TestPreviewTrimsOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", previewLen+20)
	got := preview(&models.ChatMessage{Content: long})
	assert.Equal(t, strings.Repeat("é", previewLen), got)
	assert.True(t, utf8.ValidString(got))

	assert.Equal(t, "short", preview(&models.ChatMessage{Content: "short"}))
	assert.Equal(t, "[encrypted]", preview(&models.ChatMessage{Content: "", EncryptedContent: "Y2lwaGVy"}))
}

func TestLegacyEncryptRoundTrip(t *testing.T) {
	sender, err := crypto.GenerateKey()
	require.NoError(t, err)
	recipient, err := crypto.GenerateKey()
	require.NoError(t, err)
	senderPub, err := crypto.MarshalPublicKey(&sender.PublicKey)
	require.NoError(t, err)
	recipientPub, err := crypto.MarshalPublicKey(&recipient.PublicKey)
	require.NoError(t, err)

	sealed, err := LegacyEncrypt(sender, recipientPub, "the plaintext")
	require.NoError(t, err)

	plain, err := LegacyDecrypt(recipient, senderPub, sealed)
	require.NoError(t, err)
	assert.Equal(t, "the plaintext", plain)

	// The wrong recipient key cannot open it.
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = LegacyDecrypt(other, senderPub, sealed)
	assert.Error(t, err)
}
