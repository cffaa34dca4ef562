package social

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/store"
	"github.com/synapsis-swarm/synapsis/internal/swarm"
)

func newService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemory()
	return NewService(Config{Store: st, Domain: "node-a.example"}), st
}

func seedUser(t *testing.T, st store.Store, handle string) *models.User {
	t.Helper()
	u := &models.User{
		ID:        uuid.NewString(),
		DID:       "did:key:z" + handle,
		Handle:    handle,
		Email:     handle + "@example.com",
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateUser(context.Background(), u))
	return u
}

func TestCreatePostValidation(t *testing.T) {
	svc, st := newService(t)
	u := seedUser(t, st, "alice")
	ctx := context.Background()

	_, err := svc.CreatePost(ctx, u, "   ", "", nil)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = svc.CreatePost(ctx, u, strings.Repeat("x", models.MaxPostLength+1), "", nil)
	assert.ErrorIs(t, err, models.ErrValidation)

	p, err := svc.CreatePost(ctx, u, "hello swarm", "", nil)
	require.NoError(t, err)
	assert.Equal(t, u.ID, p.UserID)
}

func TestReplyBumpsCounterAndNotifies(t *testing.T) {
	svc, st := newService(t)
	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	ctx := context.Background()

	root, err := svc.CreatePost(ctx, alice, "root", "", nil)
	require.NoError(t, err)

	_, err = svc.CreatePost(ctx, bob, "reply", root.ID, nil)
	require.NoError(t, err)

	got, err := st.PostByID(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RepliesCount)

	notifs, err := st.Notifications(ctx, alice.ID, 10)
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	assert.Equal(t, NotifyReply, notifs[0].Kind)
	assert.Equal(t, "bob", notifs[0].ActorHandle)
}

func TestLikeIdempotentPerActor(t *testing.T) {
	svc, st := newService(t)
	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	ctx := context.Background()

	p, err := svc.CreatePost(ctx, alice, "likeable", "", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Like(ctx, bob, p.ID, nil))
	require.NoError(t, svc.Like(ctx, bob, p.ID, nil))

	got, err := st.PostByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.LikesCount)

	require.NoError(t, svc.Unlike(ctx, bob, p.ID, nil))
	require.NoError(t, svc.Unlike(ctx, bob, p.ID, nil))

	got, err = st.PostByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.LikesCount)
}

func TestRepostIdempotent(t *testing.T) {
	svc, st := newService(t)
	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	ctx := context.Background()

	p, err := svc.CreatePost(ctx, alice, "original", "", nil)
	require.NoError(t, err)

	r1, err := svc.Repost(ctx, bob, p.ID, nil)
	require.NoError(t, err)
	r2, err := svc.Repost(ctx, bob, p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)

	got, err := st.PostByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RepostsCount)

	require.NoError(t, svc.Unrepost(ctx, bob, p.ID, nil))
	got, err = st.PostByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RepostsCount)
}

func TestRepostOfRepostTargetsOriginal(t *testing.T) {
	svc, st := newService(t)
	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	carol := seedUser(t, st, "carol")
	ctx := context.Background()

	orig, err := svc.CreatePost(ctx, alice, "original", "", nil)
	require.NoError(t, err)

	bobsRepost, err := svc.Repost(ctx, bob, orig.ID, nil)
	require.NoError(t, err)

	carolsRepost, err := svc.Repost(ctx, carol, bobsRepost.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, orig.ID, carolsRepost.RepostOfID, "chains must collapse to the original")

	got, err := st.PostByID(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RepostsCount)

	// The notification belongs to the original author, not the reposter.
	notifs, err := st.Notifications(ctx, alice.ID, 10)
	require.NoError(t, err)
	require.Len(t, notifs, 2)
	bobNotifs, err := st.Notifications(ctx, bob.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, bobNotifs)

	// Carol already reposted the original through bob's repost; going to
	// the source directly is the same repost.
	again, err := svc.Repost(ctx, carol, orig.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, carolsRepost.ID, again.ID)
}

func TestDeletePostOwnership(t *testing.T) {
	svc, st := newService(t)
	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	ctx := context.Background()

	p, err := svc.CreatePost(ctx, alice, "mine", "", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.DeletePost(ctx, bob, p.ID), models.ErrForbidden)
	require.NoError(t, svc.DeletePost(ctx, alice, p.ID))

	_, err = st.PostByID(ctx, p.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestFollowBlockedIsForbidden(t *testing.T) {
	svc, st := newService(t)
	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	ctx := context.Background()

	require.NoError(t, svc.SetBlock(ctx, alice, "bob", true))
	assert.ErrorIs(t, svc.Follow(ctx, bob, "alice"), models.ErrForbidden)

	require.NoError(t, svc.SetBlock(ctx, alice, "bob", false))
	require.NoError(t, svc.Follow(ctx, bob, "alice"))

	notifs, err := st.Notifications(ctx, alice.ID, 10)
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	assert.Equal(t, NotifyFollow, notifs[0].Kind)
}

func TestBlockingRemovesFollowEdge(t *testing.T) {
	svc, st := newService(t)
	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	ctx := context.Background()

	require.NoError(t, svc.Follow(ctx, bob, "alice"))
	require.NoError(t, svc.SetBlock(ctx, alice, "bob", true))

	following, err := st.IsFollowing(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, following)
	_ = alice
}

func TestHomeTimelineFiltersMuted(t *testing.T) {
	svc, st := newService(t)
	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	ctx := context.Background()

	require.NoError(t, svc.Follow(ctx, alice, "bob"))
	_, err := svc.CreatePost(ctx, bob, "from bob", "", nil)
	require.NoError(t, err)

	posts, err := svc.HomeTimeline(ctx, alice, 50)
	require.NoError(t, err)
	require.Len(t, posts, 1)

	require.NoError(t, svc.SetMute(ctx, alice, "bob", true))
	posts, err = svc.HomeTimeline(ctx, alice, 50)
	require.NoError(t, err)
	assert.Empty(t, posts)
}

func TestApplyRemoteLike(t *testing.T) {
	svc, st := newService(t)
	alice := seedUser(t, st, "alice")
	ctx := context.Background()

	p, err := svc.CreatePost(ctx, alice, "target", "", nil)
	require.NoError(t, err)

	in := &swarm.Interaction{
		InteractionID: "ix-1",
		Verb:          swarm.VerbLike,
		TargetAPID:    swarm.MakeAPID("node-a.example", p.ID),
		Actor:         swarm.Actor{DID: "did:key:zbob", Handle: "bob", NodeDomain: "node-b.example"},
	}
	require.NoError(t, svc.ApplyRemoteInteraction(ctx, in))

	got, err := st.PostByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.LikesCount)

	notifs, err := st.Notifications(ctx, alice.ID, 10)
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	assert.Equal(t, "bob", notifs[0].ActorHandle)
	assert.Equal(t, "node-b.example", notifs[0].ActorNodeDomain)

	// An interaction addressed to another node is refused.
	in.TargetAPID = swarm.MakeAPID("node-c.example", p.ID)
	assert.ErrorIs(t, svc.ApplyRemoteInteraction(ctx, in), models.ErrValidation)
}

func TestApplyRemoteReplyDeduped(t *testing.T) {
	svc, st := newService(t)
	alice := seedUser(t, st, "alice")
	ctx := context.Background()

	p, err := svc.CreatePost(ctx, alice, "root", "", nil)
	require.NoError(t, err)

	in := &swarm.Interaction{
		InteractionID: "ix-reply-1",
		Verb:          swarm.VerbReply,
		TargetAPID:    swarm.MakeAPID("node-a.example", p.ID),
		Actor:         swarm.Actor{DID: "did:key:zbob", Handle: "bob", NodeDomain: "node-b.example"},
		Content:       "remote reply",
		OriginReplyID: "remote-post-7",
	}
	require.NoError(t, svc.ApplyRemoteInteraction(ctx, in))
	// Redelivery with the same origin reply id does not duplicate.
	require.NoError(t, svc.ApplyRemoteInteraction(ctx, in))

	got, err := st.PostByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RepliesCount)

	mirror, err := st.PostByAPID(ctx, "swarm:node-b.example:remote-post-7")
	require.NoError(t, err)
	assert.Equal(t, "remote reply", mirror.Content)

	author, err := st.UserByID(ctx, mirror.UserID)
	require.NoError(t, err)
	assert.True(t, author.IsRemote)
	assert.Equal(t, "bob@node-b.example", author.FullHandle())
}
