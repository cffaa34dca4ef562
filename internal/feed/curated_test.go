package feed

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/store"
)

func seed(t *testing.T, st store.Store, handle string) *models.User {
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

func post(t *testing.T, st store.Store, u *models.User, content string, age time.Duration, likes int) *models.Post {
	t.Helper()
	p := &models.Post{
		ID:         uuid.NewString(),
		UserID:     u.ID,
		Content:    content,
		LikesCount: likes,
		CreatedAt:  time.Now().Add(-age),
	}
	require.NoError(t, st.CreatePost(context.Background(), p))
	return p
}

func TestScoreComponents(t *testing.T) {
	fresh := &models.Post{LikesCount: 0}
	assert.InDelta(t, 1.1, Score(fresh, 0, false, false), 1e-9)

	// Engagement: likes + 2*reposts + 0.5*replies inside the log.
	engaged := &models.Post{LikesCount: 1, RepostsCount: 1, RepliesCount: 2}
	expected := 1.4*math.Log(1+4.0) + 1.1
	assert.InDelta(t, expected, Score(engaged, 0, false, false), 1e-9)

	// Relation bonuses stack.
	assert.InDelta(t, 1.1+0.9, Score(fresh, 0, true, false), 1e-9)
	assert.InDelta(t, 1.1+0.5, Score(fresh, 0, false, true), 1e-9)

	// Recency hits zero at the window edge and never goes negative.
	assert.InDelta(t, 0, Score(fresh, Window, false, false), 1e-9)
	assert.InDelta(t, 0, Score(fresh, 2*Window, false, false), 1e-9)
}

func TestTimelineOrdersByScore(t *testing.T) {
	st := store.NewMemory()
	c := NewCurator(st)
	ctx := context.Background()

	alice := seed(t, st, "alice")
	bob := seed(t, st, "bob")
	carol := seed(t, st, "carol")
	require.NoError(t, st.UpsertFollow(ctx, "alice", "bob"))

	hot := post(t, st, carol, "hot", time.Hour, 50)
	followed := post(t, st, bob, "followed", time.Hour, 0)
	cold := post(t, st, carol, "cold", 70*time.Hour, 0)

	posts, err := c.Timeline(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, posts, 3)
	assert.Equal(t, hot.ID, posts[0].ID)
	assert.Equal(t, followed.ID, posts[1].ID)
	assert.Equal(t, cold.ID, posts[2].ID)
}

func TestTimelineExcludesOutsideWindow(t *testing.T) {
	st := store.NewMemory()
	c := NewCurator(st)
	ctx := context.Background()

	u := seed(t, st, "alice")
	post(t, st, u, "ancient", Window+time.Hour, 100)
	recent := post(t, st, u, "recent", time.Hour, 0)

	posts, err := c.Timeline(ctx, u, 10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, recent.ID, posts[0].ID)
}
