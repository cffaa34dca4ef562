// Package store is the persistence boundary. The canonical driver is
// Postgres via pgx; the memory driver backs tests and single-node dev
// setups. Both implement Store, so services never see SQL directly.
package store

import (
	"context"
	"time"

	"github.com/synapsis-swarm/synapsis/internal/models"
)

// Post counter column names accepted by IncrementPostCounter.
const (
	CounterLikes   = "likes_count"
	CounterReposts = "reposts_count"
	CounterReplies = "replies_count"
)

// Store is the full persistence surface of the node.
type Store interface {
	// Users and sessions.
	CreateUser(ctx context.Context, u *models.User) error
	UserByID(ctx context.Context, id string) (*models.User, error)
	UserByDID(ctx context.Context, did string) (*models.User, error)
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	UserByHandle(ctx context.Context, handle string) (*models.User, error)
	UpdateUserKeys(ctx context.Context, id string, u *models.User) error
	UpsertRemoteUser(ctx context.Context, u *models.User) error
	CountUsers(ctx context.Context) (int, error)

	CreateSession(ctx context.Context, s *models.Session) error
	SessionByToken(ctx context.Context, token string) (*models.Session, error)
	DeleteSession(ctx context.Context, token string) error

	// Signed-action replay protection. InsertActionDedupe returns
	// models.ErrDuplicate when actionID was already recorded.
	InsertActionDedupe(ctx context.Context, actionID, did, nonce string, ts time.Time) error
	PruneActionDedupe(ctx context.Context, before time.Time) error

	// Posts. Counter updates are atomic expressions, clamped at zero.
	CreatePost(ctx context.Context, p *models.Post) error
	PostByID(ctx context.Context, id string) (*models.Post, error)
	PostByAPID(ctx context.Context, apID string) (*models.Post, error)
	RemovePost(ctx context.Context, id string) error
	PublicTimeline(ctx context.Context, limit int) ([]*models.Post, error)
	UserPosts(ctx context.Context, userID string, limit int) ([]*models.Post, error)
	HomeTimeline(ctx context.Context, userID string, limit int) ([]*models.Post, error)
	RecentPosts(ctx context.Context, since time.Time, limit int) ([]*models.Post, error)
	FindRepost(ctx context.Context, userID, repostOfID string) (*models.Post, error)
	IncrementPostCounter(ctx context.Context, postID, counter string, delta int) error
	RebuildCounters(ctx context.Context) error
	CountPosts(ctx context.Context) (int, error)

	// Likes, keyed (postID, actorHandle); actorHandle is user@domain for
	// remote actors. The bool reports whether the relation changed.
	InsertLike(ctx context.Context, postID, actorHandle string) (bool, error)
	DeleteLike(ctx context.Context, postID, actorHandle string) (bool, error)

	// Federation idempotency: first sighting of an interactionId returns
	// true, duplicates false.
	RecordInteraction(ctx context.Context, interactionID string) (bool, error)

	// Follows, mutes, blocks; full handles on both sides.
	UpsertFollow(ctx context.Context, follower, target string) error
	DeleteFollow(ctx context.Context, follower, target string) error
	IsFollowing(ctx context.Context, follower, target string) (bool, error)
	Following(ctx context.Context, handle string, limit int) ([]models.Follow, error)
	Followers(ctx context.Context, handle string, limit int) ([]models.Follow, error)
	RemoteFollowTargets(ctx context.Context) ([]string, error)
	SetMute(ctx context.Context, handle, target string, on bool) error
	SetBlock(ctx context.Context, handle, target string, on bool) error
	IsBlocked(ctx context.Context, handle, target string) (bool, error)
	IsMuted(ctx context.Context, handle, target string) (bool, error)

	InsertNotification(ctx context.Context, n *models.Notification) error
	Notifications(ctx context.Context, userID string, limit int) ([]*models.Notification, error)
	MarkNotificationsRead(ctx context.Context, userID string) error

	// Swarm registry. Nodes are upserted, never deleted.
	UpsertNode(ctx context.Context, n *models.SwarmNode) error
	NodeByDomain(ctx context.Context, domain string) (*models.SwarmNode, error)
	Nodes(ctx context.Context) ([]*models.SwarmNode, error)
	ActiveNodes(ctx context.Context, maxFailures int) ([]*models.SwarmNode, error)
	NodesSince(ctx context.Context, since time.Time, limit int) ([]*models.SwarmNode, error)
	MarkNodeSuccess(ctx context.Context, domain string) error
	MarkNodeFailure(ctx context.Context, domain string) (int, error)

	// Handle directory; merge keeps the newest updatedAt per
	// (handle, nodeDomain).
	UpsertHandle(ctx context.Context, e models.HandleEntry) error
	HandleEntry(ctx context.Context, handle, nodeDomain string) (*models.HandleEntry, error)
	HandleByName(ctx context.Context, handle string) (*models.HandleEntry, error)
	HandleByDID(ctx context.Context, did string) (*models.HandleEntry, error)
	HandlesSince(ctx context.Context, since time.Time, limit int) ([]models.HandleEntry, error)

	// TOFU cache rows.
	RemoteIdentity(ctx context.Context, did string) (*models.RemoteIdentity, error)
	PutRemoteIdentity(ctx context.Context, ri *models.RemoteIdentity) error

	// Chat.
	ConversationFor(ctx context.Context, participantID, peerHandle string) (*models.ChatConversation, error)
	ConversationByID(ctx context.Context, id string) (*models.ChatConversation, error)
	UpsertConversation(ctx context.Context, c *models.ChatConversation) error
	Conversations(ctx context.Context, participantID string) ([]*models.ChatConversation, error)
	AppendMessage(ctx context.Context, m *models.ChatMessage) error
	MessagesBefore(ctx context.Context, conversationID string, before time.Time, limit int) ([]*models.ChatMessage, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
	MarkMessageDelivered(ctx context.Context, messageID string) error
	UndeliveredMessages(ctx context.Context, limit int) ([]*models.ChatMessage, error)

	Close()
}
