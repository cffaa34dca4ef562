// Package social implements the local social graph: posts, likes,
// reposts, replies, follows and notifications, plus routing of
// interactions whose target lives on another node.
package social

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/synapsis-swarm/synapsis/internal/action"
	"github.com/synapsis-swarm/synapsis/internal/crypto"
	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/store"
	"github.com/synapsis-swarm/synapsis/internal/swarm"
)

// Notification kinds.
const (
	NotifyLike   = "like"
	NotifyRepost = "repost"
	NotifyReply  = "reply"
	NotifyFollow = "follow"
)

// Config wires a Service.
type Config struct {
	Store     store.Store
	Deliverer *swarm.Deliverer
	Domain    string
	Logger    *slog.Logger
}

// Service owns post and relation state for this node.
type Service struct {
	store     store.Store
	deliverer *swarm.Deliverer
	domain    string
	log       *slog.Logger
}

func NewService(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		deliverer: cfg.Deliverer,
		domain:    cfg.Domain,
		log:       log.With("component", "social"),
	}
}

// CreatePost publishes a post or reply by a local user. Replies to
// remote posts are additionally delivered to the origin node.
func (s *Service) CreatePost(ctx context.Context, u *models.User, content, replyToID string, env *action.Envelope) (*models.Post, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: empty post", models.ErrValidation)
	}
	if len(content) > models.MaxPostLength {
		return nil, fmt.Errorf("%w: post exceeds %d characters", models.ErrValidation, models.MaxPostLength)
	}

	var parent *models.Post
	if replyToID != "" {
		var err error
		parent, err = s.store.PostByID(ctx, replyToID)
		if err != nil {
			return nil, err
		}
	}

	post := &models.Post{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Content:   content,
		ReplyToID: replyToID,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreatePost(ctx, post); err != nil {
		return nil, err
	}

	if parent != nil {
		if err := s.store.IncrementPostCounter(ctx, parent.ID, store.CounterReplies, 1); err != nil {
			s.log.Error("bumping reply counter", "post", parent.ID, "error", err)
		}
		s.notifyPostAuthor(ctx, parent, u, NotifyReply, post.ID)
		if domain, originID, ok := swarm.ParseAPID(parent.APID); ok {
			s.deliverRemote(ctx, domain, &swarm.Interaction{
				InteractionID: uuid.NewString(),
				Verb:          swarm.VerbReply,
				TargetAPID:    swarm.MakeAPID(domain, originID),
				Actor:         s.localActor(u),
				Envelope:      env,
				Content:       content,
				OriginReplyID: post.ID,
				Ts:            time.Now().UnixMilli(),
			})
		}
	}
	return post, nil
}

// DeletePost soft-removes a post owned by u.
func (s *Service) DeletePost(ctx context.Context, u *models.User, postID string) error {
	post, err := s.store.PostByID(ctx, postID)
	if err != nil {
		return err
	}
	if post.UserID != u.ID {
		return models.ErrForbidden
	}
	if err := s.store.RemovePost(ctx, postID); err != nil {
		return err
	}
	if post.ReplyToID != "" {
		if err := s.store.IncrementPostCounter(ctx, post.ReplyToID, store.CounterReplies, -1); err != nil &&
			!errors.Is(err, models.ErrNotFound) {
			s.log.Error("dropping reply counter", "post", post.ReplyToID, "error", err)
		}
	}
	return nil
}

// Like records a like by a local user, routing to the origin node when
// the target is a remote mirror.
func (s *Service) Like(ctx context.Context, u *models.User, postID string, env *action.Envelope) error {
	post, err := s.store.PostByID(ctx, postID)
	if err != nil {
		return err
	}
	changed, err := s.store.InsertLike(ctx, post.ID, u.FullHandle())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := s.store.IncrementPostCounter(ctx, post.ID, store.CounterLikes, 1); err != nil {
		return err
	}
	s.notifyPostAuthor(ctx, post, u, NotifyLike, post.ID)
	s.routeInteraction(ctx, post, u, swarm.VerbLike, env)
	return nil
}

// Unlike reverses a like.
func (s *Service) Unlike(ctx context.Context, u *models.User, postID string, env *action.Envelope) error {
	post, err := s.store.PostByID(ctx, postID)
	if err != nil {
		return err
	}
	changed, err := s.store.DeleteLike(ctx, post.ID, u.FullHandle())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := s.store.IncrementPostCounter(ctx, post.ID, store.CounterLikes, -1); err != nil {
		return err
	}
	s.routeInteraction(ctx, post, u, swarm.VerbUnlike, env)
	return nil
}

// Repost creates a repost of postID. Reposting twice is a no-op
// returning the existing repost.
func (s *Service) Repost(ctx context.Context, u *models.User, postID string, env *action.Envelope) (*models.Post, error) {
	post, err := s.store.PostByID(ctx, postID)
	if err != nil {
		return nil, err
	}
	// Reposting a repost targets the original, so chains stay one level
	// deep and counters land on the post that was actually authored.
	if post.RepostOfID != "" {
		if post, err = s.store.PostByID(ctx, post.RepostOfID); err != nil {
			return nil, err
		}
	}
	if existing, err := s.store.FindRepost(ctx, u.ID, post.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	repost := &models.Post{
		ID:         uuid.NewString(),
		UserID:     u.ID,
		RepostOfID: post.ID,
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreatePost(ctx, repost); err != nil {
		return nil, err
	}
	if err := s.store.IncrementPostCounter(ctx, post.ID, store.CounterReposts, 1); err != nil {
		return nil, err
	}
	s.notifyPostAuthor(ctx, post, u, NotifyRepost, post.ID)
	s.routeInteraction(ctx, post, u, swarm.VerbRepost, env)
	return repost, nil
}

// Unrepost removes u's repost of postID.
func (s *Service) Unrepost(ctx context.Context, u *models.User, postID string, env *action.Envelope) error {
	post, err := s.store.PostByID(ctx, postID)
	if err != nil {
		return err
	}
	repost, err := s.store.FindRepost(ctx, u.ID, post.ID)
	if err != nil {
		return err
	}
	if err := s.store.RemovePost(ctx, repost.ID); err != nil {
		return err
	}
	if err := s.store.IncrementPostCounter(ctx, post.ID, store.CounterReposts, -1); err != nil {
		return err
	}
	s.routeInteraction(ctx, post, u, swarm.VerbUnrepost, env)
	return nil
}

// Follow adds a follow edge from u to targetHandle and notifies local
// targets.
func (s *Service) Follow(ctx context.Context, u *models.User, targetHandle string) error {
	targetHandle = strings.ToLower(strings.TrimSpace(targetHandle))
	if targetHandle == "" || targetHandle == u.FullHandle() {
		return fmt.Errorf("%w: bad follow target", models.ErrValidation)
	}
	blocked, err := s.store.IsBlocked(ctx, targetHandle, u.FullHandle())
	if err != nil {
		return err
	}
	if blocked {
		return models.ErrForbidden
	}
	if err := s.store.UpsertFollow(ctx, u.FullHandle(), targetHandle); err != nil {
		return err
	}
	if target, err := s.store.UserByHandle(ctx, targetHandle); err == nil && !target.IsRemote {
		s.notify(ctx, target.ID, u, NotifyFollow, "")
	}
	return nil
}

// Unfollow removes a follow edge.
func (s *Service) Unfollow(ctx context.Context, u *models.User, targetHandle string) error {
	return s.store.DeleteFollow(ctx, u.FullHandle(), strings.ToLower(strings.TrimSpace(targetHandle)))
}

// SetMute toggles a mute by u on targetHandle.
func (s *Service) SetMute(ctx context.Context, u *models.User, targetHandle string, on bool) error {
	return s.store.SetMute(ctx, u.FullHandle(), strings.ToLower(targetHandle), on)
}

// SetBlock toggles a block by u on targetHandle. Blocking also removes
// the target's follow edge toward u.
func (s *Service) SetBlock(ctx context.Context, u *models.User, targetHandle string, on bool) error {
	targetHandle = strings.ToLower(targetHandle)
	if err := s.store.SetBlock(ctx, u.FullHandle(), targetHandle, on); err != nil {
		return err
	}
	if on {
		return s.store.DeleteFollow(ctx, targetHandle, u.FullHandle())
	}
	return nil
}

// HomeTimeline returns posts from u and accounts u follows, minus muted
// and blocked authors.
func (s *Service) HomeTimeline(ctx context.Context, u *models.User, limit int) ([]*models.Post, error) {
	posts, err := s.store.HomeTimeline(ctx, u.ID, limit)
	if err != nil {
		return nil, err
	}
	return s.filterHidden(ctx, u, posts)
}

// PublicTimeline returns the node-wide public feed.
func (s *Service) PublicTimeline(ctx context.Context, viewer *models.User, limit int) ([]*models.Post, error) {
	posts, err := s.store.PublicTimeline(ctx, limit)
	if err != nil {
		return nil, err
	}
	if viewer == nil {
		return posts, nil
	}
	return s.filterHidden(ctx, viewer, posts)
}

// UserPosts returns a single author's posts.
func (s *Service) UserPosts(ctx context.Context, userID string, limit int) ([]*models.Post, error) {
	return s.store.UserPosts(ctx, userID, limit)
}

// Notifications lists recent notifications for u.
func (s *Service) Notifications(ctx context.Context, u *models.User, limit int) ([]*models.Notification, error) {
	return s.store.Notifications(ctx, u.ID, limit)
}

// MarkNotificationsRead marks all of u's notifications read.
func (s *Service) MarkNotificationsRead(ctx context.Context, u *models.User) error {
	return s.store.MarkNotificationsRead(ctx, u.ID)
}

// ApplyRemoteInteraction applies a verified inbound interaction to the
// local target post. Implements swarm.Applier.
func (s *Service) ApplyRemoteInteraction(ctx context.Context, in *swarm.Interaction) error {
	domain, originID, ok := swarm.ParseAPID(in.TargetAPID)
	if !ok || domain != s.domain {
		return fmt.Errorf("%w: interaction targets another node", models.ErrValidation)
	}
	post, err := s.store.PostByID(ctx, originID)
	if err != nil {
		return err
	}

	actorHandle := in.Actor.Handle
	if !strings.Contains(actorHandle, "@") && in.Actor.NodeDomain != "" {
		actorHandle = actorHandle + "@" + in.Actor.NodeDomain
	}

	switch in.Verb {
	case swarm.VerbLike:
		changed, err := s.store.InsertLike(ctx, post.ID, actorHandle)
		if err != nil || !changed {
			return err
		}
		if err := s.store.IncrementPostCounter(ctx, post.ID, store.CounterLikes, 1); err != nil {
			return err
		}
		s.notifyRemote(ctx, post, in.Actor, NotifyLike)
	case swarm.VerbUnlike:
		changed, err := s.store.DeleteLike(ctx, post.ID, actorHandle)
		if err != nil || !changed {
			return err
		}
		return s.store.IncrementPostCounter(ctx, post.ID, store.CounterLikes, -1)
	case swarm.VerbRepost:
		if err := s.store.IncrementPostCounter(ctx, post.ID, store.CounterReposts, 1); err != nil {
			return err
		}
		s.notifyRemote(ctx, post, in.Actor, NotifyRepost)
	case swarm.VerbUnrepost:
		return s.store.IncrementPostCounter(ctx, post.ID, store.CounterReposts, -1)
	case swarm.VerbReply:
		return s.applyRemoteReply(ctx, post, in)
	default:
		return fmt.Errorf("%w: unknown verb", models.ErrValidation)
	}
	return nil
}

// applyRemoteReply mirrors a remote reply as a local post, deduped on
// its cross-node identifier.
func (s *Service) applyRemoteReply(ctx context.Context, parent *models.Post, in *swarm.Interaction) error {
	if in.OriginReplyID == "" {
		return fmt.Errorf("%w: reply without origin id", models.ErrValidation)
	}
	apID := swarm.MakeAPID(in.Actor.NodeDomain, in.OriginReplyID)
	if _, err := s.store.PostByAPID(ctx, apID); err == nil {
		return nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return err
	}

	author, err := s.ensureRemoteAuthor(ctx, in.Actor)
	if err != nil {
		return err
	}
	reply := &models.Post{
		ID:        uuid.NewString(),
		UserID:    author.ID,
		Content:   in.Content,
		ReplyToID: parent.ID,
		APID:      apID,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreatePost(ctx, reply); err != nil {
		return err
	}
	if err := s.store.IncrementPostCounter(ctx, parent.ID, store.CounterReplies, 1); err != nil {
		return err
	}
	s.notifyRemote(ctx, parent, in.Actor, NotifyReply)
	return nil
}

// ensureRemoteAuthor upserts a minimal mirror row for a remote actor.
func (s *Service) ensureRemoteAuthor(ctx context.Context, actor swarm.Actor) (*models.User, error) {
	did := actor.DID
	if did == "" {
		did = crypto.SwarmDID(actor.NodeDomain, actor.Handle)
	}
	if u, err := s.store.UserByDID(ctx, did); err == nil {
		return u, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	local, _ := models.SplitHandle(actor.Handle)
	u := &models.User{
		ID:         uuid.NewString(),
		DID:        did,
		Handle:     strings.ToLower(local),
		IsRemote:   true,
		NodeDomain: actor.NodeDomain,
		CreatedAt:  time.Now(),
	}
	if err := s.store.UpsertRemoteUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// routeInteraction forwards an interaction to the origin node when the
// target is a remote mirror.
func (s *Service) routeInteraction(ctx context.Context, post *models.Post, u *models.User, verb string, env *action.Envelope) {
	domain, originID, ok := swarm.ParseAPID(post.APID)
	if !ok || domain == s.domain {
		return
	}
	s.deliverRemote(ctx, domain, &swarm.Interaction{
		InteractionID: uuid.NewString(),
		Verb:          verb,
		TargetAPID:    swarm.MakeAPID(domain, originID),
		Actor:         s.localActor(u),
		Envelope:      env,
		Ts:            time.Now().UnixMilli(),
	})
}

func (s *Service) deliverRemote(ctx context.Context, domain string, in *swarm.Interaction) {
	if s.deliverer == nil {
		return
	}
	s.deliverer.Deliver(context.WithoutCancel(ctx), domain, in)
}

func (s *Service) localActor(u *models.User) swarm.Actor {
	return swarm.Actor{DID: u.DID, Handle: u.Handle, NodeDomain: s.domain}
}

func (s *Service) notifyPostAuthor(ctx context.Context, post *models.Post, actor *models.User, kind, postID string) {
	if post.UserID == actor.ID {
		return
	}
	author, err := s.store.UserByID(ctx, post.UserID)
	if err != nil || author.IsRemote {
		return
	}
	s.notify(ctx, author.ID, actor, kind, postID)
}

func (s *Service) notify(ctx context.Context, userID string, actor *models.User, kind, postID string) {
	actorDomain := ""
	if actor.IsRemote {
		actorDomain = actor.NodeDomain
	}
	err := s.store.InsertNotification(ctx, &models.Notification{
		ID:              uuid.NewString(),
		UserID:          userID,
		Kind:            kind,
		ActorHandle:     actor.Handle,
		ActorNodeDomain: actorDomain,
		PostID:          postID,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		s.log.Error("inserting notification", "kind", kind, "error", err)
	}
}

func (s *Service) notifyRemote(ctx context.Context, post *models.Post, actor swarm.Actor, kind string) {
	author, err := s.store.UserByID(ctx, post.UserID)
	if err != nil || author.IsRemote {
		return
	}
	err = s.store.InsertNotification(ctx, &models.Notification{
		ID:              uuid.NewString(),
		UserID:          author.ID,
		Kind:            kind,
		ActorHandle:     actor.Handle,
		ActorNodeDomain: actor.NodeDomain,
		PostID:          post.ID,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		s.log.Error("inserting notification", "kind", kind, "error", err)
	}
}

// filterHidden drops posts by authors the viewer muted or blocked.
func (s *Service) filterHidden(ctx context.Context, viewer *models.User, posts []*models.Post) ([]*models.Post, error) {
	out := posts[:0]
	for _, p := range posts {
		author, err := s.store.UserByID(ctx, p.UserID)
		if err != nil {
			continue
		}
		handle := author.FullHandle()
		muted, err := s.store.IsMuted(ctx, viewer.FullHandle(), handle)
		if err != nil {
			return nil, err
		}
		blocked, err := s.store.IsBlocked(ctx, viewer.FullHandle(), handle)
		if err != nil {
			return nil, err
		}
		if muted || blocked {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
