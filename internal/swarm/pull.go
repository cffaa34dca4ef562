package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synapsis-swarm/synapsis/internal/crypto"
	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/store"
)

// Pull federation timing. Profile views wait up to pullTimeout for fresh
// data; background refreshes give up sooner and fall back to cache.
const (
	pullTimeout    = 5 * time.Second
	refreshTimeout = 3 * time.Second
	syncCooldown   = time.Minute
)

// RemoteUserDoc is the document a node serves for one of its users.
type RemoteUserDoc struct {
	DID           string          `json:"did"`
	Handle        string          `json:"handle"`
	DisplayName   string          `json:"displayName"`
	Bio           string          `json:"bio"`
	AvatarURL     string          `json:"avatarUrl"`
	PublicKey     string          `json:"publicKey"`
	ChatPublicKey string          `json:"chatPublicKey"`
	DMPrivacy     string          `json:"dmPrivacy"`
	IsBot         bool            `json:"isBot"`
	Posts         []RemotePostDoc `json:"posts"`
}

// RemotePostDoc is one post inside a RemoteUserDoc or post lookup.
type RemotePostDoc struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	ReplyToAPID  string `json:"replyToApId,omitempty"`
	LikesCount   int    `json:"likesCount"`
	RepostsCount int    `json:"repostsCount"`
	RepliesCount int    `json:"repliesCount"`
	CreatedAt    int64  `json:"createdAt"` // unix ms
}

// Puller fetches remote users and their posts on demand, mirroring them
// into local rows, and keeps followed remote profiles fresh in the
// background.
type Puller struct {
	client   *Client
	registry *Registry
	store    store.Store
	log      *slog.Logger

	mu       sync.Mutex
	lastSync map[string]time.Time
}

func NewPuller(client *Client, registry *Registry, st store.Store, log *slog.Logger) *Puller {
	if log == nil {
		log = slog.Default()
	}
	return &Puller{
		client:   client,
		registry: registry,
		store:    st,
		log:      log.With("component", "pull"),
		lastSync: make(map[string]time.Time),
	}
}

// FetchRemoteProfile resolves user@domain, pulling fresh data from the
// origin when reachable and degrading to the local mirror otherwise.
func (p *Puller) FetchRemoteProfile(ctx context.Context, fullHandle string) (*models.User, []*models.Post, error) {
	local, domain := models.SplitHandle(fullHandle)
	if domain == "" {
		return nil, nil, fmt.Errorf("%w: not a remote handle", models.ErrValidation)
	}
	if !p.registry.KnownDomain(ctx, domain) {
		return nil, nil, fmt.Errorf("%w: unknown swarm domain %s", models.ErrNotFound, domain)
	}

	u, posts, err := p.pull(ctx, domain, local, pullTimeout)
	if err == nil {
		return u, posts, nil
	}
	p.log.Warn("remote profile pull failed, trying cache", "handle", fullHandle, "error", err)

	cached, cerr := p.store.UserByHandle(ctx, fullHandle)
	if cerr != nil {
		return nil, nil, err
	}
	cachedPosts, cerr := p.store.UserPosts(ctx, cached.ID, 50)
	if cerr != nil {
		cachedPosts = nil
	}
	return cached, cachedPosts, nil
}

// SyncFollowedRemotes refreshes remote profiles that local users follow,
// at most once per cooldown per target.
func (p *Puller) SyncFollowedRemotes(ctx context.Context) {
	targets, err := p.store.RemoteFollowTargets(ctx)
	if err != nil {
		p.log.Error("listing remote follow targets", "error", err)
		return
	}
	now := time.Now()
	for _, target := range targets {
		p.mu.Lock()
		last := p.lastSync[target]
		due := now.Sub(last) >= syncCooldown
		if due {
			p.lastSync[target] = now
		}
		p.mu.Unlock()
		if !due {
			continue
		}

		local, domain := models.SplitHandle(target)
		if domain == "" || !p.registry.KnownDomain(ctx, domain) {
			continue
		}
		if _, _, err := p.pull(ctx, domain, local, refreshTimeout); err != nil {
			p.log.Warn("remote follow refresh failed", "target", target, "error", err)
		}
	}
}

func (p *Puller) pull(ctx context.Context, domain, localHandle string, timeout time.Duration) (*models.User, []*models.Post, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var doc RemoteUserDoc
	path := "/swarm/users/" + url.PathEscape(localHandle)
	if err := p.client.GetJSON(reqCtx, domain, path, &doc); err != nil {
		p.registry.MarkFailure(ctx, domain)
		return nil, nil, err
	}
	p.registry.MarkSuccess(ctx, domain)
	return p.mirror(ctx, domain, localHandle, &doc)
}

// mirror upserts the remote user and post rows. Mirrors carry synthetic
// did:swarm DIDs when the origin publishes none, and swarm: apIds so
// interactions route back to the origin.
func (p *Puller) mirror(ctx context.Context, domain, localHandle string, doc *RemoteUserDoc) (*models.User, []*models.Post, error) {
	handle := doc.Handle
	if handle == "" {
		handle = localHandle
	}
	did := doc.DID
	if did == "" {
		did = crypto.SwarmDID(domain, handle)
	}
	u := &models.User{
		ID:            uuid.NewString(),
		DID:           did,
		Handle:        strings.ToLower(handle),
		DisplayName:   doc.DisplayName,
		Bio:           doc.Bio,
		AvatarURL:     doc.AvatarURL,
		PublicKey:     doc.PublicKey,
		ChatPublicKey: doc.ChatPublicKey,
		DMPrivacy:     doc.DMPrivacy,
		IsBot:         doc.IsBot,
		IsRemote:      true,
		NodeDomain:    domain,
		CreatedAt:     time.Now(),
	}
	if err := p.store.UpsertRemoteUser(ctx, u); err != nil {
		return nil, nil, err
	}

	posts := make([]*models.Post, 0, len(doc.Posts))
	for _, rp := range doc.Posts {
		if rp.ID == "" {
			continue
		}
		apID := MakeAPID(domain, rp.ID)
		existing, err := p.store.PostByAPID(ctx, apID)
		if err == nil {
			posts = append(posts, existing)
			continue
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, nil, err
		}
		post := &models.Post{
			ID:           uuid.NewString(),
			UserID:       u.ID,
			Content:      rp.Content,
			APID:         apID,
			LikesCount:   rp.LikesCount,
			RepostsCount: rp.RepostsCount,
			RepliesCount: rp.RepliesCount,
			CreatedAt:    time.UnixMilli(rp.CreatedAt),
		}
		if err := p.store.CreatePost(ctx, post); err != nil {
			return nil, nil, err
		}
		posts = append(posts, post)
	}
	return u, posts, nil
}
