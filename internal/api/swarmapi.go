package api

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/swarm"
)

// swarmTimelinePeers caps how many peers the aggregated swarm timeline
// fans out to per refresh.
const (
	swarmTimelinePeers = 3
	swarmTimelineTTL   = time.Minute
)

// swarmRecentPost is the wire shape of /api/swarm/recent entries, shared
// by what we serve to peers and what we read back from them.
type swarmRecentPost struct {
	APID         string `json:"apId"`
	AuthorHandle string `json:"authorHandle"`
	AuthorDomain string `json:"authorDomain"`
	Content      string `json:"content"`
	LikesCount   int    `json:"likesCount"`
	RepostsCount int    `json:"repostsCount"`
	RepliesCount int    `json:"repliesCount"`
	CreatedAt    int64  `json:"createdAt"` // unix ms
}

// swarmTimelineCache holds the merged cross-node timeline between
// refreshes so anonymous browsing does not fan out on every request.
type swarmTimelineCache struct {
	mu      sync.Mutex
	fetched time.Time
	posts   []swarmRecentPost
}

func (s *Server) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	info := s.registry.LocalInfo(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"protocol":     "synapsis-swarm",
		"domain":       info.Domain,
		"publicKey":    info.PublicKey,
		"version":      info.SoftwareVersion,
		"capabilities": info.Capabilities,
	})
}

func (s *Server) handleSwarmInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.LocalInfo(r.Context()))
}

// handleSwarmUser serves a local user's public document to peers.
func (s *Server) handleSwarmUser(w http.ResponseWriter, r *http.Request) {
	handle := strings.ToLower(chi.URLParam(r, "handle"))
	u, err := s.store.UserByHandle(r.Context(), handle)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if u.IsRemote || u.IsSuspended {
		s.writeError(w, r, models.ErrNotFound)
		return
	}
	posts, err := s.store.UserPosts(r.Context(), u.ID, 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	doc := swarm.RemoteUserDoc{
		DID:           u.DID,
		Handle:        u.Handle,
		DisplayName:   u.DisplayName,
		Bio:           u.Bio,
		AvatarURL:     u.AvatarURL,
		PublicKey:     u.PublicKey,
		ChatPublicKey: u.ChatPublicKey,
		DMPrivacy:     u.DMPrivacy,
		IsBot:         u.IsBot,
		Posts:         make([]swarm.RemotePostDoc, 0, len(posts)),
	}
	for _, p := range posts {
		if p.APID != "" {
			continue // mirror of another node's post, not ours to republish
		}
		doc.Posts = append(doc.Posts, s.remotePostDoc(p))
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) remotePostDoc(p *models.Post) swarm.RemotePostDoc {
	doc := swarm.RemotePostDoc{
		ID:           p.ID,
		Content:      p.Content,
		LikesCount:   p.LikesCount,
		RepostsCount: p.RepostsCount,
		RepliesCount: p.RepliesCount,
		CreatedAt:    p.CreatedAt.UnixMilli(),
	}
	if p.ReplyToID != "" {
		doc.ReplyToAPID = swarm.MakeAPID(s.domain, p.ReplyToID)
	}
	return doc
}

func (s *Server) handleSwarmFollowing(w http.ResponseWriter, r *http.Request) {
	s.serveFollowList(w, r, s.store.Following)
}

func (s *Server) handleSwarmFollowers(w http.ResponseWriter, r *http.Request) {
	s.serveFollowList(w, r, s.store.Followers)
}

func (s *Server) serveFollowList(w http.ResponseWriter, r *http.Request, list func(context.Context, string, int) ([]models.Follow, error)) {
	handle := strings.ToLower(chi.URLParam(r, "handle"))
	if _, err := s.store.UserByHandle(r.Context(), handle); err != nil {
		s.writeError(w, r, err)
		return
	}
	follows, err := list(r.Context(), handle, limitParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type edge struct {
		FollowerHandle string `json:"followerHandle"`
		TargetHandle   string `json:"targetHandle"`
		CreatedAt      int64  `json:"createdAt"`
	}
	out := make([]edge, len(follows))
	for i, f := range follows {
		out[i] = edge{
			FollowerHandle: f.FollowerHandle,
			TargetHandle:   f.TargetHandle,
			CreatedAt:      f.CreatedAt.UnixMilli(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSwarmPost serves one local post by its local id, the id peers
// extract from our swarm: apIds.
func (s *Server) handleSwarmPost(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.PostByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p.APID != "" {
		s.writeError(w, r, models.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.remotePostDoc(p))
}

// handleSwarmRecent serves recent local public posts for peer timeline
// aggregation.
func (s *Server) handleSwarmRecent(w http.ResponseWriter, r *http.Request) {
	posts, err := s.recentLocalPosts(r.Context(), limitParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (s *Server) recentLocalPosts(ctx context.Context, limit int) ([]swarmRecentPost, error) {
	posts, err := s.store.RecentPosts(ctx, time.Now().Add(-24*time.Hour), limit*2)
	if err != nil {
		return nil, err
	}
	out := make([]swarmRecentPost, 0, limit)
	for _, p := range posts {
		if p.APID != "" {
			continue
		}
		author, err := s.store.UserByID(ctx, p.UserID)
		if err != nil || author.IsRemote || author.IsSuspended {
			continue
		}
		out = append(out, swarmRecentPost{
			APID:         swarm.MakeAPID(s.domain, p.ID),
			AuthorHandle: author.Handle,
			AuthorDomain: s.domain,
			Content:      p.Content,
			LikesCount:   p.LikesCount,
			RepostsCount: p.RepostsCount,
			RepliesCount: p.RepliesCount,
			CreatedAt:    p.CreatedAt.UnixMilli(),
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// handleSwarmTimeline serves the merged recent posts of this node and a
// few live peers, cached for a minute.
func (s *Server) handleSwarmTimeline(w http.ResponseWriter, r *http.Request) {
	s.swarmTimeline.mu.Lock()
	fresh := time.Since(s.swarmTimeline.fetched) < swarmTimelineTTL
	cached := s.swarmTimeline.posts
	s.swarmTimeline.mu.Unlock()

	if fresh {
		writeJSON(w, http.StatusOK, clip(cached, limitParam(r)))
		return
	}

	merged, err := s.refreshSwarmTimeline(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clip(merged, limitParam(r)))
}

func (s *Server) refreshSwarmTimeline(ctx context.Context) ([]swarmRecentPost, error) {
	local, err := s.recentLocalPosts(ctx, defaultTimelineLimit)
	if err != nil {
		return nil, err
	}

	peers, err := s.registry.ActivePeers(ctx)
	if err != nil {
		return nil, err
	}
	if len(peers) > swarmTimelinePeers {
		peers = peers[:swarmTimelinePeers]
	}

	var mu sync.Mutex
	merged := local
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		domain := peer.Domain
		g.Go(func() error {
			var posts []swarmRecentPost
			if err := s.client.GetJSON(gctx, domain, "/swarm/recent", &posts); err != nil {
				// One slow or dead peer must not empty the timeline.
				s.log.Warn("swarm timeline peer fetch failed", "peer", domain, "error", err)
				s.registry.MarkFailure(gctx, domain)
				return nil
			}
			s.registry.MarkSuccess(gctx, domain)
			for i := range posts {
				if posts[i].AuthorDomain == "" {
					posts[i].AuthorDomain = domain
				}
			}
			mu.Lock()
			merged = append(merged, posts...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt > merged[j].CreatedAt
	})

	s.swarmTimeline.mu.Lock()
	s.swarmTimeline.fetched = time.Now()
	s.swarmTimeline.posts = merged
	s.swarmTimeline.mu.Unlock()
	return merged, nil
}

func clip(posts []swarmRecentPost, limit int) []swarmRecentPost {
	if len(posts) > limit {
		return posts[:limit]
	}
	return posts
}

func (s *Server) handleSwarmAnnounce(w http.ResponseWriter, r *http.Request) {
	var info swarm.NodeInfo
	if err := decodeJSON(r, &info); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !strings.EqualFold(info.Domain, sourceDomainFrom(r.Context())) {
		s.writeError(w, r, models.ErrInvalidSignature)
		return
	}
	reply, err := s.registry.HandleAnnounce(r.Context(), info)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleSwarmGossip(w http.ResponseWriter, r *http.Request) {
	var in swarm.GossipPayload
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	reply, err := s.gossiper.HandleExchange(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.GossipExchanges.Inc()
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleSwarmInteraction(w http.ResponseWriter, r *http.Request) {
	verb := chi.URLParam(r, "verb")
	var in swarm.Interaction
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.receiver.Receive(r.Context(), verb, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.InteractionsIn.WithLabelValues(verb).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
