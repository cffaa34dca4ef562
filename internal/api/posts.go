package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/synapsis-swarm/synapsis/internal/models"
)

const defaultTimelineLimit = 50

type postView struct {
	ID           string `json:"id"`
	AuthorHandle string `json:"authorHandle"`
	AuthorDomain string `json:"authorDomain,omitempty"`
	Content      string `json:"content"`
	ReplyToID    string `json:"replyToId,omitempty"`
	RepostOfID   string `json:"repostOfId,omitempty"`
	APID         string `json:"apId,omitempty"`
	LikesCount   int    `json:"likesCount"`
	RepostsCount int    `json:"repostsCount"`
	RepliesCount int    `json:"repliesCount"`
	CreatedAt    int64  `json:"createdAt"`
}

func (s *Server) viewPost(ctx context.Context, p *models.Post) postView {
	v := postView{
		ID:           p.ID,
		Content:      p.Content,
		ReplyToID:    p.ReplyToID,
		RepostOfID:   p.RepostOfID,
		APID:         p.APID,
		LikesCount:   p.LikesCount,
		RepostsCount: p.RepostsCount,
		RepliesCount: p.RepliesCount,
		CreatedAt:    p.CreatedAt.UnixMilli(),
	}
	if author, err := s.store.UserByID(ctx, p.UserID); err == nil {
		v.AuthorHandle = author.Handle
		if author.IsRemote {
			v.AuthorDomain = author.NodeDomain
		}
	}
	return v
}

func (s *Server) viewPosts(ctx context.Context, posts []*models.Post) []postView {
	out := make([]postView, len(posts))
	for i, p := range posts {
		out[i] = s.viewPost(ctx, p)
	}
	return out
}

func limitParam(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			return n
		}
	}
	return defaultTimelineLimit
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	env, u, ok := s.verifiedEnvelope(w, r)
	if !ok {
		return
	}
	var data struct {
		Content   string `json:"content"`
		ReplyToID string `json:"replyToId"`
	}
	if err := decodeData(env, &data); err != nil {
		s.writeError(w, r, err)
		return
	}
	post, err := s.social.CreatePost(r.Context(), u, data.Content, data.ReplyToID, env)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.viewPost(r.Context(), post))
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	_, u, ok := s.verifiedEnvelope(w, r)
	if !ok {
		return
	}
	if err := s.social.DeletePost(r.Context(), u, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.store.PostByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewPost(r.Context(), post))
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	env, u, ok := s.verifiedEnvelope(w, r)
	if !ok {
		return
	}
	if err := s.social.Like(r.Context(), u, chi.URLParam(r, "id"), env); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleUnlike(w http.ResponseWriter, r *http.Request) {
	env, u, ok := s.verifiedEnvelope(w, r)
	if !ok {
		return
	}
	if err := s.social.Unlike(r.Context(), u, chi.URLParam(r, "id"), env); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRepost(w http.ResponseWriter, r *http.Request) {
	env, u, ok := s.verifiedEnvelope(w, r)
	if !ok {
		return
	}
	repost, err := s.social.Repost(r.Context(), u, chi.URLParam(r, "id"), env)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.viewPost(r.Context(), repost))
}

func (s *Server) handleUnrepost(w http.ResponseWriter, r *http.Request) {
	env, u, ok := s.verifiedEnvelope(w, r)
	if !ok {
		return
	}
	if err := s.social.Unrepost(r.Context(), u, chi.URLParam(r, "id"), env); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHomeTimeline(w http.ResponseWriter, r *http.Request) {
	posts, err := s.social.HomeTimeline(r.Context(), userFrom(r.Context()), limitParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewPosts(r.Context(), posts))
}

func (s *Server) handlePublicTimeline(w http.ResponseWriter, r *http.Request) {
	posts, err := s.social.PublicTimeline(r.Context(), userFrom(r.Context()), limitParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewPosts(r.Context(), posts))
}

func (s *Server) handleCuratedTimeline(w http.ResponseWriter, r *http.Request) {
	posts, err := s.feed.Timeline(r.Context(), userFrom(r.Context()), limitParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewPosts(r.Context(), posts))
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	notifs, err := s.social.Notifications(r.Context(), userFrom(r.Context()), limitParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type notifView struct {
		ID              string `json:"id"`
		Kind            string `json:"kind"`
		ActorHandle     string `json:"actorHandle"`
		ActorNodeDomain string `json:"actorNodeDomain,omitempty"`
		PostID          string `json:"postId,omitempty"`
		CreatedAt       int64  `json:"createdAt"`
		Read            bool   `json:"read"`
	}
	out := make([]notifView, len(notifs))
	for i, n := range notifs {
		out[i] = notifView{
			ID:              n.ID,
			Kind:            n.Kind,
			ActorHandle:     n.ActorHandle,
			ActorNodeDomain: n.ActorNodeDomain,
			PostID:          n.PostID,
			CreatedAt:       n.CreatedAt.UnixMilli(),
			Read:            !n.ReadAt.IsZero(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	if err := s.social.MarkNotificationsRead(r.Context(), userFrom(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
