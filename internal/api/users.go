package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/synapsis-swarm/synapsis/internal/models"
)

type profileResponse struct {
	User  userView   `json:"user"`
	Posts []postView `json:"posts"`
}

// handleGetUser serves local profiles directly and remote ones through
// pull federation with cache fallback.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	handle := strings.ToLower(chi.URLParam(r, "handle"))

	if strings.Contains(handle, "@") {
		u, posts, err := s.puller.FetchRemoteProfile(r.Context(), handle)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profileResponse{
			User:  viewUser(u),
			Posts: s.viewPosts(r.Context(), posts),
		})
		return
	}

	u, err := s.store.UserByHandle(r.Context(), handle)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if u.IsSuspended {
		s.writeError(w, r, fmt.Errorf("%w: account suspended", models.ErrGone))
		return
	}
	posts, err := s.social.UserPosts(r.Context(), u.ID, limitParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		User:  viewUser(u),
		Posts: s.viewPosts(r.Context(), posts),
	})
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	if err := s.social.Follow(r.Context(), u, chi.URLParam(r, "handle")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	if err := s.social.Unfollow(r.Context(), u, chi.URLParam(r, "handle")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request)    { s.setRelation(w, r, "mute", true) }
func (s *Server) handleUnmute(w http.ResponseWriter, r *http.Request)  { s.setRelation(w, r, "mute", false) }
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request)   { s.setRelation(w, r, "block", true) }
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) { s.setRelation(w, r, "block", false) }

func (s *Server) setRelation(w http.ResponseWriter, r *http.Request, kind string, on bool) {
	u := userFrom(r.Context())
	target := chi.URLParam(r, "handle")
	var err error
	if kind == "mute" {
		err = s.social.SetMute(r.Context(), u, target, on)
	} else {
		err = s.social.SetBlock(r.Context(), u, target, on)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
