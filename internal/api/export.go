package api

import (
	"net/http"
	"time"
)

// handleAccountExport bundles the session user's data into one JSON
// document: profile, wrapped keys, posts, follow graph, conversations.
// Message bodies stay E2E-encrypted in the export.
func (s *Server) handleAccountExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := userFrom(ctx)

	// Bounded but generous; the export is a convenience document, not a
	// streaming dump.
	const exportCap = 10000

	posts, err := s.store.UserPosts(ctx, u.ID, exportCap)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	following, err := s.store.Following(ctx, u.Handle, exportCap)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	followers, err := s.store.Followers(ctx, u.Handle, exportCap)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	convs, err := s.chat.Conversations(ctx, u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	type followEdge struct {
		Handle    string `json:"handle"`
		CreatedAt int64  `json:"createdAt"`
	}
	followingOut := make([]followEdge, len(following))
	for i, f := range following {
		followingOut[i] = followEdge{Handle: f.TargetHandle, CreatedAt: f.CreatedAt.UnixMilli()}
	}
	followersOut := make([]followEdge, len(followers))
	for i, f := range followers {
		followersOut[i] = followEdge{Handle: f.FollowerHandle, CreatedAt: f.CreatedAt.UnixMilli()}
	}

	type convExport struct {
		ID         string        `json:"id"`
		PeerHandle string        `json:"peerHandle"`
		Messages   []messageView `json:"messages"`
	}
	convsOut := make([]convExport, 0, len(convs))
	for _, c := range convs {
		msgs, err := s.chat.History(ctx, u, c.ID, time.Time{}, 0)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		views := make([]messageView, len(msgs))
		for i, m := range msgs {
			views[i] = viewMessage(m)
		}
		convsOut = append(convsOut, convExport{ID: c.ID, PeerHandle: c.PeerHandle, Messages: views})
	}

	w.Header().Set("Content-Disposition", `attachment; filename="synapsis-export.json"`)
	writeJSON(w, http.StatusOK, map[string]any{
		"exportedAt":              time.Now().UnixMilli(),
		"user":                    viewUser(u),
		"privateKeyEncrypted":     u.PrivateKeyEncrypted,
		"chatPrivateKeyEncrypted": u.ChatPrivateKeyEncrypted,
		"posts":                   s.viewPosts(ctx, posts),
		"following":               followingOut,
		"followers":               followersOut,
		"conversations":           convsOut,
	})
}
