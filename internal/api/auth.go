package api

import (
	"net/http"
	"time"

	"github.com/synapsis-swarm/synapsis/internal/identity"
	"github.com/synapsis-swarm/synapsis/internal/models"
)

type userView struct {
	ID            string `json:"id"`
	DID           string `json:"did"`
	Handle        string `json:"handle"`
	DisplayName   string `json:"displayName,omitempty"`
	Bio           string `json:"bio,omitempty"`
	AvatarURL     string `json:"avatarUrl,omitempty"`
	PublicKey     string `json:"publicKey,omitempty"`
	ChatPublicKey string `json:"chatPublicKey,omitempty"`
	DMPrivacy     string `json:"dmPrivacy,omitempty"`
	NodeDomain    string `json:"nodeDomain,omitempty"`
	IsRemote      bool   `json:"isRemote,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
}

func viewUser(u *models.User) userView {
	domain := ""
	if u.IsRemote {
		domain = u.NodeDomain
	}
	return userView{
		ID:            u.ID,
		DID:           u.DID,
		Handle:        u.Handle,
		DisplayName:   u.DisplayName,
		Bio:           u.Bio,
		AvatarURL:     u.AvatarURL,
		PublicKey:     u.PublicKey,
		ChatPublicKey: u.ChatPublicKey,
		DMPrivacy:     u.DMPrivacy,
		NodeDomain:    domain,
		IsRemote:      u.IsRemote,
		CreatedAt:     u.CreatedAt.UnixMilli(),
	}
}

type sessionResponse struct {
	User                    userView `json:"user"`
	Token                   string   `json:"token"`
	PrivateKeyEncrypted     string   `json:"privateKeyEncrypted"`
	ChatPrivateKeyEncrypted string   `json:"chatPrivateKeyEncrypted"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle      string `json:"handle"`
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, sess, err := s.identity.Register(r.Context(), identity.RegisterParams{
		Handle:      req.Handle,
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setSessionCookie(w, sess.Token, sess.ExpiresAt)
	writeJSON(w, http.StatusCreated, sessionResponse{
		User:                    viewUser(u),
		Token:                   sess.Token,
		PrivateKeyEncrypted:     u.PrivateKeyEncrypted,
		ChatPrivateKeyEncrypted: u.ChatPrivateKeyEncrypted,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, sess, err := s.identity.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setSessionCookie(w, sess.Token, sess.ExpiresAt)
	writeJSON(w, http.StatusOK, sessionResponse{
		User:                    viewUser(u),
		Token:                   sess.Token,
		PrivateKeyEncrypted:     u.PrivateKeyEncrypted,
		ChatPrivateKeyEncrypted: u.ChatPrivateKeyEncrypted,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := sessionToken(r); token != "" {
		if err := s.identity.Logout(r.Context(), token); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.setSessionCookie(w, "", time.Unix(0, 0))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
