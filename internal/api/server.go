// Package api is the HTTP surface of the node: the public client API,
// the swarm federation endpoints, and the operator endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/synapsis-swarm/synapsis/internal/action"
	"github.com/synapsis-swarm/synapsis/internal/chat"
	"github.com/synapsis-swarm/synapsis/internal/feed"
	"github.com/synapsis-swarm/synapsis/internal/identity"
	"github.com/synapsis-swarm/synapsis/internal/metrics"
	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/social"
	"github.com/synapsis-swarm/synapsis/internal/store"
	"github.com/synapsis-swarm/synapsis/internal/swarm"
)

// Config wires a Server.
type Config struct {
	Store    store.Store
	Identity *identity.Service
	Social   *social.Service
	Feed     *feed.Curator
	Chat     *chat.Service
	Verifier *action.Verifier
	Registry *swarm.Registry
	Gossiper *swarm.Gossiper
	Receiver *swarm.Receiver
	Puller   *swarm.Puller
	Client   *swarm.Client
	Metrics  *metrics.Metrics
	Domain   string
	Logger   *slog.Logger
}

// Server routes and serves the node's HTTP API.
type Server struct {
	store    store.Store
	identity *identity.Service
	social   *social.Service
	feed     *feed.Curator
	chat     *chat.Service
	verifier *action.Verifier
	registry *swarm.Registry
	gossiper *swarm.Gossiper
	receiver *swarm.Receiver
	puller   *swarm.Puller
	client   *swarm.Client
	metrics  *metrics.Metrics
	domain   string
	log      *slog.Logger

	swarmTimeline swarmTimelineCache
	router        chi.Router
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		store:    cfg.Store,
		identity: cfg.Identity,
		social:   cfg.Social,
		feed:     cfg.Feed,
		chat:     cfg.Chat,
		verifier: cfg.Verifier,
		registry: cfg.Registry,
		gossiper: cfg.Gossiper,
		receiver: cfg.Receiver,
		puller:   cfg.Puller,
		client:   cfg.Client,
		metrics:  cfg.Metrics,
		domain:   cfg.Domain,
		log:      log.With("component", "api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(s.withSession)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Get("/.well-known/synapsis-swarm", s.handleWellKnown)

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/logout", s.handleLogout)

	r.Get("/timelines/public", s.handlePublicTimeline)
	r.Get("/timelines/swarm", s.handleSwarmTimeline)
	r.Get("/posts/{id}", s.handleGetPost)
	r.Get("/users/{handle}", s.handleGetUser)

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)
		r.Get("/timelines/home", s.handleHomeTimeline)
		r.Get("/timelines/curated", s.handleCuratedTimeline)

		r.Post("/posts", s.handleCreatePost)
		r.Delete("/posts/{id}", s.handleDeletePost)
		r.Post("/posts/{id}/like", s.handleLike)
		r.Delete("/posts/{id}/like", s.handleUnlike)
		r.Post("/posts/{id}/repost", s.handleRepost)
		r.Delete("/posts/{id}/repost", s.handleUnrepost)

		r.Post("/users/{handle}/follow", s.handleFollow)
		r.Delete("/users/{handle}/follow", s.handleUnfollow)
		r.Post("/users/{handle}/mute", s.handleMute)
		r.Delete("/users/{handle}/mute", s.handleUnmute)
		r.Post("/users/{handle}/block", s.handleBlock)
		r.Delete("/users/{handle}/block", s.handleUnblock)

		r.Get("/notifications", s.handleNotifications)
		r.Patch("/notifications", s.handleMarkNotificationsRead)

		r.Post("/chat/send", s.handleChatSend)
		r.Get("/chat/conversations", s.handleChatConversations)
		r.Get("/chat/messages", s.handleChatHistory)
		r.Patch("/chat/messages", s.handleChatMarkRead)

		r.Get("/account/export", s.handleAccountExport)
	})

	r.Route("/swarm", func(r chi.Router) {
		r.Get("/info", s.handleSwarmInfo)
		r.Get("/users/{handle}", s.handleSwarmUser)
		r.Get("/users/{handle}/following", s.handleSwarmFollowing)
		r.Get("/users/{handle}/followers", s.handleSwarmFollowers)
		r.Get("/posts/{id}", s.handleSwarmPost)
		r.Get("/recent", s.handleSwarmRecent)

		r.Group(func(r chi.Router) {
			r.Use(s.requireNodeSignature)
			r.Post("/announce", s.handleSwarmAnnounce)
			r.Post("/gossip", s.handleSwarmGossip)
			r.Post("/interactions/{verb}", s.handleSwarmInteraction)
		})
	})

	r.With(s.requireNodeSignature).Post("/chat/receive", s.handleChatReceive)

	// Server-aided chat ingestion predates the E2E path; peers still
	// probing it get a terminal answer.
	r.Post("/chat/legacy/receive", s.handleLegacyChatGone)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "domain": s.domain})
}

// verifiedEnvelope decodes the request body as a signed action, runs the
// full verification pipeline, and checks the envelope belongs to the
// session user.
func (s *Server) verifiedEnvelope(w http.ResponseWriter, r *http.Request) (*action.Envelope, *models.User, bool) {
	u := userFrom(r.Context())
	var env action.Envelope
	if err := decodeJSON(r, &env); err != nil {
		s.writeError(w, r, err)
		return nil, nil, false
	}
	if _, err := s.verifier.Verify(r.Context(), &env); err != nil {
		s.countAction("rejected")
		s.writeError(w, r, err)
		return nil, nil, false
	}
	if env.DID != u.DID {
		s.countAction("rejected")
		s.writeError(w, r, models.ErrForbidden)
		return nil, nil, false
	}
	s.countAction("accepted")
	return &env, u, true
}

func (s *Server) countAction(outcome string) {
	if s.metrics != nil {
		s.metrics.ActionsVerified.WithLabelValues(outcome).Inc()
	}
}

func decodeData(env *action.Envelope, v any) error {
	if len(env.Data) == 0 {
		return models.ErrValidation
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return models.ErrValidation
	}
	return nil
}
