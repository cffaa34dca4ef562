// Package node assembles a full Synapsis node from configuration:
// store, federation plumbing, services, HTTP API, and background tasks.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/synapsis-swarm/synapsis/internal/action"
	"github.com/synapsis-swarm/synapsis/internal/api"
	"github.com/synapsis-swarm/synapsis/internal/chat"
	"github.com/synapsis-swarm/synapsis/internal/config"
	"github.com/synapsis-swarm/synapsis/internal/feed"
	"github.com/synapsis-swarm/synapsis/internal/identity"
	"github.com/synapsis-swarm/synapsis/internal/metrics"
	"github.com/synapsis-swarm/synapsis/internal/ratelimit"
	"github.com/synapsis-swarm/synapsis/internal/scheduler"
	"github.com/synapsis-swarm/synapsis/internal/social"
	"github.com/synapsis-swarm/synapsis/internal/store"
	"github.com/synapsis-swarm/synapsis/internal/swarm"
	"github.com/synapsis-swarm/synapsis/internal/tofu"
)

// Node is a running Synapsis instance.
type Node struct {
	cfg   *config.Config
	log   *slog.Logger
	store store.Store

	registry  *swarm.Registry
	deliverer *swarm.Deliverer
	metrics   *metrics.Metrics

	httpSrv *http.Server
	sched   *scheduler.Scheduler
}

// New builds a node without starting it.
func New(cfg *config.Config, log *slog.Logger) (*Node, error) {
	if log == nil {
		log = slog.Default()
	}

	st, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}

	key, err := swarm.LoadOrCreateNodeKey(cfg.NodeKeyFile)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("node key: %w", err)
	}

	client := swarm.NewClient(swarm.ClientConfig{
		Key:      key,
		Domain:   cfg.Domain,
		Insecure: cfg.InsecureFederation,
	})
	registry := swarm.NewRegistry(swarm.RegistryConfig{
		Store:   st,
		Client:  client,
		Domain:  cfg.Domain,
		Key:     key,
		Version: cfg.SoftwareVersion,
		Logger:  log,
	})
	deliverer := swarm.NewDeliverer(client, registry, log)
	m := metrics.New()
	deliverer.OnDeliver = func(verb string) {
		m.InteractionsOut.WithLabelValues(verb).Inc()
	}
	gossiper := swarm.NewGossiper(registry, client, st, log)
	announcer := swarm.NewAnnouncer(registry, client, cfg.SeedNodes, log)
	puller := swarm.NewPuller(client, registry, st, log)

	identitySvc := identity.NewService(identity.Config{
		Store:      st,
		NodeDomain: cfg.Domain,
		Logger:     log,
	})
	pins := tofu.NewCache(tofu.CacheConfig{
		Store:         st,
		Fetcher:       swarm.NewIdentityFetcher(client, st, log),
		AllowRotation: cfg.AllowKeyRotation,
		Logger:        log,
	})
	// Local accounts resolve first; anything else goes through the
	// trust-on-first-use pin cache.
	resolver := action.ResolverChain{identitySvc, pins}

	limiter := ratelimit.New(ratelimit.DefaultLimit, ratelimit.DefaultWindow)
	verifier := action.NewVerifier(action.VerifierConfig{
		Store:    st,
		Resolver: resolver,
		Limiter:  limiter,
		Logger:   log,
	})

	socialSvc := social.NewService(social.Config{
		Store:     st,
		Deliverer: deliverer,
		Domain:    cfg.Domain,
		Logger:    log,
	})
	chatSvc := chat.NewService(chat.Config{
		Store:    st,
		Registry: registry,
		Client:   client,
		Resolver: resolver,
		Domain:   cfg.Domain,
		Logger:   log,
	})
	curator := feed.NewCurator(st)
	receiver := swarm.NewReceiver(st, resolver, socialSvc, log)

	srv := api.NewServer(api.Config{
		Store:    st,
		Identity: identitySvc,
		Social:   socialSvc,
		Feed:     curator,
		Chat:     chatSvc,
		Verifier: verifier,
		Registry: registry,
		Gossiper: gossiper,
		Receiver: receiver,
		Puller:   puller,
		Client:   client,
		Metrics:  m,
		Domain:   cfg.Domain,
		Logger:   log,
	})

	sched := scheduler.New(log,
		scheduler.Task{
			Name:  "announce",
			Delay: 10 * time.Second,
			Run:   announcer.Run,
		},
		scheduler.Task{
			Name:     "gossip",
			Delay:    30 * time.Second,
			Interval: swarm.GossipInterval,
			Run:      gossiper.Round,
		},
		scheduler.Task{
			Name:     "remote-follow-sync",
			Delay:    15 * time.Second,
			Interval: time.Minute,
			Run:      puller.SyncFollowedRemotes,
		},
		scheduler.Task{
			Name:     "chat-redeliver",
			Delay:    20 * time.Second,
			Interval: time.Minute,
			Run:      chatSvc.RedeliverPending,
		},
		scheduler.Task{
			Name:     "prune",
			Delay:    5 * time.Minute,
			Interval: 5 * time.Minute,
			Run: func(ctx context.Context) {
				if err := verifier.PruneDedupe(ctx); err != nil {
					log.Error("pruning action dedupe", "error", err)
				}
				limiter.Prune()
			},
		},
		scheduler.Task{
			// Recovery path for counter drift after partial failures.
			Name:     "counter-rebuild",
			Delay:    10 * time.Minute,
			Interval: time.Hour,
			Run: func(ctx context.Context) {
				if err := st.RebuildCounters(ctx); err != nil {
					log.Error("rebuilding post counters", "error", err)
				}
			},
		},
		scheduler.Task{
			Name:     "gauges",
			Delay:    30 * time.Second,
			Interval: time.Minute,
			Run: func(ctx context.Context) {
				updateGauges(ctx, st, m)
			},
		},
	)

	return &Node{
		cfg:       cfg,
		log:       log.With("component", "node"),
		store:     st,
		registry:  registry,
		deliverer: deliverer,
		metrics:   m,
		httpSrv: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		},
		sched: sched,
	}, nil
}

func openStore(cfg *config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("no database configured, using in-memory store; state is lost on restart")
		return store.NewMemory(), nil
	}
	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return store.NewPostgres(ctx, cfg.DatabaseURL)
}

// Run starts the HTTP listener and background tasks, blocking until ctx
// is canceled, then shuts down within the configured timeout.
func (n *Node) Run(ctx context.Context) error {
	n.sched.Start(ctx)
	n.log.Info("node listening",
		"addr", n.cfg.ListenAddr, "domain", n.cfg.Domain, "version", n.cfg.SoftwareVersion)

	errCh := make(chan error, 1)
	go func() {
		if err := n.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		n.shutdown(context.Background())
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), n.cfg.ShutdownTimeout)
	defer cancel()
	return n.shutdown(shutdownCtx)
}

func (n *Node) shutdown(ctx context.Context) error {
	n.log.Info("shutting down")
	err := n.httpSrv.Shutdown(ctx)
	n.sched.Stop()
	n.deliverer.Wait()
	n.store.Close()
	return err
}

func updateGauges(ctx context.Context, st store.Store, m *metrics.Metrics) {
	if nodes, err := st.Nodes(ctx); err == nil {
		m.KnownNodes.Set(float64(len(nodes)))
	}
	if msgs, err := st.UndeliveredMessages(ctx, 1000); err == nil {
		m.UndeliveredChatMsg.Set(float64(len(msgs)))
	}
}
