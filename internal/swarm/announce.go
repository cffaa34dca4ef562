package swarm

import (
	"context"
	"log/slog"
)

// Announcer introduces this node to its configured seed nodes once at
// startup. Each seed replies with its own info; both sides upsert.
type Announcer struct {
	registry *Registry
	client   *Client
	seeds    []string
	log      *slog.Logger
}

func NewAnnouncer(registry *Registry, client *Client, seeds []string, log *slog.Logger) *Announcer {
	if log == nil {
		log = slog.Default()
	}
	return &Announcer{
		registry: registry,
		client:   client,
		seeds:    seeds,
		log:      log.With("component", "announce"),
	}
}

// Run announces to every seed. Failures are logged and skipped; a seed
// that is down at startup is picked up later through gossip.
func (a *Announcer) Run(ctx context.Context) {
	local := a.registry.LocalInfo(ctx)
	for _, seed := range a.seeds {
		if seed == "" || seed == a.registry.Domain() {
			continue
		}
		var reply NodeInfo
		if err := a.client.PostSigned(ctx, seed, "/swarm/announce", local, &reply); err != nil {
			a.log.Warn("seed announce failed", "seed", seed, "error", err)
			continue
		}
		if err := a.registry.UpsertInfo(ctx, reply); err != nil {
			a.log.Warn("seed info rejected", "seed", seed, "error", err)
			continue
		}
		a.log.Info("announced to seed", "seed", seed)
	}
}

// HandleAnnounce processes an inbound announce: record the sender and
// reply with our own info.
func (r *Registry) HandleAnnounce(ctx context.Context, info NodeInfo) (NodeInfo, error) {
	if err := r.UpsertInfo(ctx, info); err != nil {
		return NodeInfo{}, err
	}
	r.log.Info("node announced", "domain", info.Domain, "version", info.SoftwareVersion)
	return r.LocalInfo(ctx), nil
}
