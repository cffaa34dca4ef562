package swarm

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/synapsis-swarm/synapsis/internal/store"
)

// Gossip tuning. Deltas are capped per category per exchange; anything
// beyond the cap arrives in a later round.
const (
	GossipInterval = 300 * time.Second
	GossipFanout   = 3
	GossipDeltaCap = 200
)

// GossipPayload is one direction of an anti-entropy exchange.
type GossipPayload struct {
	Sender  NodeInfo       `json:"sender"`
	Nodes   []NodeInfo     `json:"nodes"`
	Handles []HandleRecord `json:"handles"`
	Since   int64          `json:"since,omitempty"` // unix ms watermark
	Ts      int64          `json:"ts"`
}

// Gossiper runs periodic exchanges with a random sample of live peers.
// State converges without ordering guarantees: node rows merge by
// last-seen, handle rows by newest updatedAt.
type Gossiper struct {
	registry *Registry
	client   *Client
	store    store.Store
	log      *slog.Logger

	mu         sync.Mutex
	watermarks map[string]time.Time // per-peer last successful exchange
}

func NewGossiper(registry *Registry, client *Client, st store.Store, log *slog.Logger) *Gossiper {
	if log == nil {
		log = slog.Default()
	}
	return &Gossiper{
		registry:   registry,
		client:     client,
		store:      st,
		log:        log.With("component", "gossip"),
		watermarks: make(map[string]time.Time),
	}
}

// Round performs one gossip round against up to GossipFanout live peers.
func (g *Gossiper) Round(ctx context.Context) {
	peers, err := g.registry.ActivePeers(ctx)
	if err != nil {
		g.log.Error("listing peers", "error", err)
		return
	}
	if len(peers) == 0 {
		return
	}
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if len(peers) > GossipFanout {
		peers = peers[:GossipFanout]
	}
	for _, peer := range peers {
		g.exchangeWith(ctx, peer.Domain)
	}
}

func (g *Gossiper) exchangeWith(ctx context.Context, domain string) {
	g.mu.Lock()
	since := g.watermarks[domain]
	g.mu.Unlock()

	payload, err := g.buildPayload(ctx, since)
	if err != nil {
		g.log.Error("building gossip payload", "peer", domain, "error", err)
		return
	}

	started := time.Now()
	var reply GossipPayload
	if err := g.client.PostSigned(ctx, domain, "/swarm/gossip", payload, &reply); err != nil {
		g.registry.MarkFailure(ctx, domain)
		g.log.Warn("gossip exchange failed", "peer", domain, "error", err)
		return
	}

	g.registry.MarkSuccess(ctx, domain)
	g.absorb(ctx, reply)

	g.mu.Lock()
	g.watermarks[domain] = started
	g.mu.Unlock()
	g.log.Debug("gossip exchange done", "peer", domain,
		"nodes", len(reply.Nodes), "handles", len(reply.Handles))
}

// HandleExchange processes an inbound gossip payload and returns our
// symmetric reply with deltas since the sender's watermark.
func (g *Gossiper) HandleExchange(ctx context.Context, in GossipPayload) (GossipPayload, error) {
	g.absorb(ctx, in)
	if in.Sender.Domain != "" {
		if err := g.registry.UpsertInfo(ctx, in.Sender); err != nil {
			g.log.Warn("gossip sender rejected", "domain", in.Sender.Domain, "error", err)
		}
	}
	var since time.Time
	if in.Since > 0 {
		since = time.UnixMilli(in.Since)
	}
	return g.buildPayload(ctx, since)
}

func (g *Gossiper) absorb(ctx context.Context, p GossipPayload) {
	g.registry.MergeNodes(ctx, p.Nodes)
	g.registry.MergeHandles(ctx, p.Handles)
}

func (g *Gossiper) buildPayload(ctx context.Context, since time.Time) (GossipPayload, error) {
	nodes, err := g.store.NodesSince(ctx, since, GossipDeltaCap)
	if err != nil {
		return GossipPayload{}, err
	}
	entries, err := g.store.HandlesSince(ctx, since, GossipDeltaCap)
	if err != nil {
		return GossipPayload{}, err
	}

	infos := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		if n.Domain == g.registry.Domain() {
			continue
		}
		infos = append(infos, NodeInfo{
			Domain:          n.Domain,
			PublicKey:       n.PublicKey,
			SoftwareVersion: n.SoftwareVersion,
			Capabilities:    n.Capabilities,
			UserCount:       n.UserCount,
			PostCount:       n.PostCount,
		})
	}
	handles := make([]HandleRecord, 0, len(entries))
	for _, e := range entries {
		handles = append(handles, HandleRecord{
			Handle:     e.Handle,
			DID:        e.DID,
			NodeDomain: e.NodeDomain,
			UpdatedAt:  e.UpdatedAt.UnixMilli(),
		})
	}
	out := GossipPayload{
		Sender:  g.registry.LocalInfo(ctx),
		Nodes:   infos,
		Handles: handles,
		Ts:      time.Now().UnixMilli(),
	}
	if !since.IsZero() {
		out.Since = since.UnixMilli()
	}
	return out, nil
}
