package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/store"
)

// MaxFailures is the liveness threshold: a node at or above it is dead
// and skipped until a probe succeeds.
const MaxFailures = 5

// NodeInfo is the public description a node publishes about itself and
// exchanges during announce and gossip.
type NodeInfo struct {
	Domain          string   `json:"domain"`
	PublicKey       string   `json:"publicKey"`
	SoftwareVersion string   `json:"softwareVersion"`
	Capabilities    []string `json:"capabilities"`
	UserCount       int      `json:"userCount"`
	PostCount       int      `json:"postCount"`
}

// HandleRecord is one handle-directory row on the wire.
type HandleRecord struct {
	Handle     string `json:"handle"`
	DID        string `json:"did"`
	NodeDomain string `json:"nodeDomain"`
	UpdatedAt  int64  `json:"updatedAt"` // unix ms
}

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	Store        store.Store
	Client       *Client
	Domain       string
	Key          *NodeKey
	Version      string
	Capabilities []string
	Logger       *slog.Logger
}

// Registry tracks known peers and the gossip-fed handle directory, and
// resolves node signing keys for inbound verification.
type Registry struct {
	store        store.Store
	client       *Client
	domain       string
	key          *NodeKey
	version      string
	capabilities []string
	log          *slog.Logger
}

func NewRegistry(cfg RegistryConfig) *Registry {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	caps := cfg.Capabilities
	if caps == nil {
		caps = []string{"posts", "interactions", "chat", "gossip"}
	}
	return &Registry{
		store:        cfg.Store,
		client:       cfg.Client,
		domain:       cfg.Domain,
		key:          cfg.Key,
		version:      cfg.Version,
		capabilities: caps,
		log:          log.With("component", "swarm"),
	}
}

// Domain returns the local node's domain.
func (r *Registry) Domain() string { return r.domain }

// LocalInfo builds this node's NodeInfo with live counts.
func (r *Registry) LocalInfo(ctx context.Context) NodeInfo {
	users, err := r.store.CountUsers(ctx)
	if err != nil {
		r.log.Error("counting users", "error", err)
	}
	posts, err := r.store.CountPosts(ctx)
	if err != nil {
		r.log.Error("counting posts", "error", err)
	}
	return NodeInfo{
		Domain:          r.domain,
		PublicKey:       r.key.Public,
		SoftwareVersion: r.version,
		Capabilities:    r.capabilities,
		UserCount:       users,
		PostCount:       posts,
	}
}

// KnownDomain reports whether domain is in the registry.
func (r *Registry) KnownDomain(ctx context.Context, domain string) bool {
	_, err := r.store.NodeByDomain(ctx, domain)
	return err == nil
}

// resolveNodeKey returns the signing key for domain, fetching
// /swarm/info on first contact with a known-but-keyless node.
func (r *Registry) resolveNodeKey(ctx context.Context, domain string) (string, error) {
	n, err := r.store.NodeByDomain(ctx, domain)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return "", err
	}
	if n != nil && n.PublicKey != "" {
		return n.PublicKey, nil
	}

	var info NodeInfo
	if err := r.client.GetJSON(ctx, domain, "/swarm/info", &info); err != nil {
		return "", fmt.Errorf("%w: fetching node key for %s: %v", models.ErrUnreachable, domain, err)
	}
	if info.PublicKey == "" {
		return "", fmt.Errorf("%w: %s published no node key", models.ErrInvalidSignature, domain)
	}
	if err := r.UpsertInfo(ctx, info); err != nil {
		return "", err
	}
	return info.PublicKey, nil
}

// VerifyInbound authenticates a node-signed request: source domain
// validation, key resolution, freshness, signature. Success refreshes
// the peer's liveness.
func (r *Registry) VerifyInbound(ctx context.Context, body []byte, sourceDomain, tsHeader, sig string) error {
	if sourceDomain == "" || sig == "" || tsHeader == "" {
		return fmt.Errorf("%w: missing federation headers", models.ErrInvalidSignature)
	}
	if err := ValidateDomain(sourceDomain); err != nil {
		return fmt.Errorf("%w: bad source domain", models.ErrInvalidSignature)
	}
	pub, err := r.resolveNodeKey(ctx, sourceDomain)
	if err != nil {
		return err
	}
	if err := VerifyRequest(pub, body, sourceDomain, tsHeader, sig); err != nil {
		return err
	}
	if err := r.store.MarkNodeSuccess(ctx, sourceDomain); err != nil && !errors.Is(err, models.ErrNotFound) {
		r.log.Error("marking node success", "domain", sourceDomain, "error", err)
	}
	return nil
}

// UpsertInfo merges a peer's self-description into the registry.
func (r *Registry) UpsertInfo(ctx context.Context, info NodeInfo) error {
	if info.Domain == r.domain {
		return nil
	}
	if err := ValidateDomain(info.Domain); err != nil {
		return err
	}
	return r.store.UpsertNode(ctx, &models.SwarmNode{
		Domain:          info.Domain,
		PublicKey:       info.PublicKey,
		SoftwareVersion: info.SoftwareVersion,
		Capabilities:    info.Capabilities,
		UserCount:       info.UserCount,
		PostCount:       info.PostCount,
		LastSeenAt:      time.Now(),
	})
}

// MergeNodes folds gossiped node descriptions into the registry,
// skipping invalid domains and ourselves.
func (r *Registry) MergeNodes(ctx context.Context, nodes []NodeInfo) {
	for _, info := range nodes {
		if err := r.UpsertInfo(ctx, info); err != nil {
			r.log.Warn("skipping gossiped node", "domain", info.Domain, "error", err)
		}
	}
}

// MergeHandles folds gossiped handle rows into the directory. The store
// keeps the newest updatedAt per (handle, nodeDomain), so stale deltas
// are no-ops.
func (r *Registry) MergeHandles(ctx context.Context, handles []HandleRecord) {
	for _, h := range handles {
		if h.Handle == "" || h.NodeDomain == "" {
			continue
		}
		err := r.store.UpsertHandle(ctx, models.HandleEntry{
			Handle:     h.Handle,
			DID:        h.DID,
			NodeDomain: h.NodeDomain,
			UpdatedAt:  time.UnixMilli(h.UpdatedAt),
		})
		if err != nil {
			r.log.Warn("skipping gossiped handle", "handle", h.Handle, "error", err)
		}
	}
}

// MarkFailure bumps a peer's failure count, logging when it crosses the
// dead threshold.
func (r *Registry) MarkFailure(ctx context.Context, domain string) {
	count, err := r.store.MarkNodeFailure(ctx, domain)
	if err != nil {
		return
	}
	if count == MaxFailures {
		r.log.Warn("node marked dead", "domain", domain, "failures", count)
	}
}

// MarkSuccess resets a peer's failure count.
func (r *Registry) MarkSuccess(ctx context.Context, domain string) {
	if err := r.store.MarkNodeSuccess(ctx, domain); err != nil && !errors.Is(err, models.ErrNotFound) {
		r.log.Error("marking node success", "domain", domain, "error", err)
	}
}

// ActivePeers lists live peers, excluding ourselves.
func (r *Registry) ActivePeers(ctx context.Context) ([]*models.SwarmNode, error) {
	nodes, err := r.store.ActiveNodes(ctx, MaxFailures)
	if err != nil {
		return nil, err
	}
	out := nodes[:0]
	for _, n := range nodes {
		if n.Domain != r.domain {
			out = append(out, n)
		}
	}
	return out, nil
}
