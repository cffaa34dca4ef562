// Package tofu pins remote public keys on first use. Once a DID's key
// has been seen, later fetches that disagree are rejected unless key
// rotation is explicitly enabled, so a compromised origin node cannot
// silently swap identities it previously vouched for.
package tofu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/synapsis-swarm/synapsis/internal/action"
	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/store"
)

// DefaultTTL is how long a pinned key is served without re-fetching.
// Expiry triggers a refresh, not forgetting: the pin itself survives and
// still guards against key changes.
const DefaultTTL = time.Hour

// FetchedIdentity is what an origin node publishes for one of its users.
type FetchedIdentity struct {
	DID       string
	Handle    string
	Domain    string
	PublicKey string
}

// Fetcher retrieves an identity document from the DID's origin node.
type Fetcher interface {
	FetchIdentity(ctx context.Context, did string) (*FetchedIdentity, error)
}

// CacheConfig wires a Cache.
type CacheConfig struct {
	Store   store.Store
	Fetcher Fetcher
	// AllowRotation permits a remote key to replace a pinned one. Off by
	// default; enabling it trades continuity of identity for recoverability.
	AllowRotation bool
	TTL           time.Duration
	Logger        *slog.Logger
}

// Cache is the trust-on-first-use resolver for remote DIDs.
type Cache struct {
	store         store.Store
	fetcher       Fetcher
	allowRotation bool
	ttl           time.Duration
	log           *slog.Logger
	now           func() time.Time
}

func NewCache(cfg CacheConfig) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		store:         cfg.Store,
		fetcher:       cfg.Fetcher,
		allowRotation: cfg.AllowRotation,
		ttl:           ttl,
		log:           log.With("component", "tofu"),
		now:           time.Now,
	}
}

// ResolveKey returns the pinned public key for did, fetching and pinning
// on first sight or after TTL expiry. A fetched key that differs from the
// pin fails with models.ErrKeyChanged unless rotation is enabled.
func (c *Cache) ResolveKey(ctx context.Context, did string) (string, error) {
	pinned, err := c.store.RemoteIdentity(ctx, did)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return "", fmt.Errorf("reading identity cache: %w", err)
	}
	if pinned != nil && c.now().Before(pinned.ExpiresAt) {
		return pinned.PublicKey, nil
	}

	fetched, err := c.fetcher.FetchIdentity(ctx, did)
	if err != nil {
		// Serve a stale pin rather than fail when the origin is down.
		if pinned != nil {
			c.log.Warn("identity refresh failed, serving stale pin", "did", did, "error", err)
			return pinned.PublicKey, nil
		}
		// No pin to fall back on. The fetcher distinguishes an unknown DID
		// from an unreachable origin; keep that distinction so transient
		// outages surface as retryable failures.
		return "", fmt.Errorf("resolving %s: %w", did, err)
	}

	if pinned != nil && pinned.PublicKey != fetched.PublicKey {
		if !c.allowRotation {
			c.log.Warn("remote key change rejected", "did", did)
			return "", models.ErrKeyChanged
		}
		c.log.Info("remote key rotated", "did", did)
	}

	now := c.now()
	err = c.store.PutRemoteIdentity(ctx, &models.RemoteIdentity{
		DID:       did,
		PublicKey: fetched.PublicKey,
		FetchedAt: now,
		ExpiresAt: now.Add(c.ttl),
	})
	if err != nil {
		return "", fmt.Errorf("pinning remote identity: %w", err)
	}
	return fetched.PublicKey, nil
}

// ResolveIdentity implements action.Resolver for remote DIDs. The bound
// handle comes from the origin's identity document; when only a stale pin
// is available the claimed handle is accepted as-is, since the signature
// check still binds the envelope to the pinned key.
func (c *Cache) ResolveIdentity(ctx context.Context, did, hintHandle string) (*action.Identity, error) {
	pinned, err := c.store.RemoteIdentity(ctx, did)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("reading identity cache: %w", err)
	}
	if pinned != nil && c.now().Before(pinned.ExpiresAt) {
		return &action.Identity{PublicKey: pinned.PublicKey, Handle: hintHandle}, nil
	}

	fetched, err := c.fetcher.FetchIdentity(ctx, did)
	if err != nil {
		if pinned != nil {
			return &action.Identity{PublicKey: pinned.PublicKey, Handle: hintHandle}, nil
		}
		return nil, fmt.Errorf("resolving %s: %w", did, err)
	}
	if pinned != nil && pinned.PublicKey != fetched.PublicKey && !c.allowRotation {
		return nil, models.ErrKeyChanged
	}

	now := c.now()
	err = c.store.PutRemoteIdentity(ctx, &models.RemoteIdentity{
		DID:       did,
		PublicKey: fetched.PublicKey,
		FetchedAt: now,
		ExpiresAt: now.Add(c.ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("pinning remote identity: %w", err)
	}

	handle := fetched.Handle
	if fetched.Domain != "" {
		handle = fetched.Handle + "@" + fetched.Domain
	}
	return &action.Identity{PublicKey: fetched.PublicKey, Handle: handle}, nil
}
