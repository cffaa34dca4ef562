package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/synapsis-swarm/synapsis/internal/crypto"
	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/store"
	"github.com/synapsis-swarm/synapsis/internal/tofu"
)

// IdentityFetcher locates a remote DID's origin node and fetches its
// public identity document. Origins are found three ways: did:swarm DIDs
// encode the domain directly, mirror rows remember where they were
// pulled from, and the gossip handle directory maps the rest.
type IdentityFetcher struct {
	client *Client
	store  store.Store
	log    *slog.Logger
}

func NewIdentityFetcher(client *Client, st store.Store, log *slog.Logger) *IdentityFetcher {
	if log == nil {
		log = slog.Default()
	}
	return &IdentityFetcher{
		client: client,
		store:  st,
		log:    log.With("component", "tofu"),
	}
}

func (f *IdentityFetcher) FetchIdentity(ctx context.Context, did string) (*tofu.FetchedIdentity, error) {
	domain, localHandle, err := f.locate(ctx, did)
	if err != nil {
		return nil, err
	}

	var doc RemoteUserDoc
	path := "/swarm/users/" + url.PathEscape(localHandle)
	if err := f.client.GetJSON(ctx, domain, path, &doc); err != nil {
		// Only a definitive 404 from the origin means the user does not
		// exist; every other failure is the origin being unreachable, and
		// senders must be told to retry rather than drop.
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s has no user %s", models.ErrUnknownUser, domain, localHandle)
		}
		if errors.Is(err, models.ErrUnreachable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrUnreachable, err)
	}
	if doc.PublicKey == "" {
		return nil, fmt.Errorf("%w: %s published no key for %s", models.ErrUnknownUser, domain, localHandle)
	}
	// The origin may publish a real did:key for a user we only knew by a
	// synthetic did:swarm identifier; anything else is a different user.
	_, _, isSynthetic := crypto.ParseSwarmDID(did)
	if doc.DID != "" && doc.DID != did && !isSynthetic {
		return nil, fmt.Errorf("%w: origin document is for %s", models.ErrUnknownUser, doc.DID)
	}
	handle := doc.Handle
	if handle == "" {
		handle = localHandle
	}
	return &tofu.FetchedIdentity{
		DID:       did,
		Handle:    handle,
		Domain:    domain,
		PublicKey: doc.PublicKey,
	}, nil
}

// locate resolves a DID to (origin domain, local handle).
func (f *IdentityFetcher) locate(ctx context.Context, did string) (string, string, error) {
	if domain, local, ok := crypto.ParseSwarmDID(did); ok {
		return domain, local, nil
	}

	if u, err := f.store.UserByDID(ctx, did); err == nil {
		if !u.IsRemote || u.NodeDomain == "" {
			return "", "", fmt.Errorf("%w: %s is local", models.ErrUnknownUser, did)
		}
		local, _ := models.SplitHandle(u.Handle)
		return u.NodeDomain, local, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return "", "", err
	}

	entry, err := f.store.HandleByDID(ctx, did)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", "", fmt.Errorf("%w: no origin known for %s", models.ErrUnknownUser, did)
		}
		return "", "", err
	}
	local, _ := models.SplitHandle(entry.Handle)
	return entry.NodeDomain, local, nil
}

var _ tofu.Fetcher = (*IdentityFetcher)(nil)
