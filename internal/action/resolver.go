package action

import (
	"context"
	"errors"

	"github.com/synapsis-swarm/synapsis/internal/models"
)

// ResolverChain tries resolvers in order, moving on while a DID is
// unknown. Used to consult the local user table before the remote
// trust-on-first-use path.
type ResolverChain []Resolver

func (rc ResolverChain) ResolveIdentity(ctx context.Context, did, hintHandle string) (*Identity, error) {
	for _, r := range rc {
		id, err := r.ResolveIdentity(ctx, did, hintHandle)
		if errors.Is(err, models.ErrUnknownUser) {
			continue
		}
		return id, err
	}
	return nil, models.ErrUnknownUser
}
