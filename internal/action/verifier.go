package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/synapsis-swarm/synapsis/internal/crypto"
	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/ratelimit"
	"github.com/synapsis-swarm/synapsis/internal/store"
)

// MaxClockSkew is how far an envelope timestamp may sit from server time
// in either direction.
const MaxClockSkew = 5 * time.Minute

// Identity is what a resolver binds a DID to: the signing key and the
// handle the envelope must carry.
type Identity struct {
	PublicKey string
	Handle    string
}

// Resolver maps a DID to its pinned identity. The local resolver reads
// the user table; the remote one goes through the trust-on-first-use
// cache. Implementations return models.ErrUnknownUser when the DID is
// not resolvable and models.ErrKeyChanged when a pinned key conflicts.
type Resolver interface {
	ResolveIdentity(ctx context.Context, did, hintHandle string) (*Identity, error)
}

// VerifierConfig wires a Verifier.
type VerifierConfig struct {
	Store    store.Store
	Resolver Resolver
	Limiter  *ratelimit.Limiter
	Logger   *slog.Logger
}

// Verifier runs the full admission pipeline for signed actions.
type Verifier struct {
	store    store.Store
	resolver Resolver
	limiter  *ratelimit.Limiter
	log      *slog.Logger
	now      func() time.Time
}

func NewVerifier(cfg VerifierConfig) *Verifier {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		limiter:  cfg.Limiter,
		log:      log.With("component", "action"),
		now:      time.Now,
	}
}

// Verify admits or rejects an envelope. Checks run cheapest first:
// shape, rate limit, freshness, identity resolution, handle binding,
// signature, and finally the replay-protection insert. The returned
// action id is only set on success, at which point the envelope's
// effects may be applied exactly once.
func (v *Verifier) Verify(ctx context.Context, e *Envelope) (string, error) {
	if err := e.validateShape(); err != nil {
		return "", err
	}

	if v.limiter != nil && !v.limiter.Allow(e.DID) {
		v.log.Warn("action rate limited", "did", e.DID, "action", e.Action)
		return "", models.ErrRateLimited
	}

	if skew := v.now().Sub(e.Timestamp()); skew > MaxClockSkew || skew < -MaxClockSkew {
		v.log.Warn("action timestamp out of window",
			"did", e.DID, "action", e.Action, "skew", skew.String())
		return "", models.ErrStaleTimestamp
	}

	ident, err := v.resolver.ResolveIdentity(ctx, e.DID, e.Handle)
	if err != nil {
		v.log.Warn("action identity unresolved", "did", e.DID, "error", err)
		return "", err
	}

	if !handleMatches(ident.Handle, e.Handle) {
		v.log.Warn("action handle mismatch",
			"did", e.DID, "claimed", e.Handle, "bound", ident.Handle)
		return "", models.ErrHandleMismatch
	}

	pub, err := crypto.ParsePublicKey(ident.PublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: unparseable pinned key", models.ErrInvalidSignature)
	}
	signed, err := e.SignedBytes()
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if !crypto.Verify(pub, signed, e.Sig) {
		v.log.Warn("action signature invalid", "did", e.DID, "action", e.Action)
		return "", models.ErrInvalidSignature
	}

	actionID, err := e.ActionID()
	if err != nil {
		return "", err
	}
	err = v.store.InsertActionDedupe(ctx, actionID, e.DID, e.Nonce, e.Timestamp())
	if errors.Is(err, models.ErrDuplicate) {
		v.log.Warn("action replayed", "did", e.DID, "action_id", actionID)
		return "", models.ErrReplayedNonce
	}
	if err != nil {
		return "", fmt.Errorf("recording action: %w", err)
	}
	return actionID, nil
}

// PruneDedupe drops replay records older than the freshness window plus
// margin; anything that old fails the timestamp check anyway.
func (v *Verifier) PruneDedupe(ctx context.Context) error {
	return v.store.PruneActionDedupe(ctx, v.now().Add(-2*MaxClockSkew))
}

// handleMatches compares the bound handle against the claimed one,
// case-insensitively, tolerating a domain qualifier on either side.
func handleMatches(bound, claimed string) bool {
	bl, bd := models.SplitHandle(bound)
	cl, cd := models.SplitHandle(claimed)
	if !strings.EqualFold(bl, cl) {
		return false
	}
	return bd == "" || cd == "" || strings.EqualFold(bd, cd)
}
