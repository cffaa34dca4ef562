package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/synapsis-swarm/synapsis/internal/action"
	"github.com/synapsis-swarm/synapsis/internal/crypto"
	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/store"
)

// Interaction verbs carried over federation.
const (
	VerbLike     = "like"
	VerbUnlike   = "unlike"
	VerbRepost   = "repost"
	VerbUnrepost = "unrepost"
	VerbReply    = "reply"
)

// APIDPrefix marks cross-node post identifiers: swarm:<domain>:<originId>.
const APIDPrefix = "swarm:"

// MaxDeliveryAttempts caps outbound retries per interaction.
const MaxDeliveryAttempts = 5

// retryLadder spaces the attempts; after the last rung the interaction
// is dropped and logged.
var retryLadder = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
}

// Actor identifies who performed an interaction, inline so the receiver
// needs no user row for the sender.
type Actor struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	NodeDomain string `json:"nodeDomain"`
}

// Interaction is the federation payload for one social verb. Envelope is
// the actor's own signed action; the node signature on the wire covers
// the whole body.
type Interaction struct {
	InteractionID string           `json:"interactionId"`
	Verb          string           `json:"verb"`
	TargetAPID    string           `json:"targetApId"`
	Actor         Actor            `json:"actor"`
	Envelope      *action.Envelope `json:"envelope"`
	Content       string           `json:"content,omitempty"`
	OriginReplyID string           `json:"originReplyId,omitempty"`
	Ts            int64            `json:"ts"`
}

// MakeAPID builds the cross-node identifier for a post.
func MakeAPID(domain, originID string) string {
	return APIDPrefix + domain + ":" + originID
}

// ParseAPID splits a swarm apId into its origin domain and id. ok is
// false for local identifiers.
func ParseAPID(apID string) (domain, originID string, ok bool) {
	if !strings.HasPrefix(apID, APIDPrefix) {
		return "", "", false
	}
	rest := apID[len(APIDPrefix):]
	i := strings.IndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

func validVerb(verb string) bool {
	switch verb {
	case VerbLike, VerbUnlike, VerbRepost, VerbUnrepost, VerbReply:
		return true
	}
	return false
}

// Deliverer pushes interactions to their origin nodes, retrying
// transient failures on the backoff ladder.
type Deliverer struct {
	client   *Client
	registry *Registry
	log      *slog.Logger
	wg       sync.WaitGroup
	sleep    func(ctx context.Context, d time.Duration) bool

	// OnDeliver, when set, observes each outbound interaction by verb.
	OnDeliver func(verb string)
}

func NewDeliverer(client *Client, registry *Registry, log *slog.Logger) *Deliverer {
	if log == nil {
		log = slog.Default()
	}
	return &Deliverer{
		client:   client,
		registry: registry,
		log:      log.With("component", "delivery"),
		sleep:    sleepCtx,
	}
}

// Deliver sends an interaction to targetDomain asynchronously. The
// caller's request does not wait on remote nodes.
func (d *Deliverer) Deliver(ctx context.Context, targetDomain string, in *Interaction) {
	if d.OnDeliver != nil {
		d.OnDeliver(in.Verb)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliverWithRetry(ctx, targetDomain, in)
	}()
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in
// tests.
func (d *Deliverer) Wait() { d.wg.Wait() }

func (d *Deliverer) deliverWithRetry(ctx context.Context, targetDomain string, in *Interaction) {
	for attempt := 1; attempt <= MaxDeliveryAttempts; attempt++ {
		err := d.deliverOnce(ctx, targetDomain, in)
		if err == nil {
			d.registry.MarkSuccess(ctx, targetDomain)
			return
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			// Permanent rejection; retrying cannot help.
			d.log.Warn("interaction rejected by peer",
				"peer", targetDomain, "verb", in.Verb, "status", statusErr.Status)
			return
		}

		d.registry.MarkFailure(ctx, targetDomain)
		if attempt == MaxDeliveryAttempts {
			break
		}
		d.log.Warn("interaction delivery failed, will retry",
			"peer", targetDomain, "verb", in.Verb, "attempt", attempt, "error", err)
		if !d.sleep(ctx, retryLadder[attempt-1]) {
			return
		}
	}
	d.log.Error("interaction dropped after retries",
		"peer", targetDomain, "verb", in.Verb, "interaction_id", in.InteractionID)
}

func (d *Deliverer) deliverOnce(ctx context.Context, targetDomain string, in *Interaction) error {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return d.client.PostSigned(reqCtx, targetDomain, "/swarm/interactions/"+in.Verb, in, nil)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Applier applies a verified remote interaction to local state. The
// social service implements it; the indirection keeps federation free of
// timeline logic.
type Applier interface {
	ApplyRemoteInteraction(ctx context.Context, in *Interaction) error
}

// Receiver handles inbound interactions: schema check, actor signature
// via the trust-on-first-use resolver, idempotency on interactionId,
// then application.
type Receiver struct {
	store    store.Store
	resolver action.Resolver
	applier  Applier
	log      *slog.Logger
}

func NewReceiver(st store.Store, resolver action.Resolver, applier Applier, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		store:    st,
		resolver: resolver,
		applier:  applier,
		log:      log.With("component", "delivery"),
	}
}

// Receive validates and applies one inbound interaction. Duplicate
// interaction ids acknowledge without re-applying. Envelope freshness is
// not enforced here: legitimate retries arrive hours late, and the
// node-signed transport layer already carries its own timestamp check.
func (rcv *Receiver) Receive(ctx context.Context, verb string, in *Interaction) error {
	if !validVerb(verb) || in.Verb != verb {
		return fmt.Errorf("%w: unknown verb", models.ErrValidation)
	}
	if in.InteractionID == "" || in.TargetAPID == "" || in.Envelope == nil {
		return fmt.Errorf("%w: incomplete interaction", models.ErrValidation)
	}
	if in.Actor.DID == "" || in.Actor.Handle == "" {
		return fmt.Errorf("%w: missing actor", models.ErrValidation)
	}
	if verb == VerbReply && (strings.TrimSpace(in.Content) == "" || len(in.Content) > models.MaxPostLength) {
		return fmt.Errorf("%w: bad reply content", models.ErrValidation)
	}

	ident, err := rcv.resolver.ResolveIdentity(ctx, in.Actor.DID, in.Actor.Handle)
	if err != nil {
		if errors.Is(err, models.ErrKeyChanged) {
			rcv.log.Warn("interaction actor key pin violated", "did", in.Actor.DID)
			return models.ErrInvalidSignature
		}
		return err
	}
	pub, err := crypto.ParsePublicKey(ident.PublicKey)
	if err != nil {
		return models.ErrInvalidSignature
	}
	signed, err := in.Envelope.SignedBytes()
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if !crypto.Verify(pub, signed, in.Envelope.Sig) {
		rcv.log.Warn("interaction signature invalid", "did", in.Actor.DID, "verb", verb)
		return models.ErrInvalidSignature
	}

	first, err := rcv.store.RecordInteraction(ctx, in.InteractionID)
	if err != nil {
		return err
	}
	if !first {
		rcv.log.Debug("duplicate interaction acknowledged", "interaction_id", in.InteractionID)
		return nil
	}
	return rcv.applier.ApplyRemoteInteraction(ctx, in)
}
