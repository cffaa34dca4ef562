// Package chat implements direct messages: privacy-gated local delivery,
// end-to-end encrypted payload passthrough, and node-signed cross-node
// delivery with background redelivery of unacknowledged messages.
package chat

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synapsis-swarm/synapsis/internal/action"
	"github.com/synapsis-swarm/synapsis/internal/crypto"
	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/store"
	"github.com/synapsis-swarm/synapsis/internal/swarm"
)

// HistoryPageLimit caps one page of message history.
const HistoryPageLimit = 100

const previewLen = 80

// Delivery is the cross-node wire format: the sender's signed action
// wrapping the message; the node signature on the request covers both.
type Delivery struct {
	Envelope *action.Envelope `json:"envelope"`
	Message  WireMessage      `json:"message"`
}

// WireMessage is the message body as transferred between nodes.
type WireMessage struct {
	ID                  string `json:"id"`
	RecipientHandle     string `json:"recipientHandle"`
	SenderHandle        string `json:"senderHandle"`
	SenderDID           string `json:"senderDid"`
	SenderNodeDomain    string `json:"senderNodeDomain"`
	Content             string `json:"content,omitempty"`
	EncryptedContent    string `json:"encryptedContent,omitempty"`
	SenderChatPublicKey string `json:"senderChatPublicKey,omitempty"`
	Ts                  int64  `json:"ts"`
}

// Config wires a Service.
type Config struct {
	Store    store.Store
	Registry *swarm.Registry
	Client   *swarm.Client
	Resolver action.Resolver
	Domain   string
	Logger   *slog.Logger
}

// Service owns conversation and message state.
type Service struct {
	store    store.Store
	registry *swarm.Registry
	client   *swarm.Client
	resolver action.Resolver
	domain   string
	log      *slog.Logger

	// Envelopes for messages awaiting remote acknowledgement. Lost on
	// restart; such messages stay undelivered until the sender retries.
	mu      sync.Mutex
	pending map[string]*Delivery
}

func NewService(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    cfg.Store,
		registry: cfg.Registry,
		client:   cfg.Client,
		resolver: cfg.Resolver,
		domain:   cfg.Domain,
		log:      log.With("component", "chat"),
		pending:  make(map[string]*Delivery),
	}
}

// SendParams are the inputs to Send. Exactly one of Content and
// EncryptedContent should be set; encrypted payloads pass through
// untouched together with the sender's chat public key.
type SendParams struct {
	RecipientHandle     string
	Content             string
	EncryptedContent    string
	SenderChatPublicKey string
	Envelope            *action.Envelope // required for cross-node sends
}

// Send delivers a message from a local sender. Local recipients get a
// reciprocal copy immediately; remote ones are reached through their
// node, with the message parked for redelivery when that fails.
func (s *Service) Send(ctx context.Context, sender *models.User, p SendParams) (*models.ChatMessage, error) {
	recipient := strings.ToLower(strings.TrimSpace(p.RecipientHandle))
	if recipient == "" {
		return nil, fmt.Errorf("%w: missing recipient", models.ErrValidation)
	}
	if p.Content == "" && p.EncryptedContent == "" {
		return nil, fmt.Errorf("%w: empty message", models.ErrValidation)
	}

	_, domain := models.SplitHandle(recipient)
	if domain == "" || domain == s.domain {
		return s.sendLocal(ctx, sender, recipient, p)
	}
	return s.sendRemote(ctx, sender, recipient, domain, p)
}

func (s *Service) sendLocal(ctx context.Context, sender *models.User, recipient string, p SendParams) (*models.ChatMessage, error) {
	local, _ := models.SplitHandle(recipient)
	target, err := s.store.UserByHandle(ctx, local)
	if err != nil {
		return nil, err
	}
	if err := s.checkPrivacy(ctx, target, sender.FullHandle()); err != nil {
		return nil, err
	}

	now := time.Now()
	msg := &models.ChatMessage{
		ID:                  uuid.NewString(),
		SenderHandle:        sender.Handle,
		SenderDID:           sender.DID,
		Content:             p.Content,
		EncryptedContent:    p.EncryptedContent,
		SenderChatPublicKey: p.SenderChatPublicKey,
		DeliveredAt:         now,
		CreatedAt:           now,
	}

	// One copy per side, each in that participant's conversation.
	if err := s.appendToConversation(ctx, sender.ID, target.Handle, msg); err != nil {
		return nil, err
	}
	peerCopy := *msg
	peerCopy.ID = uuid.NewString()
	if err := s.appendToConversation(ctx, target.ID, sender.Handle, &peerCopy); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Service) sendRemote(ctx context.Context, sender *models.User, recipient, domain string, p SendParams) (*models.ChatMessage, error) {
	if p.Envelope == nil {
		return nil, fmt.Errorf("%w: cross-node messages require a signed action", models.ErrValidation)
	}
	if !s.registry.KnownDomain(ctx, domain) {
		return nil, fmt.Errorf("%w: unknown swarm domain %s", models.ErrNotFound, domain)
	}

	// A cached mirror lets us refuse obviously misaddressed sends early;
	// the authoritative privacy decision belongs to the recipient's node.
	if mirror, err := s.store.UserByHandle(ctx, recipient); err == nil {
		if err := s.checkPrivacy(ctx, mirror, sender.FullHandle()); err != nil {
			return nil, err
		}
	}

	msg := &models.ChatMessage{
		ID:                  uuid.NewString(),
		SenderHandle:        sender.Handle,
		SenderDID:           sender.DID,
		Content:             p.Content,
		EncryptedContent:    p.EncryptedContent,
		SenderChatPublicKey: p.SenderChatPublicKey,
		CreatedAt:           time.Now(),
	}
	if err := s.appendToConversation(ctx, sender.ID, recipient, msg); err != nil {
		return nil, err
	}

	local, _ := models.SplitHandle(recipient)
	delivery := &Delivery{
		Envelope: p.Envelope,
		Message: WireMessage{
			ID:                  msg.ID,
			RecipientHandle:     local,
			SenderHandle:        sender.Handle,
			SenderDID:           sender.DID,
			SenderNodeDomain:    s.domain,
			Content:             p.Content,
			EncryptedContent:    p.EncryptedContent,
			SenderChatPublicKey: p.SenderChatPublicKey,
			Ts:                  msg.CreatedAt.UnixMilli(),
		},
	}

	if err := s.deliver(ctx, domain, delivery); err != nil {
		s.mu.Lock()
		s.pending[msg.ID] = delivery
		s.mu.Unlock()
		s.log.Warn("remote chat delivery deferred", "peer", domain, "error", err)
		return msg, nil
	}
	if err := s.store.MarkMessageDelivered(ctx, msg.ID); err != nil {
		s.log.Error("marking message delivered", "message", msg.ID, "error", err)
	}
	msg.DeliveredAt = time.Now()
	return msg, nil
}

func (s *Service) deliver(ctx context.Context, domain string, d *Delivery) error {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.client.PostSigned(reqCtx, domain, "/chat/receive", d, nil); err != nil {
		s.registry.MarkFailure(ctx, domain)
		return err
	}
	s.registry.MarkSuccess(ctx, domain)
	return nil
}

// RedeliverPending retries undelivered remote messages whose envelopes
// are still held. Runs from the scheduler.
func (s *Service) RedeliverPending(ctx context.Context) {
	msgs, err := s.store.UndeliveredMessages(ctx, 100)
	if err != nil {
		s.log.Error("listing undelivered messages", "error", err)
		return
	}
	for _, msg := range msgs {
		s.mu.Lock()
		delivery, ok := s.pending[msg.ID]
		s.mu.Unlock()
		if !ok {
			continue
		}
		conv, err := s.store.ConversationByID(ctx, msg.ConversationID)
		if err != nil {
			continue
		}
		_, domain := models.SplitHandle(conv.PeerHandle)
		if domain == "" {
			continue
		}
		if err := s.deliver(ctx, domain, delivery); err != nil {
			s.log.Warn("chat redelivery failed", "peer", domain, "message", msg.ID, "error", err)
			continue
		}
		if err := s.store.MarkMessageDelivered(ctx, msg.ID); err != nil {
			s.log.Error("marking message delivered", "message", msg.ID, "error", err)
			continue
		}
		s.mu.Lock()
		delete(s.pending, msg.ID)
		s.mu.Unlock()
	}
}

// Receive ingests a cross-node message. The node signature was checked
// at the transport layer; here the sender's own signature is verified
// against their pinned key, then the recipient's privacy applies.
func (s *Service) Receive(ctx context.Context, d *Delivery) error {
	m := d.Message
	if d.Envelope == nil || m.RecipientHandle == "" || m.SenderHandle == "" || m.SenderDID == "" {
		return fmt.Errorf("%w: incomplete delivery", models.ErrValidation)
	}
	if m.Content == "" && m.EncryptedContent == "" {
		return fmt.Errorf("%w: empty message", models.ErrValidation)
	}

	ident, err := s.resolver.ResolveIdentity(ctx, m.SenderDID, m.SenderHandle)
	if err != nil {
		if errors.Is(err, models.ErrKeyChanged) {
			return models.ErrInvalidSignature
		}
		return err
	}
	pub, err := crypto.ParsePublicKey(ident.PublicKey)
	if err != nil {
		return models.ErrInvalidSignature
	}
	signed, err := d.Envelope.SignedBytes()
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if !crypto.Verify(pub, signed, d.Envelope.Sig) {
		return models.ErrInvalidSignature
	}

	recipient, err := s.store.UserByHandle(ctx, strings.ToLower(m.RecipientHandle))
	if err != nil {
		return err
	}
	senderFull := m.SenderHandle + "@" + m.SenderNodeDomain
	if err := s.checkPrivacy(ctx, recipient, senderFull); err != nil {
		return err
	}

	now := time.Now()
	msg := &models.ChatMessage{
		ID:                  m.ID,
		SenderHandle:        senderFull,
		SenderDID:           m.SenderDID,
		SenderNodeDomain:    m.SenderNodeDomain,
		Content:             m.Content,
		EncryptedContent:    m.EncryptedContent,
		SenderChatPublicKey: m.SenderChatPublicKey,
		DeliveredAt:         now,
		CreatedAt:           time.UnixMilli(m.Ts),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	err = s.appendToConversation(ctx, recipient.ID, senderFull, msg)
	if errors.Is(err, models.ErrDuplicate) {
		// Redelivery of a message we already have.
		return nil
	}
	if err != nil {
		return err
	}

	// The sender is now a known identity on this node.
	if err := s.store.UpsertHandle(ctx, models.HandleEntry{
		Handle:     m.SenderHandle,
		DID:        m.SenderDID,
		NodeDomain: m.SenderNodeDomain,
		UpdatedAt:  now,
	}); err != nil {
		s.log.Error("registering sender handle", "handle", senderFull, "error", err)
	}
	return nil
}

// Conversations lists u's conversations, most recent first.
func (s *Service) Conversations(ctx context.Context, u *models.User) ([]*models.ChatConversation, error) {
	return s.store.Conversations(ctx, u.ID)
}

// History returns up to limit messages older than before, oldest first.
func (s *Service) History(ctx context.Context, u *models.User, conversationID string, before time.Time, limit int) ([]*models.ChatMessage, error) {
	conv, err := s.store.ConversationByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.ParticipantID != u.ID {
		return nil, models.ErrForbidden
	}
	if limit <= 0 || limit > HistoryPageLimit {
		limit = HistoryPageLimit
	}
	return s.store.MessagesBefore(ctx, conversationID, before, limit)
}

// MarkRead marks every unread message in u's conversation read.
func (s *Service) MarkRead(ctx context.Context, u *models.User, conversationID string) error {
	conv, err := s.store.ConversationByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.ParticipantID != u.ID {
		return models.ErrForbidden
	}
	return s.store.MarkConversationRead(ctx, conversationID)
}

// checkPrivacy applies the recipient's DM policy to a sender handle.
func (s *Service) checkPrivacy(ctx context.Context, recipient *models.User, senderHandle string) error {
	if recipient.IsBot {
		return fmt.Errorf("%w: recipient does not accept messages", models.ErrForbidden)
	}
	switch recipient.DMPrivacy {
	case models.DMPrivacyNone:
		return fmt.Errorf("%w: recipient does not accept messages", models.ErrForbidden)
	case models.DMPrivacyFollowing:
		follows, err := s.store.IsFollowing(ctx, recipient.FullHandle(), senderHandle)
		if err != nil {
			return err
		}
		if !follows {
			return fmt.Errorf("%w: recipient only accepts messages from accounts they follow", models.ErrForbidden)
		}
	}
	return nil
}

// appendToConversation files msg under the participant's conversation
// with peerHandle, creating it on first contact.
func (s *Service) appendToConversation(ctx context.Context, participantID, peerHandle string, msg *models.ChatMessage) error {
	conv, err := s.store.ConversationFor(ctx, participantID, peerHandle)
	if errors.Is(err, models.ErrNotFound) {
		conv = &models.ChatConversation{
			ID:            uuid.NewString(),
			ParticipantID: participantID,
			PeerHandle:    peerHandle,
		}
	} else if err != nil {
		return err
	}

	if conv.LastMessageAt.IsZero() {
		if err := s.store.UpsertConversation(ctx, conv); err != nil {
			return err
		}
	}

	msg.ConversationID = conv.ID
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		// A duplicate must not bump the conversation's recency.
		return err
	}

	conv.LastMessageAt = msg.CreatedAt
	conv.LastMessagePreview = preview(msg)
	return s.store.UpsertConversation(ctx, conv)
}

func preview(msg *models.ChatMessage) string {
	if msg.EncryptedContent != "" {
		return "[encrypted]"
	}
	if runes := []rune(msg.Content); len(runes) > previewLen {
		return string(runes[:previewLen])
	}
	return msg.Content
}

// LegacyEncrypt is the server-aided encryption path kept for clients
// without E2E support: ECDH between the two chat keys, AES-256-GCM over
// the plaintext, base64 ciphertext.
func LegacyEncrypt(senderChatPriv *ecdsa.PrivateKey, recipientChatPubB64, plaintext string) (string, error) {
	pub, err := crypto.ParsePublicKey(recipientChatPubB64)
	if err != nil {
		return "", err
	}
	key, err := crypto.SharedSecret(senderChatPriv, pub)
	if err != nil {
		return "", err
	}
	sealed, err := crypto.SealGCM(key, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// LegacyDecrypt reverses LegacyEncrypt on the recipient side.
func LegacyDecrypt(recipientChatPriv *ecdsa.PrivateKey, senderChatPubB64, sealed string) (string, error) {
	pub, err := crypto.ParsePublicKey(senderChatPubB64)
	if err != nil {
		return "", err
	}
	key, err := crypto.SharedSecret(recipientChatPriv, pub)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	plain, err := crypto.OpenGCM(key, raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
