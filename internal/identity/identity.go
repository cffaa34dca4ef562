// Package identity manages local accounts: registration with client-grade
// key generation, password auth, opaque sessions, and password-based
// unlocking of the stored private keys for server-aided signing.
package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"

	"github.com/synapsis-swarm/synapsis/internal/action"
	"github.com/synapsis-swarm/synapsis/internal/crypto"
	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/store"
)

// SessionTTL is how long a login session stays valid.
const SessionTTL = 30 * 24 * time.Hour

const minPasswordLen = 8

var handleRe = regexp.MustCompile(`^[a-z0-9_]{3,20}$`)

// Config wires a Service.
type Config struct {
	Store      store.Store
	NodeDomain string
	Logger     *slog.Logger
}

// Service implements account lifecycle for users hosted on this node.
type Service struct {
	store      store.Store
	nodeDomain string
	log        *slog.Logger
}

func NewService(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:      cfg.Store,
		nodeDomain: cfg.NodeDomain,
		log:        log.With("component", "identity"),
	}
}

// RegisterParams are the inputs to account creation.
type RegisterParams struct {
	Handle      string
	Email       string
	Password    string
	DisplayName string
}

// Register creates an account: fresh identity and chat keypairs, both
// private keys wrapped under the password, DID derived from the identity
// public key. Returns the user and a live session.
func (s *Service) Register(ctx context.Context, p RegisterParams) (*models.User, *models.Session, error) {
	handle := strings.ToLower(strings.TrimSpace(p.Handle))
	if !handleRe.MatchString(handle) {
		return nil, nil, fmt.Errorf("%w: handle must be 3-20 chars of a-z, 0-9, _", models.ErrValidation)
	}
	email := strings.ToLower(strings.TrimSpace(p.Email))
	if !strings.Contains(email, "@") {
		return nil, nil, fmt.Errorf("%w: invalid email", models.ErrValidation)
	}
	if len(p.Password) < minPasswordLen {
		return nil, nil, fmt.Errorf("%w: password must be at least %d characters", models.ErrValidation, minPasswordLen)
	}

	hash, err := argon2id.CreateHash(p.Password, argon2id.DefaultParams)
	if err != nil {
		return nil, nil, fmt.Errorf("hashing password: %w", err)
	}

	pub, wrappedPriv, did, err := generateWrappedKeypair(p.Password)
	if err != nil {
		return nil, nil, err
	}
	chatPub, wrappedChatPriv, _, err := generateWrappedKeypair(p.Password)
	if err != nil {
		return nil, nil, err
	}

	u := &models.User{
		ID:                      uuid.NewString(),
		DID:                     did,
		Handle:                  handle,
		Email:                   email,
		DisplayName:             p.DisplayName,
		PublicKey:               pub,
		PrivateKeyEncrypted:     wrappedPriv,
		PasswordHash:            hash,
		ChatPublicKey:           chatPub,
		ChatPrivateKeyEncrypted: wrappedChatPriv,
		DMPrivacy:               models.DMPrivacyEveryone,
		CreatedAt:               time.Now(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, nil, err
	}
	if err := s.store.UpsertHandle(ctx, models.HandleEntry{
		Handle:     handle,
		DID:        did,
		NodeDomain: s.nodeDomain,
		UpdatedAt:  u.CreatedAt,
	}); err != nil {
		s.log.Error("registering handle in directory", "handle", handle, "error", err)
	}

	sess, err := s.startSession(ctx, u.ID)
	if err != nil {
		return nil, nil, err
	}
	s.log.Info("account registered", "handle", handle, "did", did)
	return u, sess, nil
}

// Authenticate verifies credentials and opens a session. Every account
// is created with an AES-wrapped P-256 key, so no login-time key
// migration exists here; older deployments that stored plaintext or RSA
// keys would need one.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*models.User, *models.Session, error) {
	u, err := s.store.UserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil, models.ErrBadCredentials
	}
	if err != nil {
		return nil, nil, err
	}
	ok, err := argon2id.ComparePasswordAndHash(password, u.PasswordHash)
	if err != nil {
		return nil, nil, fmt.Errorf("comparing password: %w", err)
	}
	if !ok {
		return nil, nil, models.ErrBadCredentials
	}
	if u.IsSuspended {
		return nil, nil, fmt.Errorf("%w: account suspended", models.ErrForbidden)
	}
	sess, err := s.startSession(ctx, u.ID)
	if err != nil {
		return nil, nil, err
	}
	return u, sess, nil
}

// Logout invalidates a session token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.store.DeleteSession(ctx, token)
}

// UserFromToken resolves a session token to its user.
func (s *Service) UserFromToken(ctx context.Context, token string) (*models.User, error) {
	sess, err := s.store.SessionByToken(ctx, token)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrAuthRequired
	}
	if err != nil {
		return nil, err
	}
	return s.store.UserByID(ctx, sess.UserID)
}

// Unlock decrypts the user's identity private key with their password.
// The key never persists unwrapped; callers use it for one signing
// operation and drop it.
func (s *Service) Unlock(ctx context.Context, u *models.User, password string) (*ecdsa.PrivateKey, error) {
	return unwrapKey(u.PrivateKeyEncrypted, password)
}

// UnlockChatKey decrypts the user's chat private key.
func (s *Service) UnlockChatKey(ctx context.Context, u *models.User, password string) (*ecdsa.PrivateKey, error) {
	return unwrapKey(u.ChatPrivateKeyEncrypted, password)
}

// RotateKeys replaces both keypairs under the same password. The DID
// follows the new identity key, so rotation is a new cryptographic
// identity that keeps the handle and social graph.
func (s *Service) RotateKeys(ctx context.Context, u *models.User, password string) (*models.User, error) {
	if _, err := s.Unlock(ctx, u, password); err != nil {
		return nil, models.ErrBadCredentials
	}

	pub, wrappedPriv, did, err := generateWrappedKeypair(password)
	if err != nil {
		return nil, err
	}
	chatPub, wrappedChatPriv, _, err := generateWrappedKeypair(password)
	if err != nil {
		return nil, err
	}

	updated := *u
	updated.DID = did
	updated.PublicKey = pub
	updated.PrivateKeyEncrypted = wrappedPriv
	updated.ChatPublicKey = chatPub
	updated.ChatPrivateKeyEncrypted = wrappedChatPriv

	if err := s.store.UpdateUserKeys(ctx, u.ID, &updated); err != nil {
		return nil, err
	}
	if err := s.store.UpsertHandle(ctx, models.HandleEntry{
		Handle:     u.Handle,
		DID:        did,
		NodeDomain: s.nodeDomain,
		UpdatedAt:  time.Now(),
	}); err != nil {
		s.log.Error("updating handle directory after rotation", "handle", u.Handle, "error", err)
	}
	s.log.Info("keys rotated", "handle", u.Handle, "did", did)
	return &updated, nil
}

// ResolveIdentity implements action.Resolver for users hosted here.
func (s *Service) ResolveIdentity(ctx context.Context, did, _ string) (*action.Identity, error) {
	u, err := s.store.UserByDID(ctx, did)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrUnknownUser
	}
	if err != nil {
		return nil, err
	}
	if u.IsSuspended {
		return nil, fmt.Errorf("%w: account suspended", models.ErrForbidden)
	}
	return &action.Identity{PublicKey: u.PublicKey, Handle: u.FullHandle()}, nil
}

func (s *Service) startSession(ctx context.Context, userID string) (*models.Session, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}
	sess := &models.Session{
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		UserID:    userID,
		ExpiresAt: time.Now().Add(SessionTTL),
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func generateWrappedKeypair(password string) (pubB64, wrapped, did string, err error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return "", "", "", err
	}
	pubB64, err = crypto.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return "", "", "", err
	}
	der, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return "", "", "", err
	}
	wrapped, err = crypto.WrapPrivateKey(der, password)
	if err != nil {
		return "", "", "", err
	}
	did, err = crypto.DeriveDID(pubB64)
	if err != nil {
		return "", "", "", err
	}
	return pubB64, wrapped, did, nil
}

func unwrapKey(blob, password string) (*ecdsa.PrivateKey, error) {
	der, err := crypto.UnwrapPrivateKey(blob, password)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot unlock key", models.ErrAuthRequired)
	}
	return crypto.ParsePrivateKey(der)
}
