// Package action implements the signed-action envelope: every state
// change a user makes is a JSON envelope signed with their identity key,
// verified server-side against freshness, handle binding, signature and
// replay before any handler runs.
package action

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/synapsis-swarm/synapsis/internal/crypto"
	"github.com/synapsis-swarm/synapsis/internal/models"
)

// Minimum decoded nonce length in bytes.
const minNonceLen = 16

// Envelope is the wire form of a signed action. Ts is unix milliseconds;
// Sig covers the canonical JSON of the envelope with the sig field absent.
type Envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
	DID    string          `json:"did"`
	Handle string          `json:"handle"`
	Ts     int64           `json:"ts"`
	Nonce  string          `json:"nonce"`
	Sig    string          `json:"sig,omitempty"`
}

// signedView is the envelope without its signature, the exact structure
// the signature is computed over.
type signedView struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
	DID    string          `json:"did"`
	Handle string          `json:"handle"`
	Ts     int64           `json:"ts"`
	Nonce  string          `json:"nonce"`
}

// SignedBytes returns the canonical bytes the signature covers.
func (e *Envelope) SignedBytes() ([]byte, error) {
	return crypto.Canonical(signedView{
		Action: e.Action,
		Data:   e.Data,
		DID:    e.DID,
		Handle: e.Handle,
		Ts:     e.Ts,
		Nonce:  e.Nonce,
	})
}

// ActionID is the replay-protection key: hex SHA-256 of the canonical
// signed bytes. Identical envelopes collapse to one id regardless of how
// the sender formatted the JSON.
func (e *Envelope) ActionID() (string, error) {
	b, err := e.SignedBytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Timestamp returns Ts as a time.Time.
func (e *Envelope) Timestamp() time.Time {
	return time.UnixMilli(e.Ts)
}

// validateShape checks structural requirements before any crypto runs.
func (e *Envelope) validateShape() error {
	if e.Action == "" {
		return fmt.Errorf("%w: missing action", models.ErrValidation)
	}
	if e.DID == "" || e.Handle == "" {
		return fmt.Errorf("%w: missing identity fields", models.ErrValidation)
	}
	if e.Ts <= 0 {
		return fmt.Errorf("%w: missing timestamp", models.ErrValidation)
	}
	if e.Sig == "" {
		return fmt.Errorf("%w: missing signature", models.ErrInvalidSignature)
	}
	nonce, err := base64.RawURLEncoding.DecodeString(e.Nonce)
	if err != nil {
		return fmt.Errorf("%w: nonce is not base64url", models.ErrValidation)
	}
	if len(nonce) < minNonceLen {
		return fmt.Errorf("%w: nonce shorter than %d bytes", models.ErrValidation, minNonceLen)
	}
	return nil
}

// NewEnvelope builds and signs an envelope on behalf of a local user with
// an unlocked private key. Used by the HTTP layer's server-side signing
// path and by tests.
func NewEnvelope(priv *ecdsa.PrivateKey, action string, data any, did, handle string) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding action data: %w", err)
	}
	nonce := make([]byte, minNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	e := &Envelope{
		Action: action,
		Data:   raw,
		DID:    did,
		Handle: handle,
		Ts:     time.Now().UnixMilli(),
		Nonce:  base64.RawURLEncoding.EncodeToString(nonce),
	}
	signed, err := e.SignedBytes()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(priv, signed)
	if err != nil {
		return nil, err
	}
	e.Sig = sig
	return e, nil
}
