package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	wrapIterations    = 100_000
	sessionIterations = 10_000
	wrapSaltLen       = 32
	wrapKeyLen        = 32
)

// sessionSalt is the fixed salt for the fast session-key derivation. That
// derivation only wraps an in-memory session key for client-side key
// persistence, never the durable private-key copy.
var sessionSalt = []byte("synapsis.session.v1")

// DeriveWrapKey derives the AES-256 key that wraps a private key at rest.
func DeriveWrapKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, wrapIterations, wrapKeyLen, sha256.New)
}

// DeriveSessionKey derives the fast session-wrap key from a password.
func DeriveSessionKey(password string) []byte {
	return pbkdf2.Key([]byte(password), sessionSalt, sessionIterations, wrapKeyLen, sha256.New)
}

// WrapPrivateKey encrypts PKCS8 DER under the password and serialises
// salt||nonce||ciphertext as base64.
func WrapPrivateKey(der []byte, password string) (string, error) {
	salt := make([]byte, wrapSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("wrap salt: %w", err)
	}
	sealed, err := SealGCM(DeriveWrapKey(password, salt), der)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(append(salt, sealed...)), nil
}

// UnwrapPrivateKey reverses WrapPrivateKey. A wrong password surfaces as a
// GCM authentication failure.
func UnwrapPrivateKey(blob, password string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("unwrap decode: %w", err)
	}
	if len(raw) <= wrapSaltLen {
		return nil, fmt.Errorf("unwrap: blob too short")
	}
	return OpenGCM(DeriveWrapKey(password, raw[:wrapSaltLen]), raw[wrapSaltLen:])
}
