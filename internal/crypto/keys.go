// Package crypto wraps the primitives every other subsystem shares: ECDSA
// P-256 with SHA-256 for user and node signatures, AES-256-GCM for key
// wrapping and server-aided DM encryption, PBKDF2 for password-derived keys,
// and the canonical JSON form the signing protocol is defined over.
//
// Signatures are the raw 64-byte r||s concatenation (the WebCrypto format),
// base64url on the wire. Public keys travel as base64 SPKI, private keys as
// PKCS8.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"math/big"
)

const sigLen = 64 // two 32-byte big-endian scalars

// GenerateKey creates a fresh P-256 keypair.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating P-256 key: %w", err)
	}
	return key, nil
}

// MarshalPublicKey encodes a public key as base64 SPKI.
func MarshalPublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKey decodes a base64 SPKI public key and checks it is P-256.
func ParsePublicKey(b64 string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ECDSA")
	}
	if pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("public key is not P-256")
	}
	return pub, nil
}

// MarshalPrivateKey encodes a private key as PKCS8 DER.
func MarshalPrivateKey(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	return der, nil
}

// ParsePrivateKey decodes PKCS8 DER into a P-256 private key.
func ParsePrivateKey(der []byte) (*ecdsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	priv, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not ECDSA")
	}
	return priv, nil
}

// Sign signs SHA-256(msg) and returns the base64url r||s signature.
func Sign(priv *ecdsa.PrivateKey, msg []byte) (string, error) {
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	sig := make([]byte, sigLen)
	r.FillBytes(sig[:sigLen/2])
	s.FillBytes(sig[sigLen/2:])
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify reports whether sigB64 is a valid r||s signature of SHA-256(msg).
func Verify(pub *ecdsa.PublicKey, msg []byte, sigB64 string) bool {
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != sigLen {
		return false
	}
	digest := sha256.Sum256(msg)
	r := new(big.Int).SetBytes(sig[:sigLen/2])
	s := new(big.Int).SetBytes(sig[sigLen/2:])
	return ecdsa.Verify(pub, digest[:], r, s)
}

// SharedSecret derives the 32-byte ECDH shared secret between a P-256
// private key and a peer public key, hashed with SHA-256. This is the chat
// key agreement used by the server-aided DM path.
func SharedSecret(priv *ecdsa.PrivateKey, peer *ecdsa.PublicKey) ([]byte, error) {
	ecdhPriv, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("ecdh private key: %w", err)
	}
	ecdhPub, err := peer.ECDH()
	if err != nil {
		return nil, fmt.Errorf("ecdh public key: %w", err)
	}
	shared, err := ecdhPriv.ECDH(ecdhPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	digest := sha256.Sum256(shared)
	return digest[:], nil
}
