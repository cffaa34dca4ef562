// Package swarm implements node-to-node federation: the node identity and
// request signatures, the peer registry, announce/gossip exchange,
// interaction delivery with retries, and pull federation of remote users
// and posts.
package swarm

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/synapsis-swarm/synapsis/internal/crypto"
	"github.com/synapsis-swarm/synapsis/internal/models"
)

// Federation request headers.
const (
	HeaderSignature    = "X-Swarm-Signature"
	HeaderSourceDomain = "X-Swarm-Source-Domain"
	HeaderTimestamp    = "X-Swarm-Timestamp"
)

// MaxHeaderSkew bounds how far a node-signed request timestamp may drift
// from local time.
const MaxHeaderSkew = 5 * time.Minute

// NodeKey is this node's signing identity, generated once and persisted.
type NodeKey struct {
	Private *ecdsa.PrivateKey
	Public  string // SPKI base64
}

// LoadOrCreateNodeKey reads the PKCS8 node key at path, creating it on
// first start. The file is chmod 0600.
func LoadOrCreateNodeKey(path string) (*NodeKey, error) {
	der, err := os.ReadFile(path)
	if err == nil {
		priv, err := crypto.ParsePrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("parsing node key %s: %w", path, err)
		}
		pub, err := crypto.MarshalPublicKey(&priv.PublicKey)
		if err != nil {
			return nil, err
		}
		return &NodeKey{Private: priv, Public: pub}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading node key %s: %w", path, err)
	}

	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	der, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, der, 0o600); err != nil {
		return nil, fmt.Errorf("writing node key %s: %w", path, err)
	}
	pub, err := crypto.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &NodeKey{Private: priv, Public: pub}, nil
}

// signedHeaderBytes is the byte string a node signature covers:
// hex is avoided; the body hash is raw SHA-256 output.
func signedHeaderBytes(body []byte, sourceDomain string, tsMillis int64) []byte {
	sum := sha256.Sum256(body)
	out := make([]byte, 0, len(sum)+len(sourceDomain)+24)
	out = append(out, sum[:]...)
	out = append(out, '.')
	out = append(out, sourceDomain...)
	out = append(out, '.')
	out = strconv.AppendInt(out, tsMillis, 10)
	return out
}

// SignRequest produces the three federation headers for a request body.
func (k *NodeKey) SignRequest(body []byte, sourceDomain string) (map[string]string, error) {
	ts := time.Now().UnixMilli()
	sig, err := crypto.Sign(k.Private, signedHeaderBytes(body, sourceDomain, ts))
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderSignature:    sig,
		HeaderSourceDomain: sourceDomain,
		HeaderTimestamp:    strconv.FormatInt(ts, 10),
	}, nil
}

// VerifyRequest checks a node-signed request against the sender's public
// key: timestamp freshness first, then the signature.
func VerifyRequest(pubB64 string, body []byte, sourceDomain, tsHeader, sig string) error {
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp header", models.ErrInvalidSignature)
	}
	if skew := time.Since(time.UnixMilli(ts)); skew > MaxHeaderSkew || skew < -MaxHeaderSkew {
		return models.ErrStaleTimestamp
	}
	pub, err := crypto.ParsePublicKey(pubB64)
	if err != nil {
		return fmt.Errorf("%w: unparseable node key", models.ErrInvalidSignature)
	}
	if !crypto.Verify(pub, signedHeaderBytes(body, sourceDomain, ts), sig) {
		return models.ErrInvalidSignature
	}
	return nil
}

// ValidateDomain rejects federation targets that would let a peer steer
// requests at loopback or private ranges.
func ValidateDomain(domain string) error {
	host := domain
	if h, _, err := net.SplitHostPort(domain); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("%w: domain %q not allowed", models.ErrValidation, domain)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: address %q not allowed", models.ErrValidation, host)
		}
	}
	if !strings.Contains(host, ".") {
		return fmt.Errorf("%w: domain %q not allowed", models.ErrValidation, domain)
	}
	return nil
}
