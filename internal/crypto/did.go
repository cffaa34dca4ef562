package crypto

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// DID method prefixes. did:key is the native form for new accounts,
// did:synapsis the legacy hex form, did:swarm the synthetic form stamped on
// pulled remote mirrors.
const (
	DIDKeyPrefix    = "did:key:z" // z is the base58btc multibase prefix
	DIDLegacyPrefix = "did:synapsis:"
	DIDSwarmPrefix  = "did:swarm:"
)

// DeriveDID derives the did:key identifier from a base64 SPKI public key.
func DeriveDID(publicKeyB64 string) (string, error) {
	der, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return "", fmt.Errorf("derive did: %w", err)
	}
	return DIDKeyPrefix + base58.Encode(der), nil
}

// SwarmDID builds the synthetic DID for a pulled remote user.
func SwarmDID(domain, localPart string) string {
	return DIDSwarmPrefix + domain + ":" + localPart
}

// ParseSwarmDID splits a did:swarm identifier into its domain and local
// part. ok is false for any other DID method.
func ParseSwarmDID(did string) (domain, localPart string, ok bool) {
	rest, found := strings.CutPrefix(did, DIDSwarmPrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
