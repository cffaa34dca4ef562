package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	msg := []byte(`{"action":"like","data":{"postId":"P1"}}`)
	sig, err := Sign(priv, msg)
	require.NoError(t, err)

	assert.True(t, Verify(&priv.PublicKey, msg, sig))
	assert.False(t, Verify(&priv.PublicKey, []byte("tampered"), sig))

	other, err := GenerateKey()
	require.NoError(t, err)
	assert.False(t, Verify(&other.PublicKey, msg, sig))
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)
	assert.False(t, Verify(&priv.PublicKey, []byte("m"), "not-base64url!!"))
	assert.False(t, Verify(&priv.PublicKey, []byte("m"), "AAAA"))
}

func TestPublicKeyCodec(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	b64, err := MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	parsed, err := ParsePublicKey(b64)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(&priv.PublicKey))

	_, err = ParsePublicKey("@@@")
	assert.Error(t, err)
}

func TestPrivateKeyWrapUnwrap(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)
	der, err := MarshalPrivateKey(priv)
	require.NoError(t, err)

	blob, err := WrapPrivateKey(der, "correct horse")
	require.NoError(t, err)

	got, err := UnwrapPrivateKey(blob, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, der, got)

	restored, err := ParsePrivateKey(got)
	require.NoError(t, err)
	assert.True(t, restored.Equal(priv))

	_, err = UnwrapPrivateKey(blob, "wrong password")
	assert.Error(t, err)
}

func TestSharedSecretSymmetry(t *testing.T) {
	alice, err := GenerateKey()
	require.NoError(t, err)
	bob, err := GenerateKey()
	require.NoError(t, err)

	ab, err := SharedSecret(alice, &bob.PublicKey)
	require.NoError(t, err)
	ba, err := SharedSecret(bob, &alice.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
	assert.Len(t, ab, 32)
}

func TestSealOpenGCM(t *testing.T) {
	key := DeriveSessionKey("pw")
	sealed, err := SealGCM(key, []byte("hello"))
	require.NoError(t, err)
	plain, err := OpenGCM(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))

	_, err = OpenGCM(DeriveSessionKey("other"), sealed)
	assert.Error(t, err)
}

func TestDeriveDID(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)
	b64, err := MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	did, err := DeriveDID(b64)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(did, DIDKeyPrefix))

	again, err := DeriveDID(b64)
	require.NoError(t, err)
	assert.Equal(t, did, again)
}

func TestParseSwarmDID(t *testing.T) {
	domain, local, ok := ParseSwarmDID(SwarmDID("node-b.example", "bob"))
	require.True(t, ok)
	assert.Equal(t, "node-b.example", domain)
	assert.Equal(t, "bob", local)

	_, _, ok = ParseSwarmDID("did:key:zabc")
	assert.False(t, ok)
}
