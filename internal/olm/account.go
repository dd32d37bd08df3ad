// Package olm implements the cryptographic sessions used by fedchat: the
// device identity (Account), pairwise sessions bootstrapped from claimed
// one-time keys, and megolm-style group sessions for room traffic. Session
// state serializes to passphrase-encrypted "pickles" for at-rest storage.
package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Key material on the wire is unpadded base64, matching the protocol's
// key encoding everywhere (device keys, one-time keys, sender keys).
var b64 = base64.RawStdEncoding

// oneTimePair is a single curve25519 one-time key. Used keys are retained
// so that repeated pre-key messages referencing the same key can still
// establish their inbound session, but they are never offered for upload
// again.
type oneTimePair struct {
	Priv      [32]byte
	Pub       [32]byte
	Published bool
	Used      bool
}

// Account is this device's long-term identity: an ed25519 signing key, a
// curve25519 identity key, and the pool of one-time keys published for
// others to claim. The signing and identity keys never rotate.
type Account struct {
	SigningPriv  ed25519.PrivateKey
	IdentityPriv [32]byte
	OneTime      map[string]*oneTimePair
	NextKeyID    uint64
}

// NewAccount generates a fresh identity with an empty one-time key pool.
func NewAccount() (*Account, error) {
	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("olm: generate signing key: %w", err)
	}
	a := &Account{
		SigningPriv: signing,
		OneTime:     make(map[string]*oneTimePair),
	}
	if _, err := rand.Read(a.IdentityPriv[:]); err != nil {
		return nil, fmt.Errorf("olm: generate identity key: %w", err)
	}
	clampCurve25519(&a.IdentityPriv)
	return a, nil
}

// IdentityKey returns the public curve25519 identity key, base64-encoded.
func (a *Account) IdentityKey() string {
	pub, err := curvePublic(a.IdentityPriv)
	if err != nil {
		// The private key is always a valid clamped scalar.
		panic(fmt.Sprintf("olm: identity key derivation: %v", err))
	}
	return b64.EncodeToString(pub[:])
}

// SigningKey returns the public ed25519 signing key, base64-encoded.
func (a *Account) SigningKey() string {
	return b64.EncodeToString(a.SigningPriv.Public().(ed25519.PublicKey))
}

// Sign signs message with the account's ed25519 key and returns the
// base64-encoded signature.
func (a *Account) Sign(message []byte) string {
	return b64.EncodeToString(ed25519.Sign(a.SigningPriv, message))
}

// VerifySignature checks an ed25519 signature made by the given base64
// signing key over message.
func VerifySignature(signingKey string, message []byte, signature string) error {
	pub, err := b64.DecodeString(signingKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("olm: bad signing key")
	}
	sig, err := b64.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("olm: bad signature encoding")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), message, sig) {
		return ErrBadSignature
	}
	return nil
}

// GenerateOneTimeKeys adds n fresh one-time keys to the pool. The new keys
// are unpublished until MarkKeysAsPublished is called.
func (a *Account) GenerateOneTimeKeys(n int) error {
	if a.OneTime == nil {
		a.OneTime = make(map[string]*oneTimePair)
	}
	for range n {
		var pair oneTimePair
		if _, err := rand.Read(pair.Priv[:]); err != nil {
			return fmt.Errorf("olm: generate one-time key: %w", err)
		}
		clampCurve25519(&pair.Priv)
		pub, err := curvePublic(pair.Priv)
		if err != nil {
			return fmt.Errorf("olm: derive one-time key: %w", err)
		}
		pair.Pub = pub
		a.NextKeyID++
		a.OneTime[fmt.Sprintf("OTK%d", a.NextKeyID)] = &pair
	}
	return nil
}

// OneTimeKeys returns the unpublished keys as keyID → base64 public key.
func (a *Account) OneTimeKeys() map[string]string {
	out := make(map[string]string)
	for id, pair := range a.OneTime {
		if !pair.Published && !pair.Used {
			out[id] = b64.EncodeToString(pair.Pub[:])
		}
	}
	return out
}

// MarkKeysAsPublished flags every pooled key as uploaded to the server.
func (a *Account) MarkKeysAsPublished() {
	for _, pair := range a.OneTime {
		pair.Published = true
	}
}

// OneTimeKeyCount returns the number of unused keys still in the pool.
func (a *Account) OneTimeKeyCount() int {
	n := 0
	for _, pair := range a.OneTime {
		if !pair.Used {
			n++
		}
	}
	return n
}

// takeOneTimeKey returns the private half of the identified one-time key
// and marks it used so it is never offered for upload again.
func (a *Account) takeOneTimeKey(keyID string) ([32]byte, error) {
	pair, ok := a.OneTime[keyID]
	if !ok {
		return [32]byte{}, fmt.Errorf("olm: unknown one-time key %q", keyID)
	}
	pair.Used = true
	return pair.Priv, nil
}

func clampCurve25519(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

func curvePublic(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], out)
	return pub, nil
}

func decodeCurveKey(s string) ([32]byte, error) {
	var k [32]byte
	raw, err := b64.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return k, fmt.Errorf("olm: bad curve25519 key %q", s)
	}
	copy(k[:], raw)
	return k, nil
}
