package olm

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrBadSignature is returned when an ed25519 signature does not verify.
	ErrBadSignature = errors.New("olm: signature verification failed")
	// ErrBadMessage is returned for malformed or undecryptable ciphertext.
	ErrBadMessage = errors.New("olm: bad message")
	// ErrReplayedIndex is returned when a pairwise message index is behind
	// the receive chain. Message keys are discarded after use.
	ErrReplayedIndex = errors.New("olm: message index already consumed")
)

// Pairwise message types. A pre-key message carries the handshake material
// needed for the recipient to construct the matching inbound session.
const (
	MessageTypePreKey = 0
	MessageTypeNormal = 1
)

// maxChainSkip bounds how far one message may fast-forward a chain. Each
// skipped index costs one HMAC, and the index is attacker-controlled, so
// the gap must be rejected before any chain walk starts.
const maxChainSkip = 4096

// Message is one pairwise-encrypted payload. EphemeralKey and OneTimeKeyID
// are only set on pre-key messages.
type Message struct {
	Type         int    `json:"type"`
	SenderKey    string `json:"sender_key"`
	EphemeralKey string `json:"ephemeral_key,omitempty"`
	OneTimeKeyID string `json:"one_time_key_id,omitempty"`
	Index        uint32 `json:"index"`
	Ciphertext   []byte `json:"ciphertext"`
}

// Session is one direction-agnostic pairwise channel. The creator sends on
// SendChain and the recipient mirrors the two chains, so Encrypt and
// Decrypt work identically for outbound and inbound sessions. Chain state
// only ever advances; a session never rewinds.
type Session struct {
	OurIdentityKey   string
	TheirIdentityKey string
	SendChain        []byte
	RecvChain        []byte
	SendIndex        uint32
	RecvIndex        uint32
	Outbound         bool

	// Handshake material replayed in every pre-key message so the peer can
	// construct its inbound session from any of them.
	EphemeralKey string
	OneTimeKeyID string
}

// NewOutboundSession creates a session toward the device owning
// theirIdentityKey, seeded with a one-time key claimed from that device.
func NewOutboundSession(acct *Account, theirIdentityKey, oneTimeKeyID, oneTimeKey string) (*Session, error) {
	theirIdentity, err := decodeCurveKey(theirIdentityKey)
	if err != nil {
		return nil, err
	}
	theirOneTime, err := decodeCurveKey(oneTimeKey)
	if err != nil {
		return nil, err
	}

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("olm: generate ephemeral key: %w", err)
	}
	clampCurve25519(&ephPriv)
	ephPub, err := curvePublic(ephPriv)
	if err != nil {
		return nil, fmt.Errorf("olm: derive ephemeral key: %w", err)
	}

	// Triple DH: (identity, one-time), (ephemeral, identity), (ephemeral, one-time).
	s1, err := sharedSecret(acct.IdentityPriv, theirOneTime)
	if err != nil {
		return nil, err
	}
	s2, err := sharedSecret(ephPriv, theirIdentity)
	if err != nil {
		return nil, err
	}
	s3, err := sharedSecret(ephPriv, theirOneTime)
	if err != nil {
		return nil, err
	}

	send, recv := deriveChains(s1, s2, s3)
	return &Session{
		OurIdentityKey:   acct.IdentityKey(),
		TheirIdentityKey: theirIdentityKey,
		SendChain:        send,
		RecvChain:        recv,
		Outbound:         true,
		EphemeralKey:     b64.EncodeToString(ephPub[:]),
		OneTimeKeyID:     oneTimeKeyID,
	}, nil
}

// NewInboundSession constructs the inbound counterpart of a session from a
// pre-key message, consuming the referenced one-time key. The chains are
// mirrored: the sender's send chain is our receive chain.
func NewInboundSession(acct *Account, msg *Message) (*Session, error) {
	if msg.Type != MessageTypePreKey {
		return nil, fmt.Errorf("%w: inbound session requires a pre-key message", ErrBadMessage)
	}
	theirIdentity, err := decodeCurveKey(msg.SenderKey)
	if err != nil {
		return nil, err
	}
	theirEphemeral, err := decodeCurveKey(msg.EphemeralKey)
	if err != nil {
		return nil, err
	}
	otkPriv, err := acct.takeOneTimeKey(msg.OneTimeKeyID)
	if err != nil {
		return nil, err
	}

	s1, err := sharedSecret(otkPriv, theirIdentity)
	if err != nil {
		return nil, err
	}
	s2, err := sharedSecret(acct.IdentityPriv, theirEphemeral)
	if err != nil {
		return nil, err
	}
	s3, err := sharedSecret(otkPriv, theirEphemeral)
	if err != nil {
		return nil, err
	}

	creatorSend, creatorRecv := deriveChains(s1, s2, s3)
	return &Session{
		OurIdentityKey:   acct.IdentityKey(),
		TheirIdentityKey: msg.SenderKey,
		SendChain:        creatorRecv,
		RecvChain:        creatorSend,
	}, nil
}

// Encrypt advances the send chain by one message. Outbound sessions emit
// pre-key messages (they never hear back on this channel, so the handshake
// material stays attached); inbound sessions replying emit normal messages.
func (s *Session) Encrypt(plaintext []byte) (*Message, error) {
	mk, err := messageKey(s.SendChain, s.SendIndex, s.SendIndex)
	if err != nil {
		return nil, err
	}
	ct, err := seal(mk, pairwiseAD(s.OurIdentityKey, s.TheirIdentityKey, s.SendIndex), plaintext)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		Type:       MessageTypeNormal,
		SenderKey:  s.OurIdentityKey,
		Index:      s.SendIndex,
		Ciphertext: ct,
	}
	if s.Outbound {
		msg.Type = MessageTypePreKey
		msg.EphemeralKey = s.EphemeralKey
		msg.OneTimeKeyID = s.OneTimeKeyID
	}
	s.SendChain = advanceChain(s.SendChain, 1)
	s.SendIndex++
	return msg, nil
}

// Decrypt opens a message on the receive chain, fast-forwarding over any
// indices this session has not seen. Indices behind the chain fail with
// ErrReplayedIndex; gaps beyond maxChainSkip are rejected outright.
func (s *Session) Decrypt(msg *Message) ([]byte, error) {
	if msg.Index < s.RecvIndex {
		return nil, ErrReplayedIndex
	}
	if msg.Index-s.RecvIndex > maxChainSkip {
		return nil, fmt.Errorf("%w: index %d skips %d messages", ErrBadMessage, msg.Index, msg.Index-s.RecvIndex)
	}
	mk, err := messageKey(s.RecvChain, s.RecvIndex, msg.Index)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, pairwiseAD(s.TheirIdentityKey, s.OurIdentityKey, msg.Index), msg.Ciphertext)
	if err != nil {
		return nil, err
	}
	// Advance past the consumed index only after a successful open, so a
	// forged message cannot burn a key.
	s.RecvChain = advanceChain(s.RecvChain, msg.Index-s.RecvIndex+1)
	s.RecvIndex = msg.Index + 1
	return pt, nil
}

func sharedSecret(priv, pub [32]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("olm: ecdh: %w", err)
	}
	return out, nil
}

// deriveChains expands the triple-DH secret into the creator's send and
// receive chain keys.
func deriveChains(s1, s2, s3 []byte) (send, recv []byte) {
	secret := make([]byte, 0, 96)
	secret = append(secret, s1...)
	secret = append(secret, s2...)
	secret = append(secret, s3...)
	r := hkdf.New(sha256.New, secret, nil, []byte("fedchat-olm-root"))
	send = make([]byte, 32)
	recv = make([]byte, 32)
	_, _ = io.ReadFull(r, send)
	_, _ = io.ReadFull(r, recv)
	return send, recv
}

// advanceChain steps a chain key forward n times.
func advanceChain(chain []byte, n uint32) []byte {
	ck := chain
	for range n {
		ck = hmacSum(ck, []byte{0x02})
	}
	return ck
}

// messageKey derives the key for message index target given a chain key
// currently positioned at index at.
func messageKey(chain []byte, at, target uint32) ([]byte, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: uninitialised chain", ErrBadMessage)
	}
	ck := advanceChain(chain, target-at)
	return hmacSum(ck, []byte{0x01}), nil
}

func pairwiseAD(senderKey, receiverKey string, index uint32) []byte {
	ad := make([]byte, 0, len(senderKey)+len(receiverKey)+4)
	ad = append(ad, senderKey...)
	ad = append(ad, receiverKey...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], index)
	return append(ad, b[:]...)
}

// seal encrypts with a fresh per-message key, so the zero nonce is safe.
func seal(key, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

func open(key, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	pt, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrBadMessage
	}
	return pt, nil
}

func hmacSum(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
