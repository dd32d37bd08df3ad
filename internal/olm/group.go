package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const groupKeyVersion = 1

// sessionKeyExport is the shareable form of a group session: everything a
// recipient needs to decrypt from FirstKnownIndex onward.
type sessionKeyExport struct {
	Version    int      `cbor:"v"`
	SessionID  string   `cbor:"id"`
	Index      uint32   `cbor:"i"`
	Ratchet    [32]byte `cbor:"r"`
	SigningPub []byte   `cbor:"pub"`
}

// groupMessage is the wire form of one group-encrypted payload.
type groupMessage struct {
	Index      uint32 `cbor:"i"`
	Ciphertext []byte `cbor:"ct"`
	Signature  []byte `cbor:"sig"`
}

// OutboundGroupSession encrypts room traffic for one room. The ratchet is a
// forward-only hash chain; each message consumes one index. Messages are
// signed with a per-session ed25519 key so recipients can bind ciphertexts
// to the session key they were given.
type OutboundGroupSession struct {
	SessionID   string
	Ratchet     [32]byte
	Index       uint32
	SigningPriv ed25519.PrivateKey
}

// NewOutboundGroupSession creates a session at index 0 with fresh ratchet
// and signing keys.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	s := &OutboundGroupSession{SessionID: uuid.NewString()}
	if _, err := rand.Read(s.Ratchet[:]); err != nil {
		return nil, fmt.Errorf("olm: generate group ratchet: %w", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("olm: generate group signing key: %w", err)
	}
	s.SigningPriv = priv
	return s, nil
}

// ID returns the session identifier carried in room-key shares and on
// every encrypted room event.
func (s *OutboundGroupSession) ID() string { return s.SessionID }

// SessionKey exports the current ratchet state for distribution. A
// recipient holding this export can decrypt messages from the current
// index onward, but nothing earlier.
func (s *OutboundGroupSession) SessionKey() (string, error) {
	raw, err := cbor.Marshal(sessionKeyExport{
		Version:    groupKeyVersion,
		SessionID:  s.SessionID,
		Index:      s.Index,
		Ratchet:    s.Ratchet,
		SigningPub: s.SigningPriv.Public().(ed25519.PublicKey),
	})
	if err != nil {
		return "", fmt.Errorf("olm: export session key: %w", err)
	}
	return b64.EncodeToString(raw), nil
}

// Encrypt seals plaintext at the current index, signs it, and advances the
// ratchet. The returned index is the one this message consumed.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (ciphertext string, index uint32, err error) {
	index = s.Index
	ct, err := seal(groupMessageKey(s.Ratchet), groupAD(s.SessionID, index), plaintext)
	if err != nil {
		return "", 0, err
	}
	sig := ed25519.Sign(s.SigningPriv, groupSigned(s.SessionID, index, ct))
	raw, err := cbor.Marshal(groupMessage{Index: index, Ciphertext: ct, Signature: sig})
	if err != nil {
		return "", 0, fmt.Errorf("olm: encode group message: %w", err)
	}
	s.Ratchet = advanceGroupRatchet(s.Ratchet, 1)
	s.Index++
	return b64.EncodeToString(raw), index, nil
}

// InboundGroupSession decrypts room traffic for one (room, session, sender)
// binding. It keeps the earliest ratchet state it was given and derives
// forward per message, so any index at or after FirstKnownIndex decrypts.
type InboundGroupSession struct {
	SessionID       string
	FirstKnownIndex uint32
	Ratchet         [32]byte
	SigningPub      []byte

	// Ratchet advanced to the highest index opened so far, so steady
	// in-order traffic costs one step per message regardless of session age.
	LatestIndex   uint32
	LatestRatchet [32]byte
}

// NewInboundGroupSession imports a session key produced by SessionKey.
func NewInboundGroupSession(sessionKey string) (*InboundGroupSession, error) {
	raw, err := b64.DecodeString(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: session key encoding", ErrBadMessage)
	}
	var exp sessionKeyExport
	if err := cbor.Unmarshal(raw, &exp); err != nil {
		return nil, fmt.Errorf("%w: session key structure", ErrBadMessage)
	}
	if exp.Version != groupKeyVersion {
		return nil, fmt.Errorf("olm: unsupported session key version %d", exp.Version)
	}
	if len(exp.SigningPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: session signing key", ErrBadMessage)
	}
	return &InboundGroupSession{
		SessionID:       exp.SessionID,
		FirstKnownIndex: exp.Index,
		Ratchet:         exp.Ratchet,
		SigningPub:      exp.SigningPub,
		LatestIndex:     exp.Index,
		LatestRatchet:   exp.Ratchet,
	}, nil
}

// ID returns the imported session identifier.
func (s *InboundGroupSession) ID() string { return s.SessionID }

// Decrypt verifies and opens one group message, returning the plaintext and
// the ratchet index the sender used. The caller compares indices across
// messages to detect gaps and replays.
func (s *InboundGroupSession) Decrypt(ciphertext string) ([]byte, uint32, error) {
	raw, err := b64.DecodeString(ciphertext)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: group message encoding", ErrBadMessage)
	}
	var msg groupMessage
	if err := cbor.Unmarshal(raw, &msg); err != nil {
		return nil, 0, fmt.Errorf("%w: group message structure", ErrBadMessage)
	}
	if msg.Index < s.FirstKnownIndex {
		return nil, 0, fmt.Errorf("olm: message index %d precedes session key (first known %d)",
			msg.Index, s.FirstKnownIndex)
	}
	if !ed25519.Verify(ed25519.PublicKey(s.SigningPub), groupSigned(s.SessionID, msg.Index, msg.Ciphertext), msg.Signature) {
		return nil, 0, ErrBadSignature
	}
	base, at := s.Ratchet, s.FirstKnownIndex
	if msg.Index >= s.LatestIndex && s.LatestIndex > s.FirstKnownIndex {
		base, at = s.LatestRatchet, s.LatestIndex
	}
	if msg.Index-at > maxChainSkip {
		return nil, 0, fmt.Errorf("%w: index %d skips %d messages", ErrBadMessage, msg.Index, msg.Index-at)
	}
	ratchet := advanceGroupRatchet(base, msg.Index-at)
	pt, err := open(groupMessageKey(ratchet), groupAD(s.SessionID, msg.Index), msg.Ciphertext)
	if err != nil {
		return nil, 0, err
	}
	if msg.Index > s.LatestIndex {
		s.LatestIndex, s.LatestRatchet = msg.Index, ratchet
	}
	return pt, msg.Index, nil
}

func advanceGroupRatchet(r [32]byte, n uint32) [32]byte {
	for range n {
		next := hmacSum(r[:], []byte{0x01})
		copy(r[:], next)
	}
	return r
}

func groupMessageKey(ratchet [32]byte) []byte {
	key := make([]byte, 32)
	_, _ = io.ReadFull(hkdf.New(sha256.New, ratchet[:], nil, []byte("fedchat-megolm-msg")), key)
	return key
}

func groupAD(sessionID string, index uint32) []byte {
	ad := make([]byte, 0, len(sessionID)+4)
	ad = append(ad, sessionID...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], index)
	return append(ad, b[:]...)
}

// groupSigned is the byte string covered by the per-message signature.
func groupSigned(sessionID string, index uint32, ciphertext []byte) []byte {
	out := groupAD(sessionID, index)
	return append(out, ciphertext...)
}
