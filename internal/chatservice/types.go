package chatservice

import (
	"encoding/json"

	"fedchat/internal/olm"
)

// Event types and encryption algorithm tags on the wire.
const (
	EventTypeMember    = "m.room.member"
	EventTypeMessage   = "m.room.message"
	EventTypeEncrypted = "m.room.encrypted"
	EventTypeRoomKey   = "m.room_key"

	AlgorithmOlm    = "m.olm.v1"
	AlgorithmMegolm = "m.megolm.v1"

	// OneTimeKeyAlgorithm prefixes uploaded and claimed one-time key IDs.
	OneTimeKeyAlgorithm = "curve25519"
)

// Event is one protocol event, state, timeline or to-device. Content stays
// raw until the classifier decides which payload type applies.
type Event struct {
	Type     string          `json:"type"`
	Sender   string          `json:"sender,omitempty"`
	StateKey *string         `json:"state_key,omitempty"`
	EventID  string          `json:"event_id,omitempty"`
	RoomID   string          `json:"room_id,omitempty"`
	Content  json.RawMessage `json:"content"`
}

// SyncResponse is one long-poll batch.
type SyncResponse struct {
	NextBatch       string         `json:"next_batch"`
	Rooms           SyncRooms      `json:"rooms"`
	ToDevice        EventList      `json:"to_device"`
	OneTimeKeyCount map[string]int `json:"device_one_time_keys_count"`
}

type SyncRooms struct {
	Join map[string]JoinedRoom `json:"join"`
}

type JoinedRoom struct {
	State    EventList `json:"state"`
	Timeline EventList `json:"timeline"`
}

type EventList struct {
	Events []Event `json:"events"`
}

// MemberContent is the body of an m.room.member state event.
type MemberContent struct {
	Membership string `json:"membership"`
}

// DeviceKeys is one device's published identity, self-signed with its own
// ed25519 key. Keys is algorithm:device_id -> base64 public key.
type DeviceKeys struct {
	UserID     string                       `json:"user_id"`
	DeviceID   string                       `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned   map[string]string            `json:"unsigned,omitempty"`
}

// KeysQueryResponse maps user_id -> device_id -> published keys.
type KeysQueryResponse struct {
	DeviceKeys map[string]map[string]DeviceKeys `json:"device_keys"`
}

// SignedKey is one claimed one-time key, signed by the owning device.
type SignedKey struct {
	Key        string                       `json:"key"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// KeysClaimResponse maps user_id -> device_id -> key_id -> claimed key.
type KeysClaimResponse struct {
	OneTimeKeys map[string]map[string]map[string]SignedKey `json:"one_time_keys"`
}

// KeysUploadResponse reports the server's per-algorithm one-time key counts
// after an upload.
type KeysUploadResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

// OlmEventContent is the content of a pairwise-encrypted to-device event:
// the algorithm tag, the sender's identity key, and the olm message itself.
type OlmEventContent struct {
	Algorithm string       `json:"algorithm"`
	SenderKey string       `json:"sender_key"`
	Message   *olm.Message `json:"message"`
}

// PairwisePlaintext is the decrypted body of an olm to-device message. The
// embedded SenderKey must match the envelope's sender key before the
// payload is trusted.
type PairwisePlaintext struct {
	Type      string          `json:"type"`
	SenderKey string          `json:"sender_key"`
	Content   json.RawMessage `json:"content"`
}

// RoomKeyContent is the m.room_key payload carried inside a pairwise
// message: everything needed to install an inbound group session.
type RoomKeyContent struct {
	Algorithm  string `json:"algorithm"`
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
}

// MegolmEventContent is the content of a group-encrypted room event.
type MegolmEventContent struct {
	Algorithm  string `json:"algorithm"`
	SenderKey  string `json:"sender_key"`
	SessionID  string `json:"session_id"`
	DeviceID   string `json:"device_id,omitempty"`
	Ciphertext string `json:"ciphertext"`
}

// MessageContent is the plaintext body of an m.room.message event, both the
// plain timeline form and the decrypted group payload.
type MessageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// Message is one decrypted (or plain) timeline message yielded to the
// application layer.
type Message struct {
	RoomID    string
	Sender    string
	EventID   string
	Body      string
	Encrypted bool
	// Index is the group-session ratchet index the sender used, for gap
	// and replay detection by the caller. Zero for plain messages.
	Index uint32
}
