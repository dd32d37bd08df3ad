package chatservice

import (
	"context"
	"encoding/json"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fedchat/internal/olm"
	"fedchat/internal/store"
)

// fakeAPI is an in-memory homeserver. Function fields override individual
// endpoints; unset endpoints return empty success responses. Every call is
// recorded for assertions.
type fakeAPI struct {
	mu sync.Mutex

	syncFn  func(since string, timeout time.Duration) (*SyncResponse, error)
	queryFn func(userIDs []string) (*KeysQueryResponse, error)
	claimFn func(claims map[string]map[string]string) (*KeysClaimResponse, error)
	sendFn  func(eventType string, messages map[string]map[string]any) error

	syncSince  []string
	claimCalls int
	toDevice   []toDeviceSend
	roomEvents []roomEventSend
	uploaded   []map[string]SignedKey
	deviceKeys []*DeviceKeys
}

type toDeviceSend struct {
	EventType string
	Messages  map[string]map[string]any
}

type roomEventSend struct {
	RoomID    string
	EventType string
	Content   any
}

func (f *fakeAPI) Sync(_ context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
	f.mu.Lock()
	f.syncSince = append(f.syncSince, since)
	f.mu.Unlock()
	if f.syncFn != nil {
		return f.syncFn(since, timeout)
	}
	return &SyncResponse{NextBatch: "end"}, nil
}

func (f *fakeAPI) QueryKeys(_ context.Context, userIDs []string) (*KeysQueryResponse, error) {
	if f.queryFn != nil {
		return f.queryFn(userIDs)
	}
	return &KeysQueryResponse{}, nil
}

func (f *fakeAPI) ClaimKeys(_ context.Context, claims map[string]map[string]string) (*KeysClaimResponse, error) {
	f.mu.Lock()
	f.claimCalls++
	f.mu.Unlock()
	if f.claimFn != nil {
		return f.claimFn(claims)
	}
	return &KeysClaimResponse{}, nil
}

func (f *fakeAPI) SendToDevice(_ context.Context, eventType string, messages map[string]map[string]any) error {
	if f.sendFn != nil {
		if err := f.sendFn(eventType, messages); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.toDevice = append(f.toDevice, toDeviceSend{EventType: eventType, Messages: messages})
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) SendRoomEvent(_ context.Context, roomID, eventType string, content any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomEvents = append(f.roomEvents, roomEventSend{RoomID: roomID, EventType: eventType, Content: content})
	return "$event1", nil
}

func (f *fakeAPI) UploadKeys(_ context.Context, deviceKeys *DeviceKeys, oneTimeKeys map[string]SignedKey) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if deviceKeys != nil {
		f.deviceKeys = append(f.deviceKeys, deviceKeys)
	}
	f.uploaded = append(f.uploaded, oneTimeKeys)
	return map[string]int{OneTimeKeyAlgorithm: len(oneTimeKeys)}, nil
}

var _ api = (*fakeAPI)(nil)

// peer is a simulated remote device with real key material.
type peer struct {
	userID   string
	deviceID string
	acct     *olm.Account
}

func newPeer(t *testing.T, userID, deviceID string) *peer {
	t.Helper()
	acct, err := olm.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	return &peer{userID: userID, deviceID: deviceID, acct: acct}
}

func (p *peer) identityKey() string { return p.acct.IdentityKey() }

// publishedKeys returns the peer's self-signed device key document.
func (p *peer) publishedKeys(t *testing.T) DeviceKeys {
	t.Helper()
	dk := DeviceKeys{
		UserID:     p.userID,
		DeviceID:   p.deviceID,
		Algorithms: []string{AlgorithmOlm, AlgorithmMegolm},
		Keys: map[string]string{
			"curve25519:" + p.deviceID: p.acct.IdentityKey(),
			"ed25519:" + p.deviceID:    p.acct.SigningKey(),
		},
	}
	signed, err := canonicalJSON(dk)
	if err != nil {
		t.Fatal(err)
	}
	dk.Signatures = map[string]map[string]string{
		p.userID: {"ed25519:" + p.deviceID: p.acct.Sign(signed)},
	}
	return dk
}

// claimResponse generates one one-time key and wraps it as a claim result.
func (p *peer) claimResponse(t *testing.T) *KeysClaimResponse {
	t.Helper()
	if err := p.acct.GenerateOneTimeKeys(1); err != nil {
		t.Fatal(err)
	}
	signed, err := signedOneTimeKeys(p.acct, p.userID, p.deviceID)
	if err != nil {
		t.Fatal(err)
	}
	p.acct.MarkKeysAsPublished()
	return &KeysClaimResponse{
		OneTimeKeys: map[string]map[string]map[string]SignedKey{
			p.userID: {p.deviceID: signed},
		},
	}
}

// record returns the store-side view of this peer's device.
func (p *peer) record() *store.DeviceRecord {
	return &store.DeviceRecord{
		UserID:      p.userID,
		DeviceID:    p.deviceID,
		SigningKey:  p.acct.SigningKey(),
		IdentityKey: p.acct.IdentityKey(),
	}
}

func newChatStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(filepath.Join(t.TempDir(), "sessions.json"), "pw", nil)
}

// captureLog returns a logger writing into the returned builder.
func captureLog() (*log.Logger, *strings.Builder) {
	var buf strings.Builder
	return log.New(&buf, "", 0), &buf
}

// encryptPairwiseTo builds the olm to-device content a peer would send us:
// it claims one of our one-time keys directly from acct and pairwise-
// encrypts the payload as a pre-key message.
func encryptPairwiseTo(t *testing.T, p *peer, ourAcct *olm.Account, payloadType string, payload any) *OlmEventContent {
	t.Helper()
	if err := ourAcct.GenerateOneTimeKeys(1); err != nil {
		t.Fatal(err)
	}
	var keyID, key string
	for id, pub := range ourAcct.OneTimeKeys() {
		keyID, key = id, pub
	}
	ourAcct.MarkKeysAsPublished()

	sess, err := olm.NewOutboundSession(p.acct, ourAcct.IdentityKey(), keyID, key)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	inner, err := json.Marshal(PairwisePlaintext{
		Type:      payloadType,
		SenderKey: p.identityKey(),
		Content:   raw,
	})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := sess.Encrypt(inner)
	if err != nil {
		t.Fatal(err)
	}
	return &OlmEventContent{Algorithm: AlgorithmOlm, SenderKey: p.identityKey(), Message: msg}
}

func marshalContent(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}
