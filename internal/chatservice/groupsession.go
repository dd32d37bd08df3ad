package chatservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"fedchat/internal/olm"
	"fedchat/internal/store"
)

// GroupManager keeps one live outbound group session per room this client
// sends to, and makes sure every current member device receives the session
// key before the first ciphertext that depends on it.
type GroupManager struct {
	api      api
	store    *store.Store
	keyx     *KeyExchange
	logger   *log.Logger
	userID   string
	deviceID string
}

func NewGroupManager(a api, st *store.Store, keyx *KeyExchange, userID, deviceID string, logger *log.Logger) *GroupManager {
	return &GroupManager{api: a, store: st, keyx: keyx, userID: userID, deviceID: deviceID, logger: logger}
}

// SendEncrypted group-encrypts content and posts it to the room, first
// distributing the session key to any member device that does not hold it
// yet. Devices whose key claim or key share fails are skipped with a
// warning; they will be retried on the next send.
func (m *GroupManager) SendEncrypted(ctx context.Context, roomID string, content any) (string, error) {
	g, err := m.store.GroupOutbound(roomID)
	if errors.Is(err, store.ErrNotFound) {
		g, err = m.createOutbound(roomID)
	}
	if err != nil {
		return "", err
	}

	if err := m.shareRoomKey(ctx, roomID, g); err != nil {
		return "", err
	}

	acct, err := m.store.Account()
	if err != nil {
		return "", err
	}
	plaintext, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("group send: marshal content: %w", err)
	}
	ciphertext, _, err := g.Session.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("group send: encrypt: %w", err)
	}
	eventID, err := m.api.SendRoomEvent(ctx, roomID, EventTypeEncrypted, MegolmEventContent{
		Algorithm:  AlgorithmMegolm,
		SenderKey:  acct.IdentityKey(),
		SessionID:  g.SessionID,
		DeviceID:   m.deviceID,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return "", fmt.Errorf("group send: %w", err)
	}
	// Refresh the stored record so the advanced message index survives the
	// next snapshot.
	m.store.InstallGroupOutbound(roomID, g.Session, g.SessionID, g.SessionKey)
	return eventID, nil
}

func (m *GroupManager) createOutbound(roomID string) (*store.GroupOutbound, error) {
	sess, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, fmt.Errorf("group send: create session: %w", err)
	}
	key, err := sess.SessionKey()
	if err != nil {
		return nil, fmt.Errorf("group send: export session key: %w", err)
	}
	m.store.InstallGroupOutbound(roomID, sess, sess.ID(), key)
	return m.store.GroupOutbound(roomID)
}

// claimResult carries one device's one-time key claim back to the calling
// goroutine. Claims run concurrently; session construction and every store
// mutation stay on the caller.
type claimResult struct {
	device *store.DeviceRecord
	keyID  string
	key    string
	err    error
}

// shareRoomKey delivers g's session key to every member device missing it.
// Failures are isolated per device: one bad claim or send never aborts the
// fan-out for the rest.
func (m *GroupManager) shareRoomKey(ctx context.Context, roomID string, g *store.GroupOutbound) error {
	acct, err := m.store.Account()
	if err != nil {
		return err
	}
	ourIdentity := acct.IdentityKey()

	recipients := m.recipientDevices(ctx, roomID, g.SessionID)

	// Devices with an existing pairwise session share immediately; the rest
	// need a one-time key claimed first.
	var need []*store.DeviceRecord
	ready := make(map[*store.DeviceRecord]*olm.Session)
	for _, dev := range recipients {
		if sess := m.store.PairwiseOutbound(dev.IdentityKey); sess != nil {
			ready[dev] = sess
		} else {
			need = append(need, dev)
		}
	}

	results := make(chan claimResult, len(need))
	for _, dev := range need {
		go func(dev *store.DeviceRecord) {
			keyID, key, err := m.keyx.ClaimOneTimeKey(ctx, dev)
			results <- claimResult{device: dev, keyID: keyID, key: key, err: err}
		}(dev)
	}
	for range need {
		res := <-results
		if res.err != nil {
			logf(m.logger, "group: skipping device %s/%s: %v", res.device.UserID, res.device.DeviceID, res.err)
			continue
		}
		sess, err := m.keyx.establishPairwise(res.device, res.keyID, res.key)
		if err != nil {
			logf(m.logger, "group: skipping device %s/%s: %v", res.device.UserID, res.device.DeviceID, err)
			continue
		}
		ready[res.device] = sess
	}

	payload, err := json.Marshal(RoomKeyContent{
		Algorithm:  AlgorithmMegolm,
		RoomID:     roomID,
		SessionID:  g.SessionID,
		SessionKey: g.SessionKey,
	})
	if err != nil {
		return fmt.Errorf("group: marshal room key: %w", err)
	}
	inner, err := json.Marshal(PairwisePlaintext{
		Type:      EventTypeRoomKey,
		SenderKey: ourIdentity,
		Content:   payload,
	})
	if err != nil {
		return fmt.Errorf("group: marshal payload: %w", err)
	}

	for dev, sess := range ready {
		msg, err := sess.Encrypt(inner)
		if err != nil {
			logf(m.logger, "group: skipping device %s/%s: %v", dev.UserID, dev.DeviceID, err)
			continue
		}
		send := map[string]map[string]any{
			dev.UserID: {dev.DeviceID: OlmEventContent{
				Algorithm: AlgorithmOlm,
				SenderKey: ourIdentity,
				Message:   msg,
			}},
		}
		if err := m.api.SendToDevice(ctx, EventTypeEncrypted, send); err != nil {
			if errors.Is(err, ErrAuthRejected) {
				return err
			}
			logf(m.logger, "group: key share to %s/%s failed: %v", dev.UserID, dev.DeviceID, err)
			continue
		}
		m.store.MarkKeyShared(roomID, g.SessionID, dev.DeviceID)
	}
	return nil
}

// recipientDevices returns the member devices that still need the current
// session key, querying the directory for members with no known devices.
func (m *GroupManager) recipientDevices(ctx context.Context, roomID, sessionID string) []*store.DeviceRecord {
	var out []*store.DeviceRecord
	for _, user := range m.store.Members(roomID) {
		if !m.store.HasDevicesFor(user) {
			if err := m.keyx.QueryDevices(ctx, user); err != nil {
				logf(m.logger, "group: device query for %s failed: %v", user, err)
				continue
			}
		}
		for _, dev := range m.store.DevicesForUser(user) {
			if dev.UserID == m.userID && dev.DeviceID == m.deviceID {
				continue
			}
			if dev.IdentityKey == "" || m.store.KeyShared(roomID, sessionID, dev.DeviceID) {
				continue
			}
			out = append(out, dev)
		}
	}
	return out
}

// ReceiveRoomKey installs the inbound group session carried by a verified
// pairwise payload. Duplicate deliveries are absorbed by the store.
func (m *GroupManager) ReceiveRoomKey(senderKey string, content *RoomKeyContent) error {
	if content.Algorithm != AlgorithmMegolm {
		return fmt.Errorf("group: unsupported room key algorithm %q", content.Algorithm)
	}
	sess, err := olm.NewInboundGroupSession(content.SessionKey)
	if err != nil {
		return fmt.Errorf("group: import session key: %w", err)
	}
	if sess.ID() != content.SessionID {
		return fmt.Errorf("group: session key is for %q, payload says %q", sess.ID(), content.SessionID)
	}
	m.store.InstallGroupInbound(content.RoomID, content.SessionID, senderKey, sess)
	return nil
}

// DecryptRoomEvent opens one group-encrypted timeline event. A missing
// inbound session surfaces as store.ErrNotFound: a normal condition when
// the key share has not arrived.
func (m *GroupManager) DecryptRoomEvent(ev *Event) (*Message, error) {
	var content MegolmEventContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return nil, fmt.Errorf("group: parse encrypted event %s: %w", ev.EventID, err)
	}
	sess, err := m.store.GroupInbound(ev.RoomID, content.SessionID, content.SenderKey)
	if err != nil {
		return nil, err
	}
	plaintext, index, err := sess.Decrypt(content.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("group: decrypt event %s: %w", ev.EventID, err)
	}
	var body MessageContent
	if err := json.Unmarshal(plaintext, &body); err != nil {
		return nil, fmt.Errorf("group: parse plaintext of %s: %w", ev.EventID, err)
	}
	return &Message{
		RoomID:    ev.RoomID,
		Sender:    ev.Sender,
		EventID:   ev.EventID,
		Body:      body.Body,
		Encrypted: true,
		Index:     index,
	}, nil
}
