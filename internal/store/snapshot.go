package store

import (
	"encoding/json"
	"fmt"

	"fedchat/internal/olm"
)

const snapshotVersion = 1

// snapshotDoc is the on-disk layout. The document structure is plaintext
// JSON; every session blob inside it is an independently pickled ciphertext.
type snapshotDoc struct {
	Version     int                        `json:"version"`
	Account     []byte                     `json:"account,omitempty"`
	Members     map[string][]string        `json:"members"`
	DeviceLists map[string][]string        `json:"device_lists"`
	Devices     map[string]*DeviceRecord   `json:"devices"`
	PairwiseOut map[string][]byte          `json:"pairwise_outbound"`
	PairwiseIn  map[string][]byte          `json:"pairwise_inbound"`
	GroupOut    map[string]groupOutRecord  `json:"group_outbound"`
	GroupIn     map[string][]byte          `json:"group_inbound"`
	Shared      map[string][]string        `json:"key_shares"`
}

// groupOutRecord carries the share metadata next to the pickled session so
// a restored store can keep distributing the same key.
type groupOutRecord struct {
	SessionID    string `json:"session_id"`
	SessionKey   string `json:"session_key"`
	MessageIndex uint32 `json:"message_index"`
	Pickle       []byte `json:"pickle"`
}

func (s *Store) snapshot() ([]byte, error) {
	doc := snapshotDoc{
		Version:     snapshotVersion,
		Members:     make(map[string][]string, len(s.members)),
		DeviceLists: s.deviceLists,
		Devices:     s.devices,
		PairwiseOut: make(map[string][]byte, len(s.pairwiseOut)),
		PairwiseIn:  make(map[string][]byte, len(s.pairwiseIn)),
		GroupOut:    make(map[string]groupOutRecord, len(s.groupOut)),
		GroupIn:     make(map[string][]byte, len(s.groupIn)),
		Shared:      make(map[string][]string, len(s.shared)),
	}
	if s.account != nil {
		blob, err := olm.Pickle(s.account, s.passphrase)
		if err != nil {
			return nil, fmt.Errorf("store: pickle account: %w", err)
		}
		doc.Account = blob
	}
	for room := range s.members {
		doc.Members[room] = s.Members(room)
	}
	for key, sess := range s.pairwiseOut {
		blob, err := olm.Pickle(sess, s.passphrase)
		if err != nil {
			return nil, fmt.Errorf("store: pickle outbound session %s: %w", key, err)
		}
		doc.PairwiseOut[key] = blob
	}
	for key, sess := range s.pairwiseIn {
		blob, err := olm.Pickle(sess, s.passphrase)
		if err != nil {
			return nil, fmt.Errorf("store: pickle inbound session %s: %w", key, err)
		}
		doc.PairwiseIn[key] = blob
	}
	for room, g := range s.groupOut {
		blob, err := olm.Pickle(g.Session, s.passphrase)
		if err != nil {
			return nil, fmt.Errorf("store: pickle group session for %s: %w", room, err)
		}
		doc.GroupOut[room] = groupOutRecord{
			SessionID:    g.SessionID,
			SessionKey:   g.SessionKey,
			MessageIndex: g.Session.Index,
			Pickle:       blob,
		}
	}
	for key, sess := range s.groupIn {
		blob, err := olm.Pickle(sess, s.passphrase)
		if err != nil {
			return nil, fmt.Errorf("store: pickle inbound group session %s: %w", key, err)
		}
		doc.GroupIn[key] = blob
	}
	for key, devices := range s.shared {
		for id := range devices {
			doc.Shared[key] = append(doc.Shared[key], id)
		}
	}
	return json.MarshalIndent(doc, "", "  ")
}

func (s *Store) restore(data []byte) error {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("store: parse snapshot: %w", err)
	}
	if doc.Version > snapshotVersion {
		return fmt.Errorf("store: unsupported snapshot version %d", doc.Version)
	}
	if len(doc.Account) > 0 {
		var a olm.Account
		if err := olm.Unpickle(doc.Account, s.passphrase, &a); err != nil {
			return fmt.Errorf("store: account: %w", err)
		}
		s.account = &a
	}
	for room, users := range doc.Members {
		for _, user := range users {
			s.RecordMembership(room, user)
		}
	}
	if doc.DeviceLists != nil {
		s.deviceLists = doc.DeviceLists
	}
	if doc.Devices != nil {
		s.devices = doc.Devices
	}
	for key, blob := range doc.PairwiseOut {
		var sess olm.Session
		if err := olm.Unpickle(blob, s.passphrase, &sess); err != nil {
			return fmt.Errorf("store: outbound session %s: %w", key, err)
		}
		s.pairwiseOut[key] = &sess
	}
	for key, blob := range doc.PairwiseIn {
		var sess olm.Session
		if err := olm.Unpickle(blob, s.passphrase, &sess); err != nil {
			return fmt.Errorf("store: inbound session %s: %w", key, err)
		}
		s.pairwiseIn[key] = &sess
	}
	for room, rec := range doc.GroupOut {
		var sess olm.OutboundGroupSession
		if err := olm.Unpickle(rec.Pickle, s.passphrase, &sess); err != nil {
			return fmt.Errorf("store: group session for %s: %w", room, err)
		}
		// The pickled session is authoritative; the plaintext index in the
		// document must agree with it or the snapshot has been tampered with.
		if sess.Index != rec.MessageIndex {
			return fmt.Errorf("store: group session for %s: snapshot index %d disagrees with session index %d",
				room, rec.MessageIndex, sess.Index)
		}
		s.groupOut[room] = &GroupOutbound{Session: &sess, SessionID: rec.SessionID, SessionKey: rec.SessionKey}
	}
	for key, blob := range doc.GroupIn {
		var sess olm.InboundGroupSession
		if err := olm.Unpickle(blob, s.passphrase, &sess); err != nil {
			return fmt.Errorf("store: inbound group session %s: %w", key, err)
		}
		s.groupIn[key] = &sess
	}
	for key, devices := range doc.Shared {
		s.shared[key] = make(map[string]bool, len(devices))
		for _, id := range devices {
			s.shared[key][id] = true
		}
	}
	return nil
}
