// Package store holds all session and directory state for a fedchat client:
// the device account, the device-key directory, room membership, pairwise
// sessions, and group sessions. The store is owned by a single goroutine;
// every mutator is synchronous and in-memory. Save is the only operation
// that touches disk.
package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"

	"fedchat/internal/olm"
)

// ErrNotFound is returned by lookups with no matching session or record.
// It is an expected condition; callers decide whether to establish a new
// session or request a key re-share.
var ErrNotFound = errors.New("store: not found")

// DeviceRecord is one remote device's verified key material. Records are
// never mutated after install; a re-query keeps the first-seen keys.
type DeviceRecord struct {
	UserID      string            `json:"user_id"`
	DeviceID    string            `json:"device_id"`
	SigningKey  string            `json:"signing_key"`
	IdentityKey string            `json:"identity_key"`
	Unsigned    map[string]string `json:"unsigned,omitempty"`
}

// GroupOutbound is the live outbound group session for one room, together
// with the metadata attached to every key share derived from it.
type GroupOutbound struct {
	Session    *olm.OutboundGroupSession
	SessionID  string
	SessionKey string
}

// Store is the authoritative session state. All maps are exclusively owned;
// components hold a *Store reference and never copy session handles across
// goroutines.
type Store struct {
	path       string
	passphrase string
	logger     *log.Logger

	account *olm.Account

	members     map[string]map[string]bool // room_id -> joined user_ids
	deviceLists map[string][]string        // user_id -> device_ids, in discovery order
	devices     map[string]*DeviceRecord   // device_id -> record

	pairwiseOut map[string]*olm.Session // remote identity key -> outbound session
	pairwiseIn  map[string]*olm.Session // remote identity key -> inbound session

	groupOut map[string]*GroupOutbound            // room_id -> outbound session
	groupIn  map[string]*olm.InboundGroupSession  // composite key -> inbound session
	shared   map[string]map[string]bool           // room_id|session_id -> device_ids given the key
}

// New creates an empty store backed by the snapshot file at path. Session
// blobs in the snapshot are encrypted with the passphrase.
func New(path, passphrase string, logger *log.Logger) *Store {
	return &Store{
		path:        path,
		passphrase:  passphrase,
		logger:      logger,
		members:     make(map[string]map[string]bool),
		deviceLists: make(map[string][]string),
		devices:     make(map[string]*DeviceRecord),
		pairwiseOut: make(map[string]*olm.Session),
		pairwiseIn:  make(map[string]*olm.Session),
		groupOut:    make(map[string]*GroupOutbound),
		groupIn:     make(map[string]*olm.InboundGroupSession),
		shared:      make(map[string]map[string]bool),
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Account returns the device identity, generating one on first use.
func (s *Store) Account() (*olm.Account, error) {
	if s.account == nil {
		a, err := olm.NewAccount()
		if err != nil {
			return nil, err
		}
		s.account = a
	}
	return s.account, nil
}

// SetAccount installs a restored identity, replacing any generated one.
func (s *Store) SetAccount(a *olm.Account) { s.account = a }

// RecordMembership marks user as joined to room. Idempotent.
func (s *Store) RecordMembership(room, user string) {
	if s.members[room] == nil {
		s.members[room] = make(map[string]bool)
	}
	s.members[room][user] = true
}

// Members returns the users believed to be joined to room, sorted.
func (s *Store) Members(room string) []string {
	out := make([]string, 0, len(s.members[room]))
	for user := range s.members[room] {
		out = append(out, user)
	}
	slices.Sort(out)
	return out
}

// InstallDevice adds a device record if none exists for that device ID.
// The first write wins: keys learned once are never replaced, so a record
// that is already present is left untouched and false is returned.
func (s *Store) InstallDevice(rec *DeviceRecord) bool {
	if _, ok := s.devices[rec.DeviceID]; ok {
		return false
	}
	s.devices[rec.DeviceID] = rec
	if !slices.Contains(s.deviceLists[rec.UserID], rec.DeviceID) {
		s.deviceLists[rec.UserID] = append(s.deviceLists[rec.UserID], rec.DeviceID)
	}
	return true
}

// Device returns the record for a device ID.
func (s *Store) Device(deviceID string) (*DeviceRecord, error) {
	rec, ok := s.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: device %q", ErrNotFound, deviceID)
	}
	return rec, nil
}

// DevicesForUser returns the user's known devices in discovery order.
func (s *Store) DevicesForUser(user string) []*DeviceRecord {
	ids := s.deviceLists[user]
	out := make([]*DeviceRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.devices[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// HasDevicesFor reports whether any device keys are known for user.
func (s *Store) HasDevicesFor(user string) bool {
	return len(s.deviceLists[user]) > 0
}

// PairwiseOutbound returns the outbound session toward the given remote
// identity key, or nil if none has been established.
func (s *Store) PairwiseOutbound(identityKey string) *olm.Session {
	return s.pairwiseOut[identityKey]
}

// PairwiseInbound returns the inbound session from the given remote
// identity key, or nil.
func (s *Store) PairwiseInbound(identityKey string) *olm.Session {
	return s.pairwiseIn[identityKey]
}

// InstallPairwiseOutbound binds an outbound session to a remote identity key.
func (s *Store) InstallPairwiseOutbound(identityKey string, sess *olm.Session) {
	s.pairwiseOut[identityKey] = sess
}

// InstallPairwiseInbound binds an inbound session to a remote identity key.
// Pre-key messages always carry a fresh session, so a replace is normal here.
func (s *Store) InstallPairwiseInbound(identityKey string, sess *olm.Session) {
	s.pairwiseIn[identityKey] = sess
}

// HasGroupOutbound reports whether room has a live outbound group session.
func (s *Store) HasGroupOutbound(room string) bool {
	_, ok := s.groupOut[room]
	return ok
}

// GroupOutbound returns room's outbound group session and its share
// metadata, failing with ErrNotFound if none exists.
func (s *Store) GroupOutbound(room string) (*GroupOutbound, error) {
	g, ok := s.groupOut[room]
	if !ok {
		return nil, fmt.Errorf("%w: no outbound group session for %q", ErrNotFound, room)
	}
	return g, nil
}

// InstallGroupOutbound replaces room's outbound session unconditionally.
// Supersede semantics: the caller has already decided rotation is wanted.
// Share bookkeeping for the superseded session is dropped with it.
func (s *Store) InstallGroupOutbound(room string, sess *olm.OutboundGroupSession, sessionID, sessionKey string) {
	if prev, ok := s.groupOut[room]; ok && prev.SessionID != sessionID {
		delete(s.shared, sharedKey(room, prev.SessionID))
	}
	s.groupOut[room] = &GroupOutbound{Session: sess, SessionID: sessionID, SessionKey: sessionKey}
}

// groupInKey flattens the (room, session, sender) triple. The sender key is
// part of the binding: the same session ID from two senders must not share
// decrypt state.
func groupInKey(room, sessionID, senderKey string) string {
	return room + "|" + sessionID + "|" + senderKey
}

func sharedKey(room, sessionID string) string {
	return room + "|" + sessionID
}

// HasGroupInbound reports whether an inbound session exists for the triple.
func (s *Store) HasGroupInbound(room, sessionID, senderKey string) bool {
	_, ok := s.groupIn[groupInKey(room, sessionID, senderKey)]
	return ok
}

// InstallGroupInbound stores an inbound group session. Duplicate room-key
// deliveries are expected; a second install for the same triple is a warned
// no-op so the first session's decrypt capability stays intact.
func (s *Store) InstallGroupInbound(room, sessionID, senderKey string, sess *olm.InboundGroupSession) {
	key := groupInKey(room, sessionID, senderKey)
	if _, ok := s.groupIn[key]; ok {
		s.logf("store: duplicate inbound group session for room=%s session=%s sender=%s, keeping existing", room, sessionID, senderKey)
		return
	}
	s.groupIn[key] = sess
}

// GroupInbound returns the inbound session for the triple, failing with
// ErrNotFound if the key share has not arrived.
func (s *Store) GroupInbound(room, sessionID, senderKey string) (*olm.InboundGroupSession, error) {
	sess, ok := s.groupIn[groupInKey(room, sessionID, senderKey)]
	if !ok {
		return nil, fmt.Errorf("%w: no inbound group session for room=%s session=%s sender=%s", ErrNotFound, room, sessionID, senderKey)
	}
	return sess, nil
}

// MarkKeyShared records that device already holds room's session key, so
// later sends skip re-sharing it.
func (s *Store) MarkKeyShared(room, sessionID, deviceID string) {
	key := sharedKey(room, sessionID)
	if s.shared[key] == nil {
		s.shared[key] = make(map[string]bool)
	}
	s.shared[key][deviceID] = true
}

// KeyShared reports whether device already received room's session key.
func (s *Store) KeyShared(room, sessionID, deviceID string) bool {
	return s.shared[sharedKey(room, sessionID)][deviceID]
}

// Save writes the snapshot to the store's path. The file is replaced
// atomically and readable only by the owner.
func (s *Store) Save() error {
	doc, err := s.snapshot()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("store: create dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, doc, 0600); err != nil {
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: replace snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot from disk. A missing file is a valid first run
// and leaves the store empty.
func (s *Store) Load() error {
	doc, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read snapshot: %w", err)
	}
	return s.restore(doc)
}
