package store

import (
	"errors"
	"log"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"fedchat/internal/olm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "sessions.json"), "test-passphrase", nil)
}

func TestGroupOutboundNotFound(t *testing.T) {
	s := newTestStore(t)
	if s.HasGroupOutbound("!r:x") {
		t.Fatal("empty store reports an outbound session")
	}
	if _, err := s.GroupOutbound("!r:x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestGroupOutboundInstallAndGet(t *testing.T) {
	s := newTestStore(t)
	sess, err := olm.NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	s.InstallGroupOutbound("!r:x", sess, "sid1", "key1")

	if !s.HasGroupOutbound("!r:x") {
		t.Fatal("installed session not reported")
	}
	g, err := s.GroupOutbound("!r:x")
	if err != nil {
		t.Fatal(err)
	}
	if g.SessionID != "sid1" || g.SessionKey != "key1" || g.Session.Index != 0 {
		t.Fatalf("got (%q, %q, %d), want (sid1, key1, 0)", g.SessionID, g.SessionKey, g.Session.Index)
	}
}

func TestGroupOutboundSupersede(t *testing.T) {
	s := newTestStore(t)
	first, err := olm.NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	s.InstallGroupOutbound("!r:x", first, "sid1", "key1")
	s.MarkKeyShared("!r:x", "sid1", "DEV1")

	second, err := olm.NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	s.InstallGroupOutbound("!r:x", second, "sid2", "key2")

	g, err := s.GroupOutbound("!r:x")
	if err != nil {
		t.Fatal(err)
	}
	if g.SessionID != "sid2" {
		t.Fatalf("session ID after supersede: got %q, want sid2", g.SessionID)
	}
	// Bookkeeping for the superseded session does not leak into the new one.
	if s.KeyShared("!r:x", "sid2", "DEV1") {
		t.Fatal("share bookkeeping carried over to the new session")
	}
}

func TestGroupInboundSameSessionIDDistinctSenders(t *testing.T) {
	s := newTestStore(t)
	a := newInbound(t)
	b := newInbound(t)

	s.InstallGroupInbound("!r:x", "sidX", "senderA", a)
	s.InstallGroupInbound("!r:x", "sidX", "senderB", b)

	gotA, err := s.GroupInbound("!r:x", "sidX", "senderA")
	if err != nil {
		t.Fatal(err)
	}
	gotB, err := s.GroupInbound("!r:x", "sidX", "senderB")
	if err != nil {
		t.Fatal(err)
	}
	if gotA != a || gotB != b {
		t.Fatal("sessions with the same ID but different senders were conflated")
	}
}

func TestGroupInboundDuplicateInstallIsNoOp(t *testing.T) {
	var buf strings.Builder
	s := New(filepath.Join(t.TempDir(), "sessions.json"), "pw", log.New(&buf, "", 0))

	first := newInbound(t)
	s.InstallGroupInbound("!r:x", "sid1", "sender", first)
	s.InstallGroupInbound("!r:x", "sid1", "sender", newInbound(t))

	got, err := s.GroupInbound("!r:x", "sid1", "sender")
	if err != nil {
		t.Fatal(err)
	}
	if got != first {
		t.Fatal("duplicate install replaced the original session")
	}
	if !strings.Contains(buf.String(), "duplicate inbound group session") {
		t.Fatalf("expected a duplicate-install warning, log was %q", buf.String())
	}
}

func TestRecordMembershipIdempotent(t *testing.T) {
	s := newTestStore(t)
	s.RecordMembership("!r:x", "@alice:x")
	s.RecordMembership("!r:x", "@alice:x")
	s.RecordMembership("!r:x", "@bob:x")

	got := s.Members("!r:x")
	want := []string{"@alice:x", "@bob:x"}
	if !slices.Equal(got, want) {
		t.Fatalf("members: got %v, want %v", got, want)
	}
}

func TestInstallDeviceFirstWriteWins(t *testing.T) {
	s := newTestStore(t)
	if !s.InstallDevice(&DeviceRecord{UserID: "@a:x", DeviceID: "DEV1", SigningKey: "sk1", IdentityKey: "ik1"}) {
		t.Fatal("first install rejected")
	}
	if s.InstallDevice(&DeviceRecord{UserID: "@a:x", DeviceID: "DEV1", SigningKey: "sk2", IdentityKey: "ik2"}) {
		t.Fatal("second install for the same device accepted")
	}
	rec, err := s.Device("DEV1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.SigningKey != "sk1" {
		t.Fatalf("device keys were replaced: got %q, want sk1", rec.SigningKey)
	}
	if got := len(s.DevicesForUser("@a:x")); got != 1 {
		t.Fatalf("device list length: got %d, want 1", got)
	}
}

func newInbound(t *testing.T) *olm.InboundGroupSession {
	t.Helper()
	out, err := olm.NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	key, err := out.SessionKey()
	if err != nil {
		t.Fatal(err)
	}
	in, err := olm.NewInboundGroupSession(key)
	if err != nil {
		t.Fatal(err)
	}
	return in
}
