package chatservice

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"fedchat/internal/olm"
	"fedchat/internal/store"
)

// groupHarness is a room with two remote devices for the same member, one
// of which fails key claiming.
type groupHarness struct {
	api    *fakeAPI
	store  *store.Store
	groups *GroupManager
	good   *peer
	bad    *peer
	log    *strings.Builder
}

func newGroupHarness(t *testing.T) *groupHarness {
	t.Helper()
	st := newChatStore(t)
	good := newPeer(t, "@alice:x", "DEV_GOOD")
	bad := newPeer(t, "@alice:x", "DEV_BAD")
	st.RecordMembership("!r:x", "@alice:x")
	st.InstallDevice(good.record())
	st.InstallDevice(bad.record())

	// Claims run on fan-out goroutines, so responses are prepared here on
	// the test goroutine.
	goodClaim := good.claimResponse(t)
	api := &fakeAPI{
		claimFn: func(claims map[string]map[string]string) (*KeysClaimResponse, error) {
			if _, ok := claims["@alice:x"]["DEV_BAD"]; ok {
				return nil, errors.New("claim refused")
			}
			return goodClaim, nil
		},
	}
	logger, buf := captureLog()
	keyx := NewKeyExchange(api, st, logger)
	groups := NewGroupManager(api, st, keyx, "@me:x", "MYDEV", logger)
	return &groupHarness{api: api, store: st, groups: groups, good: good, bad: bad, log: buf}
}

func TestSendEncryptedFanOut(t *testing.T) {
	h := newGroupHarness(t)

	eventID, err := h.groups.SendEncrypted(context.Background(), "!r:x", MessageContent{MsgType: "m.text", Body: "hello room"})
	if err != nil {
		t.Fatal(err)
	}
	if eventID == "" {
		t.Fatal("no event ID returned")
	}

	// The failing device was skipped with a warning, not fatal.
	if !strings.Contains(h.log.String(), "DEV_BAD") {
		t.Fatalf("expected a skip warning for DEV_BAD, log was %q", h.log.String())
	}
	if len(h.api.toDevice) != 1 {
		t.Fatalf("to-device sends: got %d, want 1", len(h.api.toDevice))
	}
	if len(h.api.roomEvents) != 1 {
		t.Fatalf("room events: got %d, want 1", len(h.api.roomEvents))
	}

	// The surviving device can walk the full path: pairwise-decrypt the key
	// share, import the group session, decrypt the room ciphertext.
	content, ok := h.api.toDevice[0].Messages["@alice:x"]["DEV_GOOD"].(OlmEventContent)
	if !ok {
		t.Fatalf("unexpected to-device payload %T", h.api.toDevice[0].Messages["@alice:x"]["DEV_GOOD"])
	}
	sess, err := olm.NewInboundSession(h.good.acct, content.Message)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := sess.Decrypt(content.Message)
	if err != nil {
		t.Fatal(err)
	}
	var inner PairwisePlaintext
	if err := json.Unmarshal(pt, &inner); err != nil {
		t.Fatal(err)
	}
	if inner.Type != EventTypeRoomKey {
		t.Fatalf("key share type: got %q", inner.Type)
	}
	var roomKey RoomKeyContent
	if err := json.Unmarshal(inner.Content, &roomKey); err != nil {
		t.Fatal(err)
	}
	if roomKey.RoomID != "!r:x" {
		t.Fatalf("room key room: got %q", roomKey.RoomID)
	}
	groupSess, err := olm.NewInboundGroupSession(roomKey.SessionKey)
	if err != nil {
		t.Fatal(err)
	}

	event := h.api.roomEvents[0].Content.(MegolmEventContent)
	if event.SessionID != roomKey.SessionID {
		t.Fatal("room event references a different session than the key share")
	}
	plaintext, index, err := groupSess.Decrypt(event.Ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if index != 0 {
		t.Fatalf("first message index: got %d, want 0", index)
	}
	var body MessageContent
	if err := json.Unmarshal(plaintext, &body); err != nil {
		t.Fatal(err)
	}
	if body.Body != "hello room" {
		t.Fatalf("plaintext: got %q", body.Body)
	}
}

func TestSendEncryptedSkipsAlreadySharedDevices(t *testing.T) {
	h := newGroupHarness(t)
	ctx := context.Background()

	if _, err := h.groups.SendEncrypted(ctx, "!r:x", MessageContent{MsgType: "m.text", Body: "one"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.groups.SendEncrypted(ctx, "!r:x", MessageContent{MsgType: "m.text", Body: "two"}); err != nil {
		t.Fatal(err)
	}

	// DEV_GOOD got the key exactly once; only the room events repeat.
	if len(h.api.toDevice) != 1 {
		t.Fatalf("to-device sends after two sends: got %d, want 1", len(h.api.toDevice))
	}
	if len(h.api.roomEvents) != 2 {
		t.Fatalf("room events: got %d, want 2", len(h.api.roomEvents))
	}

	// The session survived both sends and the index advanced.
	g, err := h.store.GroupOutbound("!r:x")
	if err != nil {
		t.Fatal(err)
	}
	if g.Session.Index != 2 {
		t.Fatalf("message index after two sends: got %d, want 2", g.Session.Index)
	}
}

func TestSendEncryptedInstallsReusablePairwiseSession(t *testing.T) {
	h := newGroupHarness(t)
	ctx := context.Background()

	if _, err := h.groups.SendEncrypted(ctx, "!r:x", MessageContent{MsgType: "m.text", Body: "hi"}); err != nil {
		t.Fatal(err)
	}

	// The fan-out path installs through the same construction as the direct
	// establish path, so the session is visible to both and reused without
	// another claim.
	installed := h.store.PairwiseOutbound(h.good.identityKey())
	if installed == nil {
		t.Fatal("fan-out did not install the pairwise session")
	}
	claims := h.api.claimCalls
	sess, err := h.groups.keyx.EstablishOrReusePairwise(ctx, h.good.record())
	if err != nil {
		t.Fatal(err)
	}
	if sess != installed {
		t.Fatal("establish path built a second session for the same device")
	}
	if h.api.claimCalls != claims {
		t.Fatalf("claim calls grew from %d to %d", claims, h.api.claimCalls)
	}
}

func TestSendEncryptedQueriesUnknownMembers(t *testing.T) {
	st := newChatStore(t)
	member := newPeer(t, "@carol:x", "CDEV")
	st.RecordMembership("!r:x", "@carol:x")

	claim := member.claimResponse(t)
	api := &fakeAPI{
		queryFn: func(userIDs []string) (*KeysQueryResponse, error) {
			return &KeysQueryResponse{DeviceKeys: map[string]map[string]DeviceKeys{
				"@carol:x": {"CDEV": member.publishedKeys(t)},
			}}, nil
		},
		claimFn: func(map[string]map[string]string) (*KeysClaimResponse, error) {
			return claim, nil
		},
	}
	keyx := NewKeyExchange(api, st, nil)
	groups := NewGroupManager(api, st, keyx, "@me:x", "MYDEV", nil)

	if _, err := groups.SendEncrypted(context.Background(), "!r:x", MessageContent{MsgType: "m.text", Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Device("CDEV"); err != nil {
		t.Fatalf("member device not queried during send: %v", err)
	}
	if len(api.toDevice) != 1 {
		t.Fatalf("to-device sends: got %d, want 1", len(api.toDevice))
	}
}

func TestReceiveRoomKeyAndDecrypt(t *testing.T) {
	st := newChatStore(t)
	groups := NewGroupManager(&fakeAPI{}, st, NewKeyExchange(&fakeAPI{}, st, nil), "@me:x", "MYDEV", nil)

	sender, err := olm.NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	key, err := sender.SessionKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := groups.ReceiveRoomKey("senderIK", &RoomKeyContent{
		Algorithm: AlgorithmMegolm, RoomID: "!r:x", SessionID: sender.ID(), SessionKey: key,
	}); err != nil {
		t.Fatal(err)
	}

	ct, _, err := sender.Encrypt(marshalContent(t, MessageContent{MsgType: "m.text", Body: "knock"}))
	if err != nil {
		t.Fatal(err)
	}
	msg, err := groups.DecryptRoomEvent(&Event{
		Type:    EventTypeEncrypted,
		RoomID:  "!r:x",
		Sender:  "@bob:x",
		EventID: "$e1",
		Content: marshalContent(t, MegolmEventContent{
			Algorithm: AlgorithmMegolm, SenderKey: "senderIK", SessionID: sender.ID(), Ciphertext: ct,
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Body != "knock" || !msg.Encrypted || msg.Index != 0 {
		t.Fatalf("decrypted message: %+v", msg)
	}
}

func TestDecryptRoomEventNoSession(t *testing.T) {
	st := newChatStore(t)
	groups := NewGroupManager(&fakeAPI{}, st, NewKeyExchange(&fakeAPI{}, st, nil), "@me:x", "MYDEV", nil)

	_, err := groups.DecryptRoomEvent(&Event{
		Type:   EventTypeEncrypted,
		RoomID: "!r:x",
		Content: marshalContent(t, MegolmEventContent{
			Algorithm: AlgorithmMegolm, SenderKey: "ik", SessionID: "sid", Ciphertext: "x",
		}),
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want store.ErrNotFound", err)
	}
}
