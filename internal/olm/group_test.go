package olm

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestGroupRoundTrip(t *testing.T) {
	out, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	key, err := out.SessionKey()
	if err != nil {
		t.Fatal(err)
	}
	in, err := NewInboundGroupSession(key)
	if err != nil {
		t.Fatal(err)
	}
	if in.ID() != out.ID() {
		t.Fatalf("session ID: got %q, want %q", in.ID(), out.ID())
	}

	for i, text := range []string{"first", "second", "third"} {
		ct, idx, err := out.Encrypt([]byte(text))
		if err != nil {
			t.Fatal(err)
		}
		if idx != uint32(i) {
			t.Fatalf("encrypt index: got %d, want %d", idx, i)
		}
		pt, gotIdx, err := in.Decrypt(ct)
		if err != nil {
			t.Fatal(err)
		}
		if gotIdx != idx {
			t.Fatalf("decrypt index: got %d, want %d", gotIdx, idx)
		}
		if !bytes.Equal(pt, []byte(text)) {
			t.Fatalf("plaintext: got %q, want %q", pt, text)
		}
	}
}

func TestGroupOutOfOrderDecrypt(t *testing.T) {
	out, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	key, err := out.SessionKey()
	if err != nil {
		t.Fatal(err)
	}
	in, err := NewInboundGroupSession(key)
	if err != nil {
		t.Fatal(err)
	}

	ct0, _, err := out.Encrypt([]byte("zero"))
	if err != nil {
		t.Fatal(err)
	}
	ct1, _, err := out.Encrypt([]byte("one"))
	if err != nil {
		t.Fatal(err)
	}

	// The earliest ratchet state is retained, so messages decrypt in any
	// order and a second decrypt of the same ciphertext succeeds.
	if pt, _, err := in.Decrypt(ct1); err != nil || !bytes.Equal(pt, []byte("one")) {
		t.Fatalf("decrypt ct1: %q, %v", pt, err)
	}
	if pt, _, err := in.Decrypt(ct0); err != nil || !bytes.Equal(pt, []byte("zero")) {
		t.Fatalf("decrypt ct0: %q, %v", pt, err)
	}
	if pt, _, err := in.Decrypt(ct0); err != nil || !bytes.Equal(pt, []byte("zero")) {
		t.Fatalf("re-decrypt ct0: %q, %v", pt, err)
	}
}

func TestGroupLateJoinerCannotReadHistory(t *testing.T) {
	out, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	early, _, err := out.Encrypt([]byte("before join"))
	if err != nil {
		t.Fatal(err)
	}

	// Export after one message: the ratchet has advanced past index 0.
	key, err := out.SessionKey()
	if err != nil {
		t.Fatal(err)
	}
	in, err := NewInboundGroupSession(key)
	if err != nil {
		t.Fatal(err)
	}
	if in.FirstKnownIndex != 1 {
		t.Fatalf("first known index: got %d, want 1", in.FirstKnownIndex)
	}
	if _, _, err := in.Decrypt(early); err == nil {
		t.Fatal("expected decrypt of pre-join message to fail")
	}

	late, _, err := out.Encrypt([]byte("after join"))
	if err != nil {
		t.Fatal(err)
	}
	pt, idx, err := in.Decrypt(late)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 || !bytes.Equal(pt, []byte("after join")) {
		t.Fatalf("late decrypt: index %d, plaintext %q", idx, pt)
	}
}

func TestGroupSignatureTamper(t *testing.T) {
	out, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	key, err := out.SessionKey()
	if err != nil {
		t.Fatal(err)
	}
	in, err := NewInboundGroupSession(key)
	if err != nil {
		t.Fatal(err)
	}

	// Same ciphertext imported under a different session's signing key.
	other, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	other.SessionID = out.SessionID
	other.Ratchet = out.Ratchet
	ct, _, err := other.Encrypt([]byte("forged"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := in.Decrypt(ct); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}
}

func TestGroupDecryptExcessiveIndexGapRejected(t *testing.T) {
	out, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	key, err := out.SessionKey()
	if err != nil {
		t.Fatal(err)
	}
	in, err := NewInboundGroupSession(key)
	if err != nil {
		t.Fatal(err)
	}

	// A validly signed message with a far-future index (a hostile or badly
	// desynchronized sender) must be refused before the ratchet walk.
	const far = 1 << 30
	body := []byte("way ahead")
	msg := groupMessage{
		Index:      far,
		Ciphertext: body,
		Signature:  ed25519.Sign(out.SigningPriv, groupSigned(out.SessionID, far, body)),
	}
	raw, err := cbor.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := in.Decrypt(b64.EncodeToString(raw)); !errors.Is(err, ErrBadMessage) {
		t.Fatalf("got %v, want ErrBadMessage", err)
	}

	// Genuine traffic still decrypts afterwards.
	ct, _, err := out.Encrypt([]byte("normal"))
	if err != nil {
		t.Fatal(err)
	}
	if pt, _, err := in.Decrypt(ct); err != nil || !bytes.Equal(pt, []byte("normal")) {
		t.Fatalf("decrypt after rejection: %q, %v", pt, err)
	}
}

func TestGroupDecryptAdvancesFromLatestKnownIndex(t *testing.T) {
	out, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	key, err := out.SessionKey()
	if err != nil {
		t.Fatal(err)
	}
	in, err := NewInboundGroupSession(key)
	if err != nil {
		t.Fatal(err)
	}

	var last string
	for i := range 5 {
		ct, _, err := out.Encrypt([]byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			last = ct
		}
		if _, _, err := in.Decrypt(ct); err != nil {
			t.Fatal(err)
		}
	}
	if in.LatestIndex != 4 {
		t.Fatalf("latest index: got %d, want 4", in.LatestIndex)
	}
	// Indices behind the cache still decrypt from the first known state.
	if pt, idx, err := in.Decrypt(last); err != nil || idx != 0 || !bytes.Equal(pt, []byte{0}) {
		t.Fatalf("old message after cache advance: %q, %d, %v", pt, idx, err)
	}
}

func TestGroupSessionKeyMalformed(t *testing.T) {
	if _, err := NewInboundGroupSession("not base64!!"); !errors.Is(err, ErrBadMessage) {
		t.Fatalf("got %v, want ErrBadMessage", err)
	}
	if _, err := NewInboundGroupSession(b64.EncodeToString([]byte("junk"))); !errors.Is(err, ErrBadMessage) {
		t.Fatalf("got %v, want ErrBadMessage", err)
	}
}
