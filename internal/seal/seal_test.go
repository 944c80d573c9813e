package seal

import (
	"testing"
	"time"

	"github.com/example/ride-escrow/internal/relay"
)

func TestSealOpenRoundTrip(t *testing.T) {
	alice, err := NewIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	bob, err := NewIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	bobKey, err := ParseBoxKey(bob.BoxPublicKey())
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	aliceKey, err := ParseBoxKey(alice.BoxPublicKey())
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}

	ct, err := alice.Seal([]byte("pickup at dawn"), bobKey)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	pt, err := bob.Open(ct, aliceKey)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(pt) != "pickup at dawn" {
		t.Fatalf("got %q", pt)
	}
}

func TestOpenRejectsTamper(t *testing.T) {
	alice, _ := NewIdentity()
	bob, _ := NewIdentity()
	bobKey, _ := ParseBoxKey(bob.BoxPublicKey())
	aliceKey, _ := ParseBoxKey(alice.BoxPublicKey())

	ct, err := alice.Seal([]byte("secret"), bobKey)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	ct[len(ct)-1] ^= 0xff
	if _, err := bob.Open(ct, aliceKey); err == nil {
		t.Fatal("expected tampered ciphertext to be rejected")
	}
}

func TestOpenRejectsWrongSender(t *testing.T) {
	alice, _ := NewIdentity()
	bob, _ := NewIdentity()
	mallory, _ := NewIdentity()
	bobKey, _ := ParseBoxKey(bob.BoxPublicKey())
	malloryKey, _ := ParseBoxKey(mallory.BoxPublicKey())

	ct, _ := alice.Seal([]byte("secret"), bobKey)
	if _, err := bob.Open(ct, malloryKey); err == nil {
		t.Fatal("expected wrong-sender open to fail")
	}
}

func TestSignVerify(t *testing.T) {
	id, _ := NewIdentity()
	e := id.Sign(relay.Event{
		Kind:      relay.KindHistory,
		Tags:      map[string]string{relay.TagRide: "abc"},
		CreatedAt: time.Now(),
		Content:   []byte("payload"),
	})
	if !Verify(e) {
		t.Fatal("expected valid signature")
	}
	e.Content = append(e.Content, 'x')
	if Verify(e) {
		t.Fatal("expected modified event to fail verification")
	}
}
