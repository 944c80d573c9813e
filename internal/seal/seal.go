// Package seal provides the authenticated encryption and signing surface
// the coordinator depends on. Ciphertexts are tamper-evident; a failed
// open is treated upstream as a malformed event, not a security alarm.
package seal

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/nacl/box"

	"github.com/example/ride-escrow/internal/relay"
)

var ErrOpenFailed = errors.New("seal: ciphertext rejected")

// BoxKey is a curve25519 key used with nacl box.
type BoxKey [32]byte

func (k BoxKey) Hex() string { return hex.EncodeToString(k[:]) }

// ParseBoxKey decodes a hex-encoded box public key.
func ParseBoxKey(s string) (BoxKey, error) {
	var k BoxKey
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return k, fmt.Errorf("seal: bad box key %q", s)
	}
	copy(k[:], b)
	return k, nil
}

// Identity holds a party's long-lived signing and encryption keys. The
// signing public key doubles as the party's relay author identity, which
// the state machine uses to resolve the acting role.
type Identity struct {
	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey
	boxPub   BoxKey
	boxPriv  BoxKey
}

func NewIdentity() (*Identity, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	boxPub, boxPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{signPub: signPub, signPriv: signPriv, boxPub: BoxKey(*boxPub), boxPriv: BoxKey(*boxPriv)}, nil
}

// PublicKey is the hex signing key other parties see as the event author.
func (id *Identity) PublicKey() string { return hex.EncodeToString(id.signPub) }

// BoxPublicKey is the hex encryption key counterparties seal to.
func (id *Identity) BoxPublicKey() string { return id.boxPub.Hex() }

// Seal encrypts plaintext to the recipient with a fresh random nonce
// prepended to the ciphertext.
func (id *Identity) Seal(plaintext []byte, recipient BoxKey) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	priv := [32]byte(id.boxPriv)
	rec := [32]byte(recipient)
	out := box.Seal(nonce[:], plaintext, &nonce, &rec, &priv)
	return out, nil
}

// Open authenticates and decrypts a ciphertext from the sender.
func (id *Identity) Open(ciphertext []byte, sender BoxKey) ([]byte, error) {
	if len(ciphertext) < 24 {
		return nil, ErrOpenFailed
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	priv := [32]byte(id.boxPriv)
	snd := [32]byte(sender)
	plain, ok := box.Open(nil, ciphertext[24:], &nonce, &snd, &priv)
	if !ok {
		return nil, ErrOpenFailed
	}
	return plain, nil
}

// Sign stamps the event with the identity's author key and signature.
func (id *Identity) Sign(e relay.Event) relay.Event {
	e.Author = id.PublicKey()
	e.Sig = ed25519.Sign(id.signPriv, signable(e))
	return e
}

// Verify checks the event signature against its embedded author key.
func Verify(e relay.Event) bool {
	pub, err := hex.DecodeString(e.Author)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), signable(e), e.Sig)
}

// signable is the canonical byte form covered by the signature.
func signable(e relay.Event) []byte {
	tags := make([]string, 0, len(e.Tags))
	for k, v := range e.Tags {
		tags = append(tags, k+"="+v)
	}
	sort.Strings(tags)
	head := strings.Join([]string{e.Kind, e.Author, strings.Join(tags, ","), e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z")}, "|")
	return append([]byte(head+"|"), e.Content...)
}
