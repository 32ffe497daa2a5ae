package dvm

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Signer finalizes events with the worker identity
type Signer interface {
	SignEvent(ev *nostr.Event) error
	PublicKey() string
}

// KeySigner signs with an in-memory hex secret key
type KeySigner struct {
	secretKey string
	publicKey string
}

// NewKeySigner derives the public key and returns a signer
func NewKeySigner(secretKey string) (*KeySigner, error) {
	pub, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	return &KeySigner{secretKey: secretKey, publicKey: pub}, nil
}

// SignEvent sets pubkey, id and signature on ev
func (s *KeySigner) SignEvent(ev *nostr.Event) error {
	return ev.Sign(s.secretKey)
}

// PublicKey returns the hex public key
func (s *KeySigner) PublicKey() string {
	return s.publicKey
}
