package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

// ErrDecryption is returned when an encrypted request cannot be opened
var ErrDecryption = errors.New("envelope decryption failed")

// Codec opens encrypted requests and seals results for their requester.
// It only holds the worker's secret key and is safe for concurrent use.
type Codec struct {
	secretKey string
}

// NewCodec creates a codec for the given hex secret key
func NewCodec(secretKey string) *Codec {
	return &Codec{secretKey: secretKey}
}

// DecryptIfNeeded returns the event unchanged when it carries no encrypted marker.
// Otherwise the content is decrypted from the author, parsed as a tag list and
// merged into the clear tags with the marker removed.
func (c *Codec) DecryptIfNeeded(ev nostr.Event) (nostr.Event, bool, error) {
	if !dvm.HasTag(ev.Tags, dvm.TagEncrypted) {
		return ev, false, nil
	}

	key, err := nip04.ComputeSharedSecret(ev.PubKey, c.secretKey)
	if err != nil {
		return ev, true, fmt.Errorf("%w: shared secret: %v", ErrDecryption, err)
	}

	plaintext, err := nip04.Decrypt(ev.Content, key)
	if err != nil {
		return ev, true, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	var hidden nostr.Tags
	if err := json.Unmarshal([]byte(plaintext), &hidden); err != nil {
		return ev, true, fmt.Errorf("%w: payload is not a tag list: %v", ErrDecryption, err)
	}

	tags := make(nostr.Tags, 0, len(ev.Tags)+len(hidden))
	for _, t := range ev.Tags {
		if len(t) > 0 && t[0] == dvm.TagEncrypted {
			continue
		}
		tags = append(tags, t)
	}
	tags = append(tags, hidden...)

	plain := ev
	plain.Tags = tags
	plain.Content = ""
	return plain, true, nil
}

// EncryptIfNeeded mirrors the request's envelope onto a result. Only the event
// and recipient references stay in clear text; every other tag travels
// encrypted to the recipient.
func (c *Codec) EncryptIfNeeded(result nostr.Event, recipient string, wasEncrypted bool) (nostr.Event, error) {
	if !wasEncrypted {
		return result, nil
	}

	clear := make(nostr.Tags, 0, 3)
	hidden := make(nostr.Tags, 0, len(result.Tags))
	for _, t := range result.Tags {
		if len(t) > 0 && (t[0] == dvm.TagEvent || t[0] == dvm.TagPubKey) {
			clear = append(clear, t)
			continue
		}
		hidden = append(hidden, t)
	}

	payload, err := json.Marshal(hidden)
	if err != nil {
		return result, fmt.Errorf("failed to serialize result tags: %w", err)
	}

	key, err := nip04.ComputeSharedSecret(recipient, c.secretKey)
	if err != nil {
		return result, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	ciphertext, err := nip04.Encrypt(string(payload), key)
	if err != nil {
		return result, fmt.Errorf("failed to encrypt result: %w", err)
	}

	sealed := result
	sealed.Tags = append(clear, nostr.Tag{dvm.TagEncrypted})
	sealed.Content = ciphertext
	return sealed, nil
}
