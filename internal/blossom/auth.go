package blossom

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

// TokenTTL is how long an issued capability token stays valid
const TokenTTL = 10 * time.Minute

// Operations a token can authorize
const (
	OpUpload = "upload"
	OpList   = "list"
	OpDelete = "delete"
)

var (
	// ErrInvalidToken is returned when a token cannot be decoded or verified
	ErrInvalidToken = errors.New("invalid blossom token")

	// ErrTokenExpired is returned when a token's expiration has passed
	ErrTokenExpired = errors.New("blossom token expired")
)

// Token is a base64-encoded, signed kind 24242 authorization event
type Token string

// Header returns the Authorization header value for the token
func (t Token) Header() string {
	return "Nostr " + string(t)
}

// Issuer mints a fresh token for every outbound blob call. Tokens are never
// cached: each carries a random nonce so no two are identical.
type Issuer struct {
	signer dvm.Signer
	now    func() time.Time
}

// NewIssuer creates a token issuer signing with the given identity
func NewIssuer(signer dvm.Signer) *Issuer {
	return &Issuer{signer: signer, now: time.Now}
}

// Upload authorizes uploading a blob of the given byte size
func (i *Issuer) Upload(size int64) (Token, error) {
	return i.issue(OpUpload, "Upload thumbnail", nostr.Tag{"size", strconv.FormatInt(size, 10)})
}

// List authorizes listing the worker's blobs
func (i *Issuer) List() (Token, error) {
	return i.issue(OpList, "List blobs", nil)
}

// Delete authorizes deleting the blob with the given sha256
func (i *Issuer) Delete(sha256 string) (Token, error) {
	return i.issue(OpDelete, "Delete expired thumbnail", nostr.Tag{"x", sha256})
}

func (i *Issuer) issue(op, purpose string, detail nostr.Tag) (Token, error) {
	now := i.now()

	tags := nostr.Tags{{"t", op}}
	if detail != nil {
		tags = append(tags, detail)
	}
	tags = append(tags,
		nostr.Tag{"name", uuid.NewString()},
		nostr.Tag{"expiration", strconv.FormatInt(now.Add(TokenTTL).Unix(), 10)},
	)

	ev := nostr.Event{
		CreatedAt: nostr.Timestamp(now.Unix()),
		Kind:      dvm.KindBlossomAuth,
		Content:   purpose,
		Tags:      tags,
	}
	if err := i.signer.SignEvent(&ev); err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", op, err)
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s token: %w", op, err)
	}
	return Token(base64.StdEncoding.EncodeToString(raw)), nil
}

// ParseToken decodes an Authorization header value and verifies signature,
// kind and expiration against now. It is the check a Blossom server applies.
func ParseToken(header string, now time.Time) (*nostr.Event, error) {
	encoded := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "Nostr "))
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var ev nostr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if ev.Kind != dvm.KindBlossomAuth {
		return nil, fmt.Errorf("%w: unexpected kind %d", ErrInvalidToken, ev.Kind)
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}

	exp := dvm.FindTag(ev.Tags, "expiration")
	if len(exp) < 2 {
		return nil, fmt.Errorf("%w: missing expiration", ErrInvalidToken)
	}
	expiresAt, err := strconv.ParseInt(exp[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad expiration %q", ErrInvalidToken, exp[1])
	}
	if now.Unix() >= expiresAt {
		return nil, ErrTokenExpired
	}

	return &ev, nil
}

// Operation returns the value of the token's "t" tag
func Operation(ev *nostr.Event) string {
	if t := dvm.FindTag(ev.Tags, "t"); len(t) >= 2 {
		return t[1]
	}
	return ""
}
