package blossom

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

func newTestIssuer(t *testing.T, now time.Time) (*Issuer, *dvm.KeySigner) {
	t.Helper()
	signer, err := dvm.NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	issuer := NewIssuer(signer)
	issuer.now = func() time.Time { return now }
	return issuer, signer
}

func TestIssuerBuildsScopedTokens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	issuer, signer := newTestIssuer(t, now)

	tests := []struct {
		name   string
		issue  func() (Token, error)
		op     string
		detail nostr.Tag
	}{
		{"upload", func() (Token, error) { return issuer.Upload(2048) }, OpUpload, nostr.Tag{"size", "2048"}},
		{"list", issuer.List, OpList, nil},
		{"delete", func() (Token, error) { return issuer.Delete("abc123") }, OpDelete, nostr.Tag{"x", "abc123"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := tt.issue()
			require.NoError(t, err)

			ev, err := ParseToken(token.Header(), now)
			require.NoError(t, err)
			require.Equal(t, dvm.KindBlossomAuth, ev.Kind)
			require.Equal(t, signer.PublicKey(), ev.PubKey)
			require.Equal(t, tt.op, Operation(ev))
			require.NotEmpty(t, ev.Content)
			require.Equal(t, "1700000600", dvm.FindTag(ev.Tags, "expiration")[1])
			require.NotEmpty(t, dvm.FindTag(ev.Tags, "name")[1])
			if tt.detail != nil {
				require.Equal(t, tt.detail, dvm.FindTag(ev.Tags, tt.detail[0]))
			} else {
				require.Nil(t, dvm.FindTag(ev.Tags, "size"))
				require.Nil(t, dvm.FindTag(ev.Tags, "x"))
			}
		})
	}
}

func TestIssuerNeverRepeatsTokens(t *testing.T) {
	issuer, _ := newTestIssuer(t, time.Unix(1_700_000_000, 0))

	seen := make(map[Token]bool)
	for i := 0; i < 50; i++ {
		token, err := issuer.List()
		require.NoError(t, err)
		require.False(t, seen[token], "token issued twice")
		seen[token] = true
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	issuer, _ := newTestIssuer(t, now)

	token, err := issuer.Upload(10)
	require.NoError(t, err)

	_, err = ParseToken(token.Header(), now.Add(TokenTTL-time.Second))
	require.NoError(t, err)

	_, err = ParseToken(token.Header(), now.Add(TokenTTL))
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestParseTokenRejectsTampering(t *testing.T) {
	_, err := ParseToken("Nostr not-base64!!", time.Now())
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseToken("", time.Now())
	require.ErrorIs(t, err, ErrInvalidToken)

	signer, err := dvm.NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	token, err := NewIssuer(signer).List()
	require.NoError(t, err)
	ev, err := ParseToken(token.Header(), time.Now())
	require.NoError(t, err)

	ev.Content = "changed after signing"
	_, err = ParseToken(Token(encodeEvent(t, ev)).Header(), time.Now())
	require.ErrorIs(t, err, ErrInvalidToken)
}

func encodeEvent(t *testing.T, ev *nostr.Event) string {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}
