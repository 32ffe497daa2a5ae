package blossom_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-thumbnail-dvm/internal/blossom"
	"github.com/tendant/simple-thumbnail-dvm/internal/blossom/blossomtest"
	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

func newClient(t *testing.T) (*blossom.Client, *blossomtest.Server, string) {
	t.Helper()
	srv := blossomtest.NewServer()
	t.Cleanup(srv.Close)

	signer, err := dvm.NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	return blossom.NewClient(srv.URL, blossom.NewIssuer(signer)), srv, signer.PublicKey()
}

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestClientUploadListDelete(t *testing.T) {
	ctx := context.Background()
	client, srv, pubkey := newClient(t)

	blob, err := client.Upload(ctx, writeFile(t, "thumb.jpg", "jpeg-bytes"), "image/jpeg")
	require.NoError(t, err)
	require.Len(t, blob.SHA256, 64)
	require.Equal(t, int64(len("jpeg-bytes")), blob.Size)
	require.Contains(t, blob.URL, blob.SHA256)

	blobs, err := client.List(ctx, pubkey)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	require.Equal(t, blob.SHA256, blobs[0].SHA256)

	require.NoError(t, client.Delete(ctx, blob.SHA256))
	require.Empty(t, srv.Blobs())
}

func TestClientUploadSurfacesServerFailure(t *testing.T) {
	client, srv, _ := newClient(t)
	srv.FailUpload(1)

	_, err := client.Upload(context.Background(), writeFile(t, "thumb.png", "png"), "image/png")
	require.ErrorIs(t, err, blossom.ErrStatus)
	require.Contains(t, err.Error(), "storage failure")
}

func TestClientDeleteMissingBlob(t *testing.T) {
	client, _, _ := newClient(t)
	err := client.Delete(context.Background(), "0000")
	require.ErrorIs(t, err, blossom.ErrStatus)
}

func TestServerRejectsExpiredTokens(t *testing.T) {
	client, srv, pubkey := newClient(t)
	srv.Now = func() time.Time { return time.Now().Add(blossom.TokenTTL + time.Minute) }

	_, err := client.List(context.Background(), pubkey)
	require.ErrorIs(t, err, blossom.ErrStatus)
	rejected := srv.Rejections()
	require.Len(t, rejected, 1)
	require.ErrorIs(t, rejected[0], blossom.ErrTokenExpired)
}
