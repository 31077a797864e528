package images

import (
	"context"
	"testing"

	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBase_PinnedDigest(t *testing.T) {
	client, err := NewClient(t.TempDir())
	require.NoError(t, err)

	// Digest references resolve locally, no registry round trip
	ref := "python@sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	name, digest, err := client.ResolveBase(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "docker.io/library/python@sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", name)
	assert.Equal(t, "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", digest.String())
}

func TestResolveBase_RejectsUnpinned(t *testing.T) {
	client, err := NewClient(t.TempDir())
	require.NoError(t, err)

	for _, ref := range []string{"python", "python:latest", "docker.io/library/python:latest"} {
		_, _, err := client.ResolveBase(context.Background(), ref)
		assert.ErrorIs(t, err, ErrUnpinnedBase, "ref %q must be rejected", ref)
	}
}

func TestResolveBase_RejectsInvalidName(t *testing.T) {
	client, err := NewClient(t.TempDir())
	require.NoError(t, err)

	_, _, err = client.ResolveBase(context.Background(), "UPPER CASE??")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestExportAndReadBack(t *testing.T) {
	client, err := NewClient(t.TempDir())
	require.NoError(t, err)

	img, err := random.Image(1024, 2)
	require.NoError(t, err)

	digest, err := client.Export(img, "build-abc")
	require.NoError(t, err)

	want, err := img.Digest()
	require.NoError(t, err)
	assert.Equal(t, want, digest)

	got, err := client.ImageByDigest(digest)
	require.NoError(t, err)
	gotDigest, err := got.Digest()
	require.NoError(t, err)
	assert.Equal(t, want, gotDigest)
}

func TestExport_SharedBlobsAcrossRefs(t *testing.T) {
	client, err := NewClient(t.TempDir())
	require.NoError(t, err)

	img, err := random.Image(1024, 1)
	require.NoError(t, err)

	_, err = client.Export(img, "build-1")
	require.NoError(t, err)
	_, err = client.Export(img, "build-2")
	require.NoError(t, err)

	// Removing one ref leaves the other readable
	require.NoError(t, client.RemoveRef("build-1"))

	digest, err := img.Digest()
	require.NoError(t, err)
	_, err = client.ImageByDigest(digest)
	assert.NoError(t, err)
}

func TestUnpackRootfs_UnknownReference(t *testing.T) {
	client, err := NewClient(t.TempDir())
	require.NoError(t, err)

	// Seed the layout so the CAS engine opens, then ask for a missing tag
	img, err := random.Image(256, 1)
	require.NoError(t, err)
	_, err = client.Export(img, "present")
	require.NoError(t, err)

	err = client.UnpackRootfs(context.Background(), "absent", t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDigestToLayoutTag(t *testing.T) {
	assert.Equal(t, "abc123", digestToLayoutTag("sha256:abc123"))
	assert.Equal(t, "abc123", digestToLayoutTag("abc123"))
}
