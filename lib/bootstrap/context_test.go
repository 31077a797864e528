package bootstrap

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// contextArchive builds a tar.gz archive from the given entries for tests.
type archiveEntry struct {
	name     string
	typeflag byte
	linkname string
	data     string
}

func contextArchive(t *testing.T, entries []archiveEntry) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     0644,
		}
		if e.typeflag == tar.TypeDir {
			hdr.Mode = 0755
		}
		if e.typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.data))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.data))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return &buf
}

func TestExtractContext(t *testing.T) {
	dest := t.TempDir()
	archive := contextArchive(t, []archiveEntry{
		{name: "src", typeflag: tar.TypeDir},
		{name: "src/main.py", typeflag: tar.TypeReg, data: "print('hi')\n"},
		{name: "requirements.txt", typeflag: tar.TypeReg, data: "flask==2.3.0\n"},
	})

	n, err := ExtractContext(archive, dest, 1<<20)
	require.NoError(t, err)
	assert.Greater(t, n, int64(0))

	data, err := os.ReadFile(filepath.Join(dest, "src", "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(data))

	_, err = os.Stat(filepath.Join(dest, "requirements.txt"))
	assert.NoError(t, err)
}

func TestExtractContext_RejectsTraversal(t *testing.T) {
	dest := t.TempDir()
	archive := contextArchive(t, []archiveEntry{
		{name: "../escape.txt", typeflag: tar.TypeReg, data: "nope"},
	})

	_, err := ExtractContext(archive, dest, 1<<20)
	assert.ErrorIs(t, err, ErrInvalidContextPath)
}

func TestExtractContext_RejectsAbsolutePath(t *testing.T) {
	dest := t.TempDir()
	archive := contextArchive(t, []archiveEntry{
		{name: "/etc/shadow", typeflag: tar.TypeReg, data: "nope"},
	})

	_, err := ExtractContext(archive, dest, 1<<20)
	assert.ErrorIs(t, err, ErrInvalidContextPath)
}

func TestExtractContext_RejectsEscapingSymlink(t *testing.T) {
	dest := t.TempDir()
	archive := contextArchive(t, []archiveEntry{
		{name: "link", typeflag: tar.TypeSymlink, linkname: "../../etc/passwd"},
	})

	_, err := ExtractContext(archive, dest, 1<<20)
	assert.ErrorIs(t, err, ErrInvalidContextPath)
}

func TestExtractContext_RejectsAbsoluteSymlink(t *testing.T) {
	dest := t.TempDir()
	archive := contextArchive(t, []archiveEntry{
		{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"},
	})

	_, err := ExtractContext(archive, dest, 1<<20)
	assert.ErrorIs(t, err, ErrInvalidContextPath)
}

func TestExtractContext_AllowsInternalSymlink(t *testing.T) {
	dest := t.TempDir()
	archive := contextArchive(t, []archiveEntry{
		{name: "src", typeflag: tar.TypeDir},
		{name: "src/real.py", typeflag: tar.TypeReg, data: "x = 1\n"},
		{name: "src/alias.py", typeflag: tar.TypeSymlink, linkname: "real.py"},
	})

	_, err := ExtractContext(archive, dest, 1<<20)
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(dest, "src", "alias.py"))
	require.NoError(t, err)
	assert.Equal(t, "real.py", target)
}

func TestExtractContext_SizeLimit(t *testing.T) {
	dest := t.TempDir()
	archive := contextArchive(t, []archiveEntry{
		{name: "big.bin", typeflag: tar.TypeReg, data: string(make([]byte, 4096))},
	})

	_, err := ExtractContext(archive, dest, 1024)
	assert.ErrorIs(t, err, ErrContextTooLarge)
}

func TestExtractContext_SkipsSpecialFiles(t *testing.T) {
	dest := t.TempDir()
	archive := contextArchive(t, []archiveEntry{
		{name: "fifo", typeflag: tar.TypeFifo},
		{name: "ok.txt", typeflag: tar.TypeReg, data: "ok"},
	})

	_, err := ExtractContext(archive, dest, 1<<20)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dest, "fifo"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dest, "ok.txt"))
	assert.NoError(t, err)
}
