package bootstrap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() *Spec {
	s := &Spec{Base: "python:3.12-slim", Module: "app.main"}
	s.ApplyDefaults()
	return s
}

func TestAppLayer(t *testing.T) {
	contextDir := t.TempDir()
	writeTree(t, contextDir, map[string]string{
		"requirements.txt": "flask==2.3.0\n",
		"src/main.py":      "print('hi')\n",
		"src/pkg/util.py":  "x = 1\n",
	})

	tarPath := filepath.Join(t.TempDir(), "app.tar")
	_, err := appLayer(tarPath, contextDir, testSpec())
	require.NoError(t, err)

	entries := readTarEntries(t, tarPath)

	// Workdir, the manifest beside it, and the app tree
	require.Contains(t, entries, "app/")
	require.Contains(t, entries, "app/requirements.txt")
	require.Contains(t, entries, "app/src/")
	require.Contains(t, entries, "app/src/main.py")
	require.Contains(t, entries, "app/src/pkg/util.py")

	// Everything owned by the service account
	for name, hdr := range entries {
		assert.Equal(t, DefaultAccountUID, hdr.Uid, "uid of %s", name)
		assert.Equal(t, DefaultAccountGID, hdr.Gid, "gid of %s", name)
	}
}

func TestAppLayer_DeepWorkdir(t *testing.T) {
	contextDir := t.TempDir()
	writeTree(t, contextDir, map[string]string{
		"requirements.txt": "flask==2.3.0\n",
		"src/main.py":      "print('hi')\n",
	})

	spec := testSpec()
	spec.Workdir = "/srv/apps/worker"

	tarPath := filepath.Join(t.TempDir(), "app.tar")
	_, err := appLayer(tarPath, contextDir, spec)
	require.NoError(t, err)

	entries := readTarEntries(t, tarPath)
	// Intermediate directories are emitted shallowest first, account-owned
	require.Contains(t, entries, "srv/")
	require.Contains(t, entries, "srv/apps/")
	require.Contains(t, entries, "srv/apps/worker/")
	assert.Equal(t, DefaultAccountUID, entries["srv/"].Uid)
}

func TestAppLayer_MissingAppTree(t *testing.T) {
	contextDir := t.TempDir()
	writeTree(t, contextDir, map[string]string{"requirements.txt": "flask==2.3.0\n"})

	tarPath := filepath.Join(t.TempDir(), "app.tar")
	_, err := appLayer(tarPath, contextDir, testSpec())
	assert.ErrorIs(t, err, ErrAppTreeMissing)
}

func TestAppLayer_MissingManifest(t *testing.T) {
	contextDir := t.TempDir()
	writeTree(t, contextDir, map[string]string{"src/main.py": "print('hi')\n"})

	tarPath := filepath.Join(t.TempDir(), "app.tar")
	_, err := appLayer(tarPath, contextDir, testSpec())
	assert.ErrorIs(t, err, ErrManifestMissing)
}

func TestAncestorDirs(t *testing.T) {
	assert.Equal(t, []string{"app"}, ancestorDirs("/app"))
	assert.Equal(t, []string{"opt", "opt/app"}, ancestorDirs("/opt/app"))
	assert.Equal(t, []string{"srv", "srv/apps", "srv/apps/w"}, ancestorDirs("/srv/apps/w"))
}
