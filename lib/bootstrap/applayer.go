package bootstrap

import (
	"archive/tar"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	gcr "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// appLayer builds the layer holding the application tree: the workdir, the
// manifest copied beside it, and the app directory, all owned by the service
// account. Ownership is baked into the tar headers rather than applied by a
// recursive chown afterwards, which would duplicate every file into an extra
// layer.
func appLayer(tarPath, contextDir string, spec *Spec) (gcr.Layer, error) {
	appSrc := filepath.Join(contextDir, spec.AppDir)
	if info, err := os.Stat(appSrc); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrAppTreeMissing, spec.AppDir)
	}

	f, err := os.Create(tarPath)
	if err != nil {
		return nil, fmt.Errorf("create app layer tar: %w", err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	uid, gid := spec.Account.UID, spec.Account.GID
	workdir := path.Clean(spec.Workdir)

	// Workdir and intermediate directories, account-owned.
	for _, dir := range ancestorDirs(workdir) {
		hdr := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     dir + "/",
			Mode:     0755,
			Uid:      uid,
			Gid:      gid,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write workdir entry: %w", err)
		}
	}

	// The manifest rides along under the workdir so the image records what
	// it was built from.
	manifestData, err := os.ReadFile(filepath.Join(contextDir, spec.Manifest))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrManifestMissing, spec.Manifest)
	}
	manifestName := path.Join(trimRoot(workdir), path.Base(spec.Manifest))
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     manifestName,
		Mode:     0644,
		Uid:      uid,
		Gid:      gid,
		Size:     int64(len(manifestData)),
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("write manifest entry: %w", err)
	}
	if _, err := tw.Write(manifestData); err != nil {
		return nil, fmt.Errorf("write manifest entry: %w", err)
	}

	// App directory entry, then its contents.
	appDest := path.Join(workdir, spec.AppDir)
	appHdr := &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     trimRoot(appDest) + "/",
		Mode:     0755,
		Uid:      uid,
		Gid:      gid,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(appHdr); err != nil {
		return nil, fmt.Errorf("write app dir entry: %w", err)
	}
	if err := tarDirInto(tw, appSrc, appDest, uid, gid); err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close app layer tar: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync app layer tar: %w", err)
	}

	return tarball.LayerFromFile(tarPath)
}

// ancestorDirs returns workdir and its ancestors below /, shallowest first,
// with no leading slash. For "/opt/app" it returns ["opt", "opt/app"].
func ancestorDirs(workdir string) []string {
	trimmed := trimRoot(workdir)
	var dirs []string
	cur := ""
	for _, part := range splitPath(trimmed) {
		if cur == "" {
			cur = part
		} else {
			cur = cur + "/" + part
		}
		dirs = append(dirs, cur)
	}
	return dirs
}

func trimRoot(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}

func splitPath(p string) []string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
