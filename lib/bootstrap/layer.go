package bootstrap

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gcr "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

var zeroTime = time.Time{}

// Layer tars are deterministic: entries are emitted in sorted path order
// with zero timestamps and no owner names, so identical inputs always
// produce an identical layer digest. This is what makes the dependency
// layer cacheable and image digests reproducible.

// tarEntry is a file staged for a synthetic layer built in memory.
type tarEntry struct {
	name string // in-image path, no leading slash
	mode int64
	uid  int
	gid  int
	dir  bool
	data []byte
}

// layerFromEntries builds a layer from in-memory entries. Used for the
// small account layer where staging on disk buys nothing.
func layerFromEntries(entries []tarEntry) (gcr.Layer, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name: e.name,
			Mode: e.mode,
			Uid:  e.uid,
			Gid:  e.gid,
		}
		if e.dir {
			hdr.Typeflag = tar.TypeDir
			if !strings.HasSuffix(hdr.Name, "/") {
				hdr.Name += "/"
			}
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.data))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write tar header %s: %w", e.name, err)
		}
		if !e.dir {
			if _, err := tw.Write(e.data); err != nil {
				return nil, fmt.Errorf("write tar entry %s: %w", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}

	raw := buf.Bytes()
	return tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	})
}

// writeDirTar tars srcDir under destPrefix (an absolute in-image path) into
// tarPath, with every entry owned by uid:gid. Symlinks are carried over;
// other special files are skipped.
func writeDirTar(tarPath, srcDir, destPrefix string, uid, gid int) error {
	f, err := os.Create(tarPath)
	if err != nil {
		return fmt.Errorf("create layer tar: %w", err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	if err := tarDirInto(tw, srcDir, destPrefix, uid, gid); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	return f.Sync()
}

// tarDirInto writes srcDir's contents (not srcDir itself) into tw under
// destPrefix.
func tarDirInto(tw *tar.Writer, srcDir, destPrefix string, uid, gid int) error {
	// Collect paths first so entries come out sorted regardless of
	// filesystem order.
	var paths []string
	err := filepath.Walk(srcDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == srcDir {
			return nil
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", srcDir, err)
	}
	sort.Strings(paths)

	prefix := strings.TrimPrefix(destPrefix, "/")
	for _, p := range paths {
		info, err := os.Lstat(p)
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", p, err)
		}
		name := filepath.ToSlash(filepath.Join(prefix, rel))

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(p)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", p, err)
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			continue
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("tar header %s: %w", p, err)
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uid = uid
		hdr.Gid = gid
		hdr.Uname = ""
		hdr.Gname = ""
		hdr.ModTime = zeroTime
		hdr.AccessTime = zeroTime
		hdr.ChangeTime = zeroTime
		hdr.Format = tar.FormatPAX

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header %s: %w", name, err)
		}
		if info.Mode().IsRegular() {
			src, err := os.Open(p)
			if err != nil {
				return fmt.Errorf("open %s: %w", p, err)
			}
			_, err = io.Copy(tw, src)
			src.Close()
			if err != nil {
				return fmt.Errorf("copy %s: %w", p, err)
			}
		}
	}

	return nil
}
