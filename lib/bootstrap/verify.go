package bootstrap

import (
	"archive/tar"
	"fmt"
	"io"
	"reflect"
	"strings"

	gcr "github.com/google/go-containerregistry/pkg/v1"
)

// Verify checks an assembled image against the invariants the pipeline
// promises: the process identity is the unprivileged service account, the
// entry command is exactly the argument-less interpreter invocation, and
// every file in the application layer is owned by the account. Run on every
// build before export; it exists so a pipeline bug can never ship a root
// image silently.
func Verify(img gcr.Image, spec *Spec) error {
	cf, err := img.ConfigFile()
	if err != nil {
		return fmt.Errorf("%w: read config: %v", ErrVerifyFailed, err)
	}

	if cf.Config.User != spec.RunAsUser() {
		return fmt.Errorf("%w: user is %q, want %q", ErrVerifyFailed, cf.Config.User, spec.RunAsUser())
	}
	if strings.HasPrefix(cf.Config.User, "0:") || cf.Config.User == "0" || cf.Config.User == "root" || cf.Config.User == "" {
		return fmt.Errorf("%w: %v", ErrVerifyFailed, ErrRunsAsRoot)
	}
	if cf.Config.WorkingDir != spec.Workdir {
		return fmt.Errorf("%w: workdir is %q, want %q", ErrVerifyFailed, cf.Config.WorkingDir, spec.Workdir)
	}
	if !reflect.DeepEqual([]string(cf.Config.Entrypoint), spec.EntryCommand()) {
		return fmt.Errorf("%w: entrypoint is %v, want %v", ErrVerifyFailed, cf.Config.Entrypoint, spec.EntryCommand())
	}
	if len(cf.Config.Cmd) != 0 {
		return fmt.Errorf("%w: cmd must be empty, got %v", ErrVerifyFailed, cf.Config.Cmd)
	}

	// The application layer is the topmost layer. Every entry must be under
	// the workdir and owned by the service account.
	layers, err := img.Layers()
	if err != nil {
		return fmt.Errorf("%w: read layers: %v", ErrVerifyFailed, err)
	}
	if len(layers) == 0 {
		return fmt.Errorf("%w: image has no layers", ErrVerifyFailed)
	}
	appL := layers[len(layers)-1]

	rc, err := appL.Uncompressed()
	if err != nil {
		return fmt.Errorf("%w: open app layer: %v", ErrVerifyFailed, err)
	}
	defer rc.Close()

	prefix := trimRoot(spec.Workdir)
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: read app layer: %v", ErrVerifyFailed, err)
		}
		name := strings.TrimSuffix(hdr.Name, "/")
		if name != prefix && !strings.HasPrefix(name, prefix+"/") && !isAncestorOf(name, prefix) {
			return fmt.Errorf("%w: app layer entry %q outside workdir %s", ErrVerifyFailed, hdr.Name, spec.Workdir)
		}
		if hdr.Uid != spec.Account.UID || hdr.Gid != spec.Account.GID {
			return fmt.Errorf("%w: app layer entry %q owned by %d:%d, want %d:%d",
				ErrVerifyFailed, hdr.Name, hdr.Uid, hdr.Gid, spec.Account.UID, spec.Account.GID)
		}
	}

	return nil
}

// isAncestorOf reports whether name is an ancestor directory of prefix, for
// workdirs more than one level deep.
func isAncestorOf(name, prefix string) bool {
	return strings.HasPrefix(prefix, name+"/")
}
