package bootstrap

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/ghodss/yaml"
)

// Spec describes one image build: which base to start from, where the
// dependency manifest and application tree live inside the build context,
// and how the resulting image identifies and starts itself. Parsed from the
// kiln.yaml uploaded alongside the context archive.
type Spec struct {
	// Base is the pinned base image reference (tag other than latest, or a
	// digest). Unpinned references are rejected before any work happens.
	Base string `json:"base"`

	// Manifest is the context-relative path of the dependency manifest.
	Manifest string `json:"manifest,omitempty"`

	// AppDir is the context-relative directory copied into the image.
	AppDir string `json:"app_dir,omitempty"`

	// Workdir is the absolute in-image directory the app tree lands under
	// and the working directory of the entry command.
	Workdir string `json:"workdir,omitempty"`

	// Interpreter and Module form the argument-less entry command
	// "<interpreter> -m <module>".
	Interpreter string `json:"interpreter,omitempty"`
	Module      string `json:"module"`

	// Account is the unprivileged identity the image runs as.
	Account Account `json:"account,omitempty"`

	// Labels are attached to the exported image metadata.
	Labels map[string]string `json:"labels,omitempty"`
}

// Account is the service account created inside the image.
type Account struct {
	Name string `json:"name,omitempty"`
	UID  int    `json:"uid,omitempty"`
	GID  int    `json:"gid,omitempty"`
}

const (
	DefaultManifest    = "requirements.txt"
	DefaultAppDir      = "src"
	DefaultWorkdir     = "/app"
	DefaultInterpreter = "python"
	DefaultAccountName = "app"
	DefaultAccountUID  = 1000
	DefaultAccountGID  = 1000
)

var accountNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)

// ParseSpec parses a kiln.yaml document and applies defaults.
func ParseSpec(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// ApplyDefaults fills unset fields with their conventional values.
func (s *Spec) ApplyDefaults() {
	if s.Manifest == "" {
		s.Manifest = DefaultManifest
	}
	if s.AppDir == "" {
		s.AppDir = DefaultAppDir
	}
	if s.Workdir == "" {
		s.Workdir = DefaultWorkdir
	}
	if s.Interpreter == "" {
		s.Interpreter = DefaultInterpreter
	}
	if s.Account.Name == "" {
		s.Account.Name = DefaultAccountName
	}
	if s.Account.UID == 0 {
		s.Account.UID = DefaultAccountUID
	}
	if s.Account.GID == 0 {
		s.Account.GID = DefaultAccountGID
	}
}

// Validate rejects specs that cannot produce a well-formed image. The entry
// command fields may not contain whitespace: arguments are not smuggled in
// through the module name.
func (s *Spec) Validate() error {
	if s.Base == "" {
		return fmt.Errorf("%w: base is required", ErrInvalidSpec)
	}
	if s.Module == "" {
		return fmt.Errorf("%w: module is required", ErrInvalidSpec)
	}
	if strings.ContainsAny(s.Module, " \t") || strings.ContainsAny(s.Interpreter, " \t") {
		return fmt.Errorf("%w: interpreter and module must be single tokens", ErrInvalidSpec)
	}
	if !path.IsAbs(s.Workdir) || s.Workdir == "/" {
		return fmt.Errorf("%w: workdir must be an absolute path below /", ErrInvalidSpec)
	}
	if strings.Contains(s.Manifest, "..") || strings.Contains(s.AppDir, "..") {
		return fmt.Errorf("%w: manifest and app_dir must stay inside the context", ErrInvalidSpec)
	}
	if s.Account.UID <= 0 || s.Account.GID <= 0 {
		return fmt.Errorf("%w: account uid and gid must be positive", ErrRunsAsRoot)
	}
	if !accountNameRe.MatchString(s.Account.Name) {
		return fmt.Errorf("%w: invalid account name %q", ErrInvalidSpec, s.Account.Name)
	}
	return nil
}

// EntryCommand is the fixed entrypoint of the image. It takes no runtime
// arguments; the module is responsible for its own configuration.
func (s *Spec) EntryCommand() []string {
	return []string{s.Interpreter, "-m", s.Module}
}

// RunAsUser is the OCI config user string, numeric so the runtime never
// needs to resolve the account name.
func (s *Spec) RunAsUser() string {
	return fmt.Sprintf("%d:%d", s.Account.UID, s.Account.GID)
}
