package bootstrap

import (
	"archive/tar"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	gcr "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
)

const (
	accountShell = "/usr/sbin/nologin"
	accountGecos = "service account"
)

// baseAccountFiles reads /etc/passwd and /etc/group from the flattened base
// filesystem. Either file may be absent (distroless-style bases); absence is
// treated as an empty database.
func baseAccountFiles(base gcr.Image) (passwd, group string, err error) {
	rc := mutate.Extract(base)
	defer rc.Close()

	var foundPasswd, foundGroup bool
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", "", fmt.Errorf("read base filesystem: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		switch path.Clean(strings.TrimPrefix(hdr.Name, "./")) {
		case "etc/passwd":
			data, err := io.ReadAll(io.LimitReader(tr, 1<<20))
			if err != nil {
				return "", "", fmt.Errorf("read base /etc/passwd: %w", err)
			}
			passwd = string(data)
			foundPasswd = true
		case "etc/group":
			data, err := io.ReadAll(io.LimitReader(tr, 1<<20))
			if err != nil {
				return "", "", fmt.Errorf("read base /etc/group: %w", err)
			}
			group = string(data)
			foundGroup = true
		}
		if foundPasswd && foundGroup {
			break
		}
	}
	return passwd, group, nil
}

// appendAccount adds the service account to the passwd and group databases,
// refusing to proceed if the base already binds the uid, gid or name to a
// different principal. An exact existing match is reused as-is.
func appendAccount(passwd, group string, acct Account) (newPasswd, newGroup string, err error) {
	homeDir := "/home/" + acct.Name

	passwdExists := false
	for _, line := range strings.Split(passwd, "\n") {
		fields := strings.Split(line, ":")
		if len(fields) < 4 {
			continue
		}
		name := fields[0]
		uid, uidErr := strconv.Atoi(fields[2])
		if uidErr != nil {
			continue
		}
		switch {
		case name == acct.Name && uid == acct.UID:
			passwdExists = true
		case name == acct.Name:
			return "", "", fmt.Errorf("%w: base binds name %q to uid %d, want %d", ErrAccountConflict, acct.Name, uid, acct.UID)
		case uid == acct.UID:
			return "", "", fmt.Errorf("%w: base binds uid %d to %q", ErrAccountConflict, acct.UID, name)
		}
	}

	groupExists := false
	for _, line := range strings.Split(group, "\n") {
		fields := strings.Split(line, ":")
		if len(fields) < 3 {
			continue
		}
		name := fields[0]
		gid, gidErr := strconv.Atoi(fields[2])
		if gidErr != nil {
			continue
		}
		switch {
		case name == acct.Name && gid == acct.GID:
			groupExists = true
		case name == acct.Name:
			return "", "", fmt.Errorf("%w: base binds group %q to gid %d, want %d", ErrAccountConflict, acct.Name, gid, acct.GID)
		case gid == acct.GID:
			return "", "", fmt.Errorf("%w: base binds gid %d to group %q", ErrAccountConflict, acct.GID, name)
		}
	}

	newPasswd = passwd
	if !passwdExists {
		if newPasswd != "" && !strings.HasSuffix(newPasswd, "\n") {
			newPasswd += "\n"
		}
		newPasswd += fmt.Sprintf("%s:x:%d:%d:%s:%s:%s\n", acct.Name, acct.UID, acct.GID, accountGecos, homeDir, accountShell)
	}
	newGroup = group
	if !groupExists {
		if newGroup != "" && !strings.HasSuffix(newGroup, "\n") {
			newGroup += "\n"
		}
		newGroup += fmt.Sprintf("%s:x:%d:\n", acct.Name, acct.GID)
	}
	return newPasswd, newGroup, nil
}

// accountLayer builds the layer that creates the service account: updated
// /etc/passwd and /etc/group plus the account's home directory.
func accountLayer(base gcr.Image, acct Account) (gcr.Layer, error) {
	passwd, group, err := baseAccountFiles(base)
	if err != nil {
		return nil, err
	}
	newPasswd, newGroup, err := appendAccount(passwd, group, acct)
	if err != nil {
		return nil, err
	}

	entries := []tarEntry{
		{name: "etc/passwd", mode: 0644, data: []byte(newPasswd)},
		{name: "etc/group", mode: 0644, data: []byte(newGroup)},
		{name: "home", mode: 0755, dir: true},
		{name: "home/" + acct.Name, mode: 0755, uid: acct.UID, gid: acct.GID, dir: true},
	}
	return layerFromEntries(entries)
}
