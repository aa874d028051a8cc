package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem marks a SQLite path whose directory is a network
// mount. SQLite's file locking is unreliable there.
var ErrNetworkFilesystem = errors.New("sqlite database on a network filesystem")

// errFSUnknown is returned by fsType on platforms without detection.
var errFSUnknown = errors.New("filesystem type unknown")

var remoteFS = []string{"nfs", "nfs4", "cifs", "smbfs", "smb2", "afpfs", "webdav"}

// CheckLocalFilesystem rejects a SQLite path that lives on a network mount.
// The path need not exist yet; its closest existing ancestor is inspected.
// Platforms without detection pass.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, fsType)
}

func checkLocalFilesystem(path string, detect func(string) (string, error)) error {
	dir, err := existingAncestor(path)
	if err != nil {
		return err
	}
	kind, err := detect(dir)
	if errors.Is(err, errFSUnknown) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect filesystem of %s: %w", dir, err)
	}
	for _, remote := range remoteFS {
		if strings.EqualFold(strings.TrimSpace(kind), remote) {
			return fmt.Errorf("%s is on %s: %w", path, kind, ErrNetworkFilesystem)
		}
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	for {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %s: %w", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing ancestor of %s", path)
		}
		p = parent
	}
}
