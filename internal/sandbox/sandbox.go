// Package sandbox confines client-supplied paths to a fixed root directory.
package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/antmicro/renode-ws-proxy/internal/wire"
)

// Root is an absolute directory below which all client-visible paths live.
type Root struct {
	path string
}

// New canonicalizes dir and returns a sandbox rooted there. The directory is
// created if missing.
func New(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &Root{path: resolved}, nil
}

// Path returns the canonical root directory.
func (r *Root) Path() string { return r.path }

// Resolve maps a client-supplied relative path to an absolute path inside the
// root. Absolute inputs are reinterpreted as root-relative, matching the wire
// contract that all exchanged paths are relative. Escapes via "..", symlinks
// or otherwise fail with path-escape.
//
// The path does not have to exist: the longest existing prefix is
// canonicalized and the remaining literal segments are checked against the
// root lexically, so create-style operations resolve too.
func (r *Root) Resolve(p string) (string, error) {
	p = strings.TrimPrefix(p, "/")
	joined := filepath.Join(r.path, p)

	resolved, err := resolveLongestPrefix(joined)
	if err != nil {
		return "", wire.Errf(wire.ErrIO, err.Error())
	}
	if !r.contains(resolved) {
		return "", wire.ErrPathEscape
	}
	return resolved, nil
}

// Relative converts a resolved absolute path back to its root-relative wire
// form.
func (r *Root) Relative(abs string) string {
	rel, err := filepath.Rel(r.path, abs)
	if err != nil || rel == "." {
		return ""
	}
	return rel
}

// Contains reports whether an already-canonical absolute path is the root or
// one of its descendants.
func (r *Root) Contains(abs string) bool {
	return r.contains(filepath.Clean(abs))
}

func (r *Root) contains(cleaned string) bool {
	if cleaned == r.path {
		return true
	}
	return strings.HasPrefix(cleaned, r.path+string(filepath.Separator))
}

// resolveLongestPrefix canonicalizes the longest existing ancestor of path
// (resolving symlinks) and rejoins the non-existing remainder literally.
func resolveLongestPrefix(path string) (string, error) {
	var tail []string
	current := filepath.Clean(path)
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
		// ENOTDIR means a file sits where a directory was expected; keep
		// walking up so the operation itself can report the conflict.
		if !os.IsNotExist(err) && !errors.Is(err, syscall.ENOTDIR) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			// Hit the filesystem root without finding an existing
			// prefix; keep the cleaned path as-is.
			return filepath.Join(append([]string{current}, tail...)...), nil
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent
	}
}
