// Package fsservice implements the sandboxed filesystem operations exposed on
// the control channel.
package fsservice

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/antmicro/renode-ws-proxy/internal/logger"
	"github.com/antmicro/renode-ws-proxy/internal/sandbox"
	"github.com/antmicro/renode-ws-proxy/internal/wire"
)

// Service performs filesystem operations confined to a sandbox root.
type Service struct {
	root *sandbox.Root
	// staging is a process-wide tempdir used for archive downloads. It
	// lives outside the root so partial downloads are never client-visible.
	staging string
}

// New builds a Service over root. staging may be empty; the OS tempdir is
// used then.
func New(root *sandbox.Root, staging string) *Service {
	if staging == "" {
		staging = os.TempDir()
	}
	return &Service{root: root, staging: staging}
}

// Root exposes the underlying sandbox for collaborators that resolve paths
// themselves (engine cwd, analyzer rewrite).
func (s *Service) Root() *sandbox.Root { return s.root }

// List returns the entries of a directory.
func (s *Service) List(path string) ([]wire.FileInfo, error) {
	full, err := s.root.Resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, wire.FromOSError(err)
	}
	infos := make([]wire.FileInfo, 0, len(entries))
	for _, entry := range entries {
		isLink := entry.Type()&fs.ModeSymlink != 0
		isFile := !entry.IsDir()
		if isLink {
			// Report what the link points at, like lstat+stat pairs do.
			if target, err := os.Stat(filepath.Join(full, entry.Name())); err == nil {
				isFile = !target.IsDir()
			}
		}
		infos = append(infos, wire.FileInfo{
			Name:   entry.Name(),
			IsFile: isFile,
			IsLink: isLink,
		})
	}
	return infos, nil
}

// Stat returns size and timestamps for a path.
func (s *Service) Stat(path string) (*wire.StatInfo, error) {
	full, err := s.root.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(full)
	if err != nil {
		return nil, wire.FromOSError(err)
	}
	return &wire.StatInfo{
		Size:   info.Size(),
		IsFile: !info.IsDir(),
		CTime:  ctime(info),
		MTime:  info.ModTime().Unix(),
	}, nil
}

// Download reads a whole file.
func (s *Service) Download(path string) ([]byte, error) {
	full, err := s.root.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, wire.FromOSError(err)
	}
	return data, nil
}

// Upload writes a whole file atomically (write-temp-then-rename in the target
// directory). The parent directory must already exist.
func (s *Service) Upload(path string, data []byte) (*wire.PathResult, error) {
	full, err := s.root.Resolve(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(full)
	if info, err := os.Stat(dir); err != nil {
		return nil, wire.FromOSError(err)
	} else if !info.IsDir() {
		return nil, wire.ErrNotDir
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return nil, wire.FromOSError(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, wire.FromOSError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, wire.FromOSError(err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return nil, wire.FromOSError(err)
	}
	return &wire.PathResult{Path: s.root.Relative(full)}, nil
}

// Mkdir creates a directory and any missing parents. An existing directory is
// success; an existing file is eexist.
func (s *Service) Mkdir(path string) error {
	full, err := s.root.Resolve(path)
	if err != nil {
		return err
	}
	if info, err := os.Stat(full); err == nil {
		if info.IsDir() {
			return nil
		}
		return wire.ErrExist
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return wire.FromOSError(err)
	}
	return nil
}

// Remove deletes a file or directory tree.
func (s *Service) Remove(path string) (*wire.PathResult, error) {
	full, err := s.root.Resolve(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(full); err != nil {
		return nil, wire.FromOSError(err)
	}
	if err := os.RemoveAll(full); err != nil {
		return nil, wire.FromOSError(err)
	}
	return &wire.PathResult{Path: s.root.Relative(full)}, nil
}

// Move renames from to to. Both endpoints are sandbox-checked.
func (s *Service) Move(from, to string) (*wire.TransferResult, error) {
	src, err := s.root.Resolve(from)
	if err != nil {
		return nil, err
	}
	dst, err := s.root.Resolve(to)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(src, dst); err != nil {
		return nil, wire.FromOSError(err)
	}
	return &wire.TransferResult{From: s.root.Relative(src), To: s.root.Relative(dst)}, nil
}

// Copy duplicates from to to, recursively for directories, preserving file
// modes.
func (s *Service) Copy(from, to string) (*wire.TransferResult, error) {
	src, err := s.root.Resolve(from)
	if err != nil {
		return nil, err
	}
	dst, err := s.root.Resolve(to)
	if err != nil {
		return nil, err
	}
	if err := copyTree(src, dst); err != nil {
		return nil, wire.FromOSError(err)
	}
	return &wire.TransferResult{From: s.root.Relative(src), To: s.root.Relative(dst)}, nil
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// uniquePath suffixes name with -1, -2, ... until it does not collide.
func uniquePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]
	for i := 1; ; i++ {
		if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
	}
}

func stagingFile(staging, pattern string) string {
	return filepath.Join(staging, uuid.NewString()+pattern)
}

func logRemoveErr(path string, err error) {
	if err != nil {
		logger.Warnf("fs: failed to clean %s: %v", path, err)
	}
}
