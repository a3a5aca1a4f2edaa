package fsservice

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/antmicro/renode-ws-proxy/internal/logger"
	"github.com/antmicro/renode-ws-proxy/internal/wire"
)

// Fetch downloads a single file into the root. The filename comes from the
// URL path; collisions are suffixed -1, -2, ...
func (s *Service) Fetch(ctx context.Context, rawURL string) (*wire.PathResult, error) {
	name, err := filenameFromURL(rawURL)
	if err != nil {
		return nil, err
	}

	body, err := s.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	dest := uniquePath(s.root.Path(), name)
	out, err := os.Create(dest)
	if err != nil {
		return nil, wire.FromOSError(err)
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		logRemoveErr(dest, os.Remove(dest))
		return nil, wire.Errf(wire.ErrFetchFailed, err.Error())
	}
	if err := out.Close(); err != nil {
		return nil, wire.FromOSError(err)
	}
	return &wire.PathResult{Path: s.root.Relative(dest)}, nil
}

// ZipFetch downloads a remote archive into the staging area and extracts it
// into the root. Every entry destination is sandbox-checked before a single
// byte is written.
func (s *Service) ZipFetch(ctx context.Context, rawURL string) (*wire.PathResult, error) {
	body, err := s.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	tmpName := stagingFile(s.staging, ".zip")
	tmp, err := os.Create(tmpName)
	if err != nil {
		return nil, wire.FromOSError(err)
	}
	defer func() { logRemoveErr(tmpName, os.Remove(tmpName)) }()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return nil, wire.Errf(wire.ErrFetchFailed, err.Error())
	}
	if err := tmp.Close(); err != nil {
		return nil, wire.FromOSError(err)
	}

	if err := s.extractZip(tmpName); err != nil {
		return nil, err
	}
	return &wire.PathResult{Path: ""}, nil
}

func (s *Service) extractZip(archivePath string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return wire.Errf(wire.ErrArchiveMalformed, err.Error())
	}
	defer reader.Close()

	for _, entry := range reader.File {
		if dest, err := s.root.Resolve(entry.Name); err != nil || !s.root.Contains(dest) {
			return wire.Errf(wire.ErrEntryEscape, entry.Name)
		}
	}
	for _, entry := range reader.File {
		if err := s.extractEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) extractEntry(entry *zip.File) error {
	dest, err := s.root.Resolve(entry.Name)
	if err != nil {
		return wire.Errf(wire.ErrEntryEscape, entry.Name)
	}
	if !s.root.Contains(dest) {
		return wire.Errf(wire.ErrEntryEscape, entry.Name)
	}

	if entry.FileInfo().IsDir() {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return wire.FromOSError(err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return wire.FromOSError(err)
	}
	in, err := entry.Open()
	if err != nil {
		return wire.Errf(wire.ErrArchiveMalformed, err.Error())
	}
	defer in.Close()

	mode := entry.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return wire.FromOSError(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return wire.Errf(wire.ErrArchiveMalformed, err.Error())
	}
	return wire.FromOSError(out.Close())
}

func (s *Service) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, wire.Errf(wire.ErrFetchFailed, err.Error())
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, wire.Errf(wire.ErrFetchFailed, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, wire.Errf(wire.ErrFetchFailed, fmt.Sprintf("GET %s: %s", rawURL, resp.Status))
	}
	logger.Debugf("fs: fetching %s (%d bytes)", rawURL, resp.ContentLength)
	return resp.Body, nil
}

func filenameFromURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", wire.Errf(wire.ErrFetchFailed, err.Error())
	}
	name := path.Base(parsed.Path)
	if name == "" || name == "." || name == "/" {
		return "", wire.Errf(wire.ErrFetchFailed, "no filename in URL "+rawURL)
	}
	return name, nil
}
