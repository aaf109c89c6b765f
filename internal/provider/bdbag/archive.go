package bdbag

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/BadgerOps/taleport/internal/download"
	"github.com/BadgerOps/taleport/internal/safety"
)

// maxTagFileSize bounds the bag tag files (manifests, fetch.txt,
// manifest.json) read into memory.
const maxTagFileSize int64 = 32 << 20

var suffixes = []string{".zip", ".tar.gz", ".tgz", ".tar.zst", ".tar.xz"}

// ErrUnsupportedArchive is returned for values without a known bag suffix.
var ErrUnsupportedArchive = errors.New("unsupported bag archive format")

// member is one regular file inside an opened bag archive.
type member struct {
	path string
	size int64
	open func() (io.ReadCloser, error)
}

// archive is a bag opened for reading. link turns a member into the URL
// registered for it, plus a cleanup to run once the item has been emitted.
type archive struct {
	identifier string
	members    []member
	index      map[string]int
	link       func(m member) (string, func(), error)
	closers    []func() error
}

func newArchive(identifier string, members []member) *archive {
	sort.Slice(members, func(i, j int) bool { return members[i].path < members[j].path })
	a := &archive{identifier: identifier, members: members, index: make(map[string]int, len(members))}
	for i, m := range members {
		a.index[m.path] = i
	}
	return a
}

func (a *archive) member(p string) (member, bool) {
	i, ok := a.index[p]
	if !ok {
		return member{}, false
	}
	return a.members[i], true
}

// readFile returns the content of a tag file, or nil when it is absent.
func (a *archive) readFile(p string) ([]byte, error) {
	m, ok := a.member(p)
	if !ok {
		return nil, nil
	}
	rc, err := m.open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", p, err)
	}
	defer rc.Close()
	data, err := safety.ReadAllWithLimit(rc, maxTagFileSize)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, nil
}

// Close releases readers and removes temporary extraction directories.
func (a *archive) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// location splits a bag value into a remote URL or a local path.
func location(value string) (remote bool, local string, err error) {
	switch {
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"):
		return true, "", nil
	case strings.HasPrefix(value, "file://"):
		local, err = safety.LocalFilePath(value)
		if err != nil {
			return false, "", err
		}
	default:
		local = value
	}
	local, err = filepath.Abs(local)
	if err != nil {
		return false, "", fmt.Errorf("resolving bag path %q: %w", value, err)
	}
	return false, local, nil
}

func archiveSuffix(value string) string {
	lower := strings.ToLower(value)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s) {
			return s
		}
	}
	return ""
}

// open dispatches on the value's suffix and location.
func (p *Provider) open(ctx context.Context, value string) (*archive, error) {
	suffix := archiveSuffix(value)
	if suffix == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArchive, value)
	}
	remote, local, err := location(value)
	if err != nil {
		return nil, err
	}
	if suffix == ".zip" {
		if remote {
			return p.openRemoteZip(ctx, value)
		}
		return openLocalZip(local)
	}
	return p.openTar(ctx, value, remote, local, suffix)
}

func zipMembers(zr *zip.Reader) ([]member, error) {
	var members []member
	for _, f := range zr.File {
		f := f // per-iteration copy; go.mod targets go1.21 loop semantics
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		name, err := safety.CleanArchivePath(f.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBag, err)
		}
		members = append(members, member{
			path: name,
			size: int64(f.UncompressedSize64),
			open: func() (io.ReadCloser, error) { return f.Open() },
		})
	}
	return members, nil
}

// openRemoteZip reads the central directory with range requests. Members are
// linked positionally, never downloaded.
func (p *Provider) openRemoteZip(ctx context.Context, zipURL string) (*archive, error) {
	rr, err := p.client.OpenRange(ctx, zipURL)
	if err != nil {
		return nil, fmt.Errorf("opening remote bag %s: %w", zipURL, err)
	}
	zr, err := zip.NewReader(rr, rr.Size())
	if err != nil {
		return nil, fmt.Errorf("reading remote bag %s: %w", zipURL, err)
	}
	members, err := zipMembers(zr)
	if err != nil {
		return nil, err
	}
	a := newArchive(zipURL, members)
	a.link = func(m member) (string, func(), error) {
		return zipURL + "?path=" + m.path, nil, nil
	}
	return a, nil
}

// openLocalZip extracts each member on demand so it can be copied into the
// asset store and removed again.
func openLocalZip(path string) (*archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening bag: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat bag: %w", err)
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading bag %s: %w", path, err)
	}
	members, err := zipMembers(zr)
	if err != nil {
		f.Close()
		return nil, err
	}
	tmpDir, err := os.MkdirTemp("", "bdbag-*")
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating extraction directory: %w", err)
	}

	a := newArchive("file://"+filepath.ToSlash(path), members)
	a.closers = append(a.closers, f.Close, func() error { return os.RemoveAll(tmpDir) })
	a.link = func(m member) (string, func(), error) {
		dest, err := extractMember(tmpDir, m)
		if err != nil {
			return "", nil, err
		}
		return "file://" + filepath.ToSlash(dest), func() { _ = os.Remove(dest) }, nil
	}
	return a, nil
}

func extractMember(dir string, m member) (string, error) {
	dest, err := safety.SafeJoinUnder(dir, m.path)
	if err != nil {
		return "", fmt.Errorf("unsafe path in bag %q: %w", m.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}
	rc, err := m.open()
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", m.path, err)
	}
	defer rc.Close()
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating file %s: %w", dest, err)
	}
	_, err = io.Copy(out, rc)
	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("extracting %s: %w", m.path, err)
	}
	return dest, nil
}

// openTar downloads a remote tarball if needed and unpacks it into a
// temporary directory that lives until the archive is closed.
func (p *Provider) openTar(ctx context.Context, value string, remote bool, local, suffix string) (*archive, error) {
	tmpDir, err := os.MkdirTemp("", "bdbag-*")
	if err != nil {
		return nil, fmt.Errorf("creating extraction directory: %w", err)
	}
	cleanup := func() error { return os.RemoveAll(tmpDir) }

	identifier := "file://" + filepath.ToSlash(local)
	if remote {
		identifier = value
		local = filepath.Join(tmpDir, "bag"+suffix)
		if _, err := p.client.Download(ctx, download.DownloadOptions{URL: value, DestPath: local}); err != nil {
			cleanup()
			return nil, fmt.Errorf("downloading bag %s: %w", value, err)
		}
	}

	extractDir := filepath.Join(tmpDir, "bag")
	members, err := extractTar(local, suffix, extractDir)
	if err != nil {
		cleanup()
		return nil, err
	}
	a := newArchive(identifier, members)
	a.closers = append(a.closers, cleanup)
	a.link = func(m member) (string, func(), error) {
		dest, err := safety.SafeJoinUnder(extractDir, m.path)
		if err != nil {
			return "", nil, err
		}
		return "file://" + filepath.ToSlash(dest), nil, nil
	}
	return a, nil
}

func decompressor(r io.Reader, suffix string) (io.Reader, func(), error) {
	switch suffix {
	case ".tar.zst":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		return zr, zr.Close, nil
	case ".tar.xz":
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("creating xz reader: %w", err)
		}
		return xr, func() {}, nil
	case ".tar.gz", ".tgz":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return gr, func() { _ = gr.Close() }, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedArchive, suffix)
}

func extractTar(archivePath, suffix, destDir string) ([]member, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening bag: %w", err)
	}
	defer f.Close()

	r, closeReader, err := decompressor(f, suffix)
	if err != nil {
		return nil, err
	}
	defer closeReader()

	var members []member
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar entry: %w", err)
		}
		if header.Typeflag == tar.TypeDir {
			continue
		}
		if header.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("%w: unsupported tar entry type for %s: %c", ErrInvalidBag, header.Name, header.Typeflag)
		}
		name, err := safety.CleanArchivePath(header.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBag, err)
		}
		dest, err := safety.SafeJoinUnder(destDir, name)
		if err != nil {
			return nil, fmt.Errorf("unsafe path in archive %q: %w", header.Name, err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, fmt.Errorf("creating directory: %w", err)
		}
		out, err := os.Create(dest)
		if err != nil {
			return nil, fmt.Errorf("creating file %s: %w", dest, err)
		}
		n, err := io.Copy(out, tr)
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if err != nil {
			return nil, fmt.Errorf("extracting %s: %w", header.Name, err)
		}
		members = append(members, member{
			path: name,
			size: n,
			open: func() (io.ReadCloser, error) { return os.Open(dest) },
		})
	}
	return members, nil
}
