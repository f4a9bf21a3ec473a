// Package assets fetches model files and binaries on first use and unpacks
// release archives.
package assets

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const userAgent = "mlgateway/1.0"

// Fetcher downloads files. The zero value is not usable; call New.
type Fetcher struct {
	client *http.Client
	log    *zap.SugaredLogger
	// backoff between retries of the same URL
	backoff func(attempt int) time.Duration
}

func New(log *zap.SugaredLogger) *Fetcher {
	return &Fetcher{
		client:  &http.Client{},
		log:     log,
		backoff: func(i int) time.Duration { return time.Duration(i*i) * 500 * time.Millisecond },
	}
}

// Download fetches url into dst through a .part file so a failed transfer
// never leaves a truncated dst behind.
func (f *Fetcher) Download(ctx context.Context, url, dst string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil { return err }
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/octet-stream")
	resp, err := f.client.Do(req)
	if err != nil { return err }
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 { return fmt.Errorf("bad status: %s", resp.Status) }
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil { return err }
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil { return err }
	if _, err := io.Copy(out, resp.Body); err != nil { out.Close(); os.Remove(tmp); return err }
	if err := out.Close(); err != nil { os.Remove(tmp); return err }
	return os.Rename(tmp, dst)
}

func (f *Fetcher) DownloadWithRetry(ctx context.Context, url, dst string, retries int, timeout time.Duration) error {
	var last error
	for i := 0; i <= retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.backoff(i)):
			}
		}
		if err := f.Download(ctx, url, dst, timeout); err != nil {
			last = err
			f.log.Warnw("download failed", "url", url, "attempt", i+1, "error", err)
			continue
		}
		return nil
	}
	return last
}

// FirstOf tries each mirror in order and stops at the first success.
func (f *Fetcher) FirstOf(ctx context.Context, urls []string, dst string, retries int, timeout time.Duration) error {
	if len(urls) == 0 { return fmt.Errorf("no source for %s", filepath.Base(dst)) }
	var last error
	for i, u := range urls {
		f.log.Infow("downloading", "url", u, "mirror", fmt.Sprintf("%d/%d", i+1, len(urls)))
		if err := f.DownloadWithRetry(ctx, u, dst, retries, timeout); err != nil {
			last = err
			continue
		}
		return nil
	}
	return last
}

func FileExists(p string) bool { _, err := os.Stat(p); return err == nil }

// ExtractZip unpacks every regular file of a zip archive under outDir.
func ExtractZip(zipPath, outDir string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil { return err }
	defer zr.Close()
	for _, f := range zr.File {
		if f.FileInfo().IsDir() { continue }
		fp, err := safeJoin(outDir, f.Name)
		if err != nil { return err }
		if err := extractZipEntry(f, fp); err != nil { return err }
	}
	return nil
}

func extractZipEntry(f *zip.File, fp string) error {
	rc, err := f.Open()
	if err != nil { return err }
	defer rc.Close()
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil { return err }
	out, err := os.Create(fp)
	if err != nil { return err }
	if _, err := io.Copy(out, rc); err != nil { out.Close(); return err }
	out.Close()
	if runtime.GOOS != "windows" { _ = os.Chmod(fp, 0o755) }
	return nil
}

// ExtractTarGz unpacks a .tar.gz under outDir, keeping file modes and
// symlinks (Piper releases ship versioned .so links).
func ExtractTarGz(archivePath, outDir string) error {
	f, err := os.Open(archivePath)
	if err != nil { return err }
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil { return err }
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF { break }
		if err != nil { return err }
		target, err := safeJoin(outDir, hdr.Name)
		if err != nil { return err }
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil { return err }
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil { return err }
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil { return err }
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil { return err }
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)|0o600)
			if err != nil { return err }
			if _, err := io.Copy(out, tr); err != nil { out.Close(); return err }
			out.Close()
		}
	}
	return nil
}

// UntarSelect extracts only the named files (matched by base name) from a
// .tgz, flattening them into dstDir.
func UntarSelect(tgzPath, dstDir string, names []string) error {
	set := make(map[string]bool)
	for _, n := range names { set[n] = true }
	f, err := os.Open(tgzPath)
	if err != nil { return err }
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil { return err }
	defer gz.Close()
	tr := tar.NewReader(gz)
	for len(set) > 0 {
		hdr, err := tr.Next()
		if err == io.EOF { break }
		if err != nil { return err }
		base := filepath.Base(hdr.Name)
		if !set[base] || hdr.Typeflag != tar.TypeReg { continue }
		out := filepath.Join(dstDir, base)
		of, err := os.Create(out)
		if err != nil { return err }
		if _, err := io.Copy(of, tr); err != nil { of.Close(); return err }
		of.Close()
		if runtime.GOOS != "windows" { _ = os.Chmod(out, 0o755) }
		delete(set, base)
	}
	if len(set) > 0 { return fmt.Errorf("missing files: %v", keys(set)) }
	return nil
}

// UnzipOne extracts a single file, matched by base name, into dstDir.
func UnzipOne(zipPath, dstDir, wanted string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil { return err }
	defer r.Close()
	for _, f := range r.File {
		if filepath.Base(f.Name) == wanted {
			return extractZipEntry(f, filepath.Join(dstDir, wanted))
		}
	}
	return fmt.Errorf("file %s not found in zip", wanted)
}

func Gunzip(src, dst string) error {
	in, err := os.Open(src)
	if err != nil { return err }
	defer in.Close()
	gz, err := gzip.NewReader(in)
	if err != nil { return err }
	defer gz.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil { return err }
	out, err := os.Create(dst)
	if err != nil { return err }
	if _, err := io.Copy(out, gz); err != nil { out.Close(); return err }
	return out.Close()
}

// FindFile walks root and returns the first regular file whose base name is in
// names, so archives with nested folders still resolve.
func FindFile(root string, names ...string) string {
	want := make(map[string]bool, len(names))
	for _, n := range names { want[n] = true }
	var found string
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() { return nil }
		if want[d.Name()] {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

func safeJoin(root, name string) (string, error) {
	p := filepath.Join(root, name)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes target dir: %s", name)
	}
	return p, nil
}

func keys(m map[string]bool) []string {
	ks := make([]string, 0, len(m))
	for k := range m { ks = append(ks, k) }
	sort.Strings(ks)
	return ks
}
