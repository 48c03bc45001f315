// Package firmware resolves the image handed to `medbox ota`: a local file or
// an http(s) URL that is downloaded into the cache directory first.
package firmware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// MaxImageSize is the largest image the begin command can announce.
const MaxImageSize = 4 << 20

// ErrChecksum is returned when an image does not match the expected digest.
var ErrChecksum = errors.New("firmware: checksum mismatch")

// DefaultCacheDir returns the directory downloaded images are kept in.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "medbox", "firmware")
	}
	return filepath.Join(dir, "medbox", "firmware")
}

// Load returns the image at src. URLs are downloaded into cacheDir unless a
// cached copy already matches wantSHA256; a copy that does not is fetched
// again. When wantSHA256 is set the image must match it.
func Load(ctx context.Context, src, cacheDir, wantSHA256 string, progress io.Writer) ([]byte, error) {
	if !isURL(src) {
		image, err := readImage(src)
		if err != nil {
			return nil, err
		}
		if err := Verify(image, wantSHA256); err != nil {
			return nil, err
		}
		return image, nil
	}

	dest, err := cachePath(src, cacheDir)
	if err != nil {
		return nil, err
	}
	if image, err := readImage(dest); err == nil {
		if Verify(image, wantSHA256) == nil {
			slog.Info("[OTA] using cached image", "path", dest, "bytes", len(image))
			return image, nil
		}
		slog.Warn("[OTA] cached image does not match, downloading again", "path", dest)
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("firmware: removing stale image: %w", err)
	}

	p, err := Download(ctx, src, cacheDir, progress)
	if err != nil {
		return nil, err
	}
	image, err := readImage(p)
	if err == nil {
		err = Verify(image, wantSHA256)
	}
	if err != nil {
		os.Remove(p)
		return nil, err
	}
	return image, nil
}

// readImage reads a non-empty image no larger than MaxImageSize.
func readImage(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("firmware: %s is empty", path)
	}
	if info.Size() > MaxImageSize {
		return nil, fmt.Errorf("firmware: %s is %d bytes, limit is %d", path, info.Size(), MaxImageSize)
	}
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: %w", err)
	}
	return image, nil
}

// cachePath names the file rawURL is kept under in dir.
func cachePath(rawURL, dir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("firmware: parsing url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		name = "firmware.bin"
	}
	return filepath.Join(dir, name), nil
}

// Verify checks image against a hex SHA-256 digest. An empty digest passes.
func Verify(image []byte, wantSHA256 string) error {
	if wantSHA256 == "" {
		return nil
	}
	sum := sha256.Sum256(image)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, wantSHA256) {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksum, got, wantSHA256)
	}
	return nil
}

// Download fetches rawURL into dir and returns the file path. Progress is
// written to progress when it is not nil.
func Download(ctx context.Context, rawURL, dir string, progress io.Writer) (string, error) {
	destPath, err := cachePath(rawURL, dir)
	if err != nil {
		return "", err
	}
	name := filepath.Base(destPath)

	// Check if already downloaded
	if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
		slog.Info("[OTA] using cached image", "path", destPath, "bytes", info.Size())
		return destPath, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("firmware: creating cache dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("firmware: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("firmware: downloading: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("firmware: download failed: HTTP %d", resp.StatusCode)
	}
	if resp.ContentLength > MaxImageSize {
		return "", fmt.Errorf("firmware: image is %d bytes, limit is %d", resp.ContentLength, MaxImageSize)
	}

	// Write to temp file first, then rename (atomic)
	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("firmware: creating temp file: %w", err)
	}

	var w io.Writer = f
	if progress != nil {
		w = &progressWriter{writer: f, out: progress, total: resp.ContentLength, label: name}
	}
	written, err := io.Copy(w, io.LimitReader(resp.Body, MaxImageSize+1))
	f.Close()
	if err == nil && written > MaxImageSize {
		err = fmt.Errorf("image exceeds %d bytes", MaxImageSize)
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("firmware: writing image: %w", err)
	}
	if progress != nil {
		fmt.Fprintln(progress)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("firmware: moving image: %w", err)
	}
	slog.Info("[OTA] image downloaded", "path", destPath, "bytes", written)
	return destPath, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// progressWriter wraps an io.Writer and prints download progress.
type progressWriter struct {
	writer  io.Writer
	out     io.Writer
	total   int64
	written int64
	label   string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.total > 0 {
		fmt.Fprintf(pw.out, "\r  %s: %.1f KB / %.1f KB (%.0f%%)",
			pw.label,
			float64(pw.written)/1024,
			float64(pw.total)/1024,
			float64(pw.written)/float64(pw.total)*100)
	} else {
		fmt.Fprintf(pw.out, "\r  %s: %.1f KB downloaded", pw.label, float64(pw.written)/1024)
	}
	return n, err
}
