// Package bundle acquires the worker runtime bundle: fetch the staged
// archive, verify its integrity, and unpack it into the runtime root. The
// acquisition runs asynchronously and reports completion through a callback,
// so a session can keep queueing commands while the runtime is prepared.
package bundle

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/crucible/internal/log"
	"github.com/zeebo/blake3"
)

// readyMarker is created inside the runtime root once a bundle has been
// unpacked, so subsequent acquisitions are no-ops.
const readyMarker = ".crucible-ready"

// Fetcher produces the bundle archive at dst.
type Fetcher interface {
	Fetch(ctx context.Context, dst string) error
}

// FileFetcher copies a locally staged archive. Remote transport of bundles
// is out of scope; deployments stage the archive next to the service.
type FileFetcher struct {
	Path string
}

func (f *FileFetcher) Fetch(ctx context.Context, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open staged bundle: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create bundle copy: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("copy staged bundle: %w", err)
	}
	return nil
}

// Acquirer prepares one runtime root from a bundle archive.
type Acquirer struct {
	fetcher     Fetcher
	runtimeRoot string
	checksum    string // optional BLAKE3 hex digest
	logger      *slog.Logger
}

// NewAcquirer creates an acquirer unpacking into runtimeRoot. checksum, when
// non-empty, is the BLAKE3 hex digest the fetched archive must match.
func NewAcquirer(fetcher Fetcher, runtimeRoot, checksum string) *Acquirer {
	return &Acquirer{
		fetcher:     fetcher,
		runtimeRoot: runtimeRoot,
		checksum:    strings.ToLower(strings.TrimSpace(checksum)),
		logger:      log.WithComponent("bundle"),
	}
}

// Begin starts the acquisition in the background and calls onDone exactly
// once with the outcome.
func (a *Acquirer) Begin(ctx context.Context, onDone func(error)) {
	go func() {
		onDone(a.run(ctx))
	}()
}

func (a *Acquirer) run(ctx context.Context) error {
	if a.Ready() {
		a.logger.Debug("runtime root already prepared", "root", a.runtimeRoot)
		return nil
	}

	if err := os.MkdirAll(a.runtimeRoot, 0o755); err != nil {
		return fmt.Errorf("create runtime root: %w", err)
	}

	archivePath := filepath.Join(a.runtimeRoot, ".bundle.tgz")
	if err := a.fetcher.Fetch(ctx, archivePath); err != nil {
		return fmt.Errorf("fetch bundle: %w", err)
	}
	defer os.Remove(archivePath)

	if a.checksum != "" {
		if err := verifyChecksum(archivePath, a.checksum); err != nil {
			return err
		}
	}

	if err := unpack(archivePath, a.runtimeRoot); err != nil {
		return fmt.Errorf("unpack bundle: %w", err)
	}

	if err := os.WriteFile(filepath.Join(a.runtimeRoot, readyMarker), nil, 0o644); err != nil {
		return fmt.Errorf("write ready marker: %w", err)
	}

	a.logger.Info("runtime bundle installed", "root", a.runtimeRoot)
	return nil
}

// Ready reports whether the runtime root has a completed installation.
func (a *Acquirer) Ready() bool {
	_, err := os.Stat(filepath.Join(a.runtimeRoot, readyMarker))
	return err == nil
}

// verifyChecksum compares the archive's BLAKE3 digest against expected.
func verifyChecksum(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open bundle for verification: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash bundle: %w", err)
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if actual != expected {
		return fmt.Errorf("bundle checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

// unpack extracts a tar.gz archive into root, rejecting entries that would
// escape it.
func unpack(archivePath, root string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive entry: %w", err)
		}

		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent of %s: %w", hdr.Name, err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return fmt.Errorf("create file %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close %s: %w", hdr.Name, err)
			}
		default:
			// Symlinks and specials are not part of runtime bundles.
			return fmt.Errorf("unsupported archive entry type %q for %s", hdr.Typeflag, hdr.Name)
		}
	}
}

func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, name)
	if !strings.HasPrefix(target, filepath.Clean(root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes runtime root: %s", name)
	}
	return target, nil
}
