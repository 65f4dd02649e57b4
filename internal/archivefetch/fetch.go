// Package archivefetch implements the archive fetcher (C3): downloading a
// content-addressed object, unpacking tar.gz archives into a per-job
// scratch directory, and locating the canonical conversation.json inside.
package archivefetch

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"audio-ingest-worker/internal/objectstore"
)

// ErrUnknownExtension is returned for object keys whose extension the
// fetcher does not know how to unpack; always a fatal processing_failure.
var ErrUnknownExtension = errors.New("unknown archive extension")

// ErrManifestMissing is returned when conversation.json could not be found
// anywhere inside an extracted tar.gz archive.
var ErrManifestMissing = errors.New("conversation.json not found in archive")

// Fetched describes the downloaded/unpacked result of one archive.
type Fetched struct {
	// ScratchDir is the per-job root directory owning both the downloaded
	// tarball and its extraction; the caller must call Release when done.
	ScratchDir string
	// TarballPath is the path to the downloaded archive on disk; empty for
	// the legacy synthetic-wrapper path (no tarball involved).
	TarballPath string
	// ExtractedRoot is the directory the tarball was unpacked into; empty
	// for the legacy path.
	ExtractedRoot string
	// ConversationPath is the path to the located conversation.json.
	ConversationPath string
	// ManifestPath is the path to checksums.sha256 at the extraction root,
	// or else beside conversation.json, if the archive carried one.
	ManifestPath string
	// SizeBytes is the size of the downloaded object, recorded for metrics.
	SizeBytes int64
}

// Release removes the entire scratch directory tree. Safe to call multiple
// times.
func (f *Fetched) Release() error {
	if f == nil || f.ScratchDir == "" {
		return nil
	}
	return os.RemoveAll(f.ScratchDir)
}

// Fetcher downloads and unpacks archives into a configured scratch root.
type Fetcher struct {
	store      objectstore.ObjectStore
	scratchDir string
}

// New returns a Fetcher rooted at scratchDir. scratchDir is created (with
// its parents) if it does not already exist.
func New(store objectstore.ObjectStore, scratchDir string) (*Fetcher, error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch root %s: %w", scratchDir, err)
	}
	return &Fetcher{store: store, scratchDir: scratchDir}, nil
}

// Fetch downloads bucket/key and, depending on its extension, either
// unpacks a tar.gz archive and locates conversation.json inside, or
// decompresses/parses a legacy standalone JSON document.
func (f *Fetcher) Fetch(ctx context.Context, jobID, bucket, key string) (*Fetched, error) {
	jobScratch := filepath.Join(f.scratchDir, sanitizeJobDir(jobID))
	if err := os.MkdirAll(jobScratch, 0o755); err != nil {
		return nil, fmt.Errorf("create job scratch dir: %w", err)
	}

	reader, attrs, err := f.store.Get(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	defer reader.Close()

	switch {
	case strings.HasSuffix(key, ".tar.gz"):
		return f.fetchTarGz(jobScratch, reader, attrs.Size)
	case strings.HasSuffix(key, ".json.gz"):
		return f.fetchLegacyJSON(jobScratch, reader, true, attrs.Size)
	case strings.HasSuffix(key, ".json"):
		return f.fetchLegacyJSON(jobScratch, reader, false, attrs.Size)
	default:
		_ = os.RemoveAll(jobScratch)
		return nil, fmt.Errorf("%w: %s", ErrUnknownExtension, key)
	}
}

func (f *Fetcher) fetchTarGz(jobScratch string, body io.Reader, size int64) (*Fetched, error) {
	tarballPath := filepath.Join(jobScratch, "archive.tar.gz")
	extractedRoot := filepath.Join(jobScratch, "extracted")

	out, err := os.Create(tarballPath)
	if err != nil {
		return nil, fmt.Errorf("create scratch tarball: %w", err)
	}
	written, err := io.Copy(out, body)
	closeErr := out.Close()
	if err != nil {
		return nil, fmt.Errorf("write scratch tarball: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close scratch tarball: %w", closeErr)
	}
	if size == 0 {
		size = written
	}

	if err := os.MkdirAll(extractedRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}
	if err := extractTarGz(tarballPath, extractedRoot); err != nil {
		return nil, fmt.Errorf("extract archive: %w", err)
	}

	conversationPath, err := locateConversationJSON(extractedRoot)
	if err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(extractedRoot, "checksums.sha256")
	if _, err := os.Stat(manifestPath); err != nil {
		manifestPath = filepath.Join(filepath.Dir(conversationPath), "checksums.sha256")
		if _, err := os.Stat(manifestPath); err != nil {
			manifestPath = ""
		}
	}

	return &Fetched{
		ScratchDir:       jobScratch,
		TarballPath:      tarballPath,
		ExtractedRoot:    extractedRoot,
		ConversationPath: conversationPath,
		ManifestPath:     manifestPath,
		SizeBytes:        size,
	}, nil
}

// fetchLegacyJSON handles the legacy .json / .json.gz ingress: a synthetic
// wrapper with no tarball path and no manifest, used only when schema
// distillation still permits bare conversation documents outside an
// archive.
func (f *Fetcher) fetchLegacyJSON(jobScratch string, body io.Reader, gzipped bool, size int64) (*Fetched, error) {
	var r io.Reader = body
	if gzipped {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	conversationPath := filepath.Join(jobScratch, "conversation.json")
	out, err := os.Create(conversationPath)
	if err != nil {
		return nil, fmt.Errorf("create scratch conversation.json: %w", err)
	}
	written, err := io.Copy(out, r)
	closeErr := out.Close()
	if err != nil {
		return nil, fmt.Errorf("write conversation.json: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close conversation.json: %w", closeErr)
	}
	if size == 0 {
		size = written
	}

	// Fail fast on non-JSON bodies rather than surfacing a confusing error
	// three layers downstream in the payload validator.
	data, err := os.ReadFile(conversationPath)
	if err != nil {
		return nil, fmt.Errorf("reread conversation.json: %w", err)
	}
	var probe json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("legacy payload is not valid JSON: %w", err)
	}

	return &Fetched{
		ScratchDir:       jobScratch,
		ConversationPath: conversationPath,
		SizeBytes:        size,
	}, nil
}

func extractTarGz(tarballPath, destRoot string) error {
	f, err := os.Open(tarballPath)
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
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target := filepath.Join(destRoot, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(destRoot)+string(os.PathSeparator)) && target != filepath.Clean(destRoot) {
			return fmt.Errorf("tar entry %q escapes extraction root", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			// Symlinks, devices, etc. are not part of the archive layout
			// contract; skip rather than fail the whole unpack.
		}
	}
}

// locateConversationJSON searches root recursively for conversation.json.
// A single hit is expected; the first one found (in lexical walk order) is
// used.
func locateConversationJSON(root string) (string, error) {
	var found string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if found != "" {
			return filepath.SkipDir
		}
		if !info.IsDir() && info.Name() == "conversation.json" {
			found = path
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search for conversation.json: %w", err)
	}
	if found == "" {
		return "", ErrManifestMissing
	}
	return found, nil
}

func sanitizeJobDir(jobID string) string {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	replacer := strings.NewReplacer("/", "_", "..", "_")
	return replacer.Replace(jobID)
}

// SweepOrphans removes scratch subdirectories under root older than
// olderThan. Invoked once at worker startup to recover from a crash that
// left scratch directories behind (the orchestrator's normal exit paths
// always call Release).
func SweepOrphans(root string, olderThan time.Duration) (swept int, err error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read scratch root: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(root, e.Name())
		if rmErr := os.RemoveAll(path); rmErr == nil {
			swept++
		}
	}
	return swept, nil
}
