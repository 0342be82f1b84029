package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/klauspost/compress/zip"
)

const (
	snapshotDateLayout = "02-01-2006"
	manifestName       = "slugs.json"
	failuresName       = "failures.json"
)

// SnapshotSink persists a finished snapshot.
type SnapshotSink interface {
	WriteSnapshot(ctx context.Context, snapshot *models.Snapshot) error
}

// Artifacts lists the files produced by a SnapshotWriter.
type Artifacts struct {
	Archive  string
	Manifest string
}

// SnapshotWriter writes the product archive and the slug manifest into a directory.
// Every file is written to a temporary name first and renamed into place.
type SnapshotWriter struct {
	dir string

	mu   sync.Mutex
	last Artifacts
}

// NewSnapshotWriter creates dir if needed.
func NewSnapshotWriter(dir string) (*SnapshotWriter, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %q: %w", dir, err)
	}
	return &SnapshotWriter{dir: dir}, nil
}

// ArchiveName returns the archive and inner JSON file names for a snapshot date.
func ArchiveName(date time.Time) (archive, inner string) {
	stamp := date.Format(snapshotDateLayout)
	return fmt.Sprintf("products_%s.zip", stamp), fmt.Sprintf("products_%s.json", stamp)
}

// Write persists snapshot and returns the paths written.
func (w *SnapshotWriter) Write(ctx context.Context, snapshot *models.Snapshot) (Artifacts, error) {
	if snapshot == nil {
		return Artifacts{}, fmt.Errorf("snapshot is nil")
	}
	date := snapshot.Date
	if date.IsZero() {
		date = time.Now()
	}

	archiveName, innerName := ArchiveName(date)
	records := snapshot.Records
	if records == nil {
		records = []*models.ProductRecord{}
	}
	payload, err := encodeJSON(records, "")
	if err != nil {
		return Artifacts{}, fmt.Errorf("encode records: %w", err)
	}
	archive, err := zipSingle(innerName, payload, date)
	if err != nil {
		return Artifacts{}, fmt.Errorf("build archive: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return Artifacts{}, err
	}
	archivePath := filepath.Join(w.dir, archiveName)
	if err := writeAtomic(archivePath, archive); err != nil {
		return Artifacts{}, err
	}

	manifest := snapshot.Manifest
	if manifest == nil {
		manifest = []models.CategorySlugEntry{}
	}
	manifestJSON, err := encodeJSON(manifest, "    ")
	if err != nil {
		return Artifacts{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Artifacts{}, err
	}
	manifestPath := filepath.Join(w.dir, manifestName)
	if err := writeAtomic(manifestPath, manifestJSON); err != nil {
		return Artifacts{}, err
	}

	artifacts := Artifacts{Archive: archivePath, Manifest: manifestPath}
	w.mu.Lock()
	w.last = artifacts
	w.mu.Unlock()
	return artifacts, nil
}

// WriteSnapshot implements SnapshotSink.
func (w *SnapshotWriter) WriteSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	_, err := w.Write(ctx, snapshot)
	return err
}

// WriteFailures writes the unresolved fetch report and returns its path.
func (w *SnapshotWriter) WriteFailures(entries []models.FailedFetch) (string, error) {
	if entries == nil {
		entries = []models.FailedFetch{}
	}
	data, err := encodeJSON(entries, "    ")
	if err != nil {
		return "", fmt.Errorf("encode failures: %w", err)
	}
	path := filepath.Join(w.dir, failuresName)
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// Validate ensures the last written artifacts exist and are not empty.
func (w *SnapshotWriter) Validate() error {
	w.mu.Lock()
	last := w.last
	w.mu.Unlock()

	if last.Archive == "" {
		return fmt.Errorf("no snapshot written")
	}
	for _, path := range []string{last.Archive, last.Manifest} {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if info.Size() <= 0 {
			return fmt.Errorf("%s is empty", path)
		}
	}
	return nil
}

// encodeJSON keeps non-ASCII text and HTML characters unescaped.
func encodeJSON(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func zipSingle(name string, data []byte, modified time.Time) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("write %s: %w", name, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
