// Package snapshot persists the engine state as a single document and writes
// it behind a debounce so bursts of changes cost one write.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/onnwee/mission-tender/mission"
	"github.com/onnwee/mission-tender/results"
	"github.com/onnwee/mission-tender/roster"
)

// CurrentVersion is the document layout version.
const CurrentVersion = 1

// ErrNotFound is returned by Load when no snapshot has been saved yet.
var ErrNotFound = errors.New("snapshot not found")

// Document is the persisted state. Results are newest first.
type Document struct {
	Version       int                `json:"version"`
	Templates     []mission.Template `json:"templates"`
	Results       []results.Result   `json:"results"`
	AutoThreshold int                `json:"autoThreshold"`
	Roster        *roster.State      `json:"roster,omitempty"`
	SavedAt       time.Time          `json:"savedAt"`
}

// Store loads and saves documents.
type Store interface {
	Load(ctx context.Context) (Document, error)
	Save(ctx context.Context, doc Document) error
	Close() error
}

// Marshal encodes doc.
func Marshal(doc Document) ([]byte, error) {
	if doc.Version == 0 {
		doc.Version = CurrentVersion
	}
	return json.Marshal(doc)
}

// Unmarshal decodes a document and rejects layouts from the future.
func Unmarshal(b []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return Document{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if doc.Version > CurrentVersion {
		return Document{}, fmt.Errorf("snapshot version %d is newer than supported %d", doc.Version, CurrentVersion)
	}
	return doc, nil
}

// FileStore keeps the document in a JSON file.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the file.
func (f *FileStore) Load(ctx context.Context) (Document, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("read snapshot: %w", err)
	}
	return Unmarshal(b)
}

// Save replaces the file atomically.
func (f *FileStore) Save(ctx context.Context, doc Document) error {
	if doc.Version == 0 {
		doc.Version = CurrentVersion
	}
	return writeJSONAtomic(f.path, doc)
}

// Close implements Store.
func (f *FileStore) Close() error { return nil }

// writeJSONAtomic writes v to a temp file in the target directory, syncs it
// and renames it over path.
func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpName)
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	success = true
	return nil
}
