package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/aluiziolira/go-scrape-channels/models"
)

// Storage loads and saves the whole document at once.
type Storage interface {
	Load(ctx context.Context) (*models.Document, error)
	Save(ctx context.Context, doc *models.Document) error
}

// FileStorage keeps the document as indented JSON on disk.
type FileStorage struct {
	path string
}

// NewFileStorage returns a storage backed by the JSON file at path.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// Path returns the file location.
func (f *FileStorage) Path() string {
	return f.path
}

// Load reads and decodes the document, returning ErrNoDocument when the file
// does not exist.
func (f *FileStorage) Load(ctx context.Context) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	//#nosec G304: path comes from configuration
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, &IOError{Op: "read", Path: f.path, Err: err}
	}

	var doc models.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &IOError{Op: "decode", Path: f.path, Err: err}
	}
	if doc.Channels == nil {
		doc.Channels = []*models.Channel{}
	}
	return &doc, nil
}

// Save replaces the document atomically: the JSON is written and synced to a
// temp file in the same directory, then renamed over the target.
func (f *FileStorage) Save(ctx context.Context, doc *models.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc == nil {
		return &IOError{Op: "encode", Path: f.path, Err: fmt.Errorf("document is nil")}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &IOError{Op: "encode", Path: f.path, Err: err}
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return &IOError{Op: "write", Path: f.path, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		cleanup()
		return &IOError{Op: "write", Path: f.path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return &IOError{Op: "sync", Path: f.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &IOError{Op: "close", Path: f.path, Err: err}
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return &IOError{Op: "rename", Path: f.path, Err: err}
	}
	return nil
}

// MemoryStorage keeps the document in memory. Documents are deep-copied on
// the way in and out.
type MemoryStorage struct {
	mu      sync.Mutex
	doc     *models.Document
	saves   int
	saveErr error
}

// NewMemoryStorage returns a storage seeded with doc, which may be nil.
func NewMemoryStorage(doc *models.Document) *MemoryStorage {
	return &MemoryStorage{doc: doc.Clone()}
}

// Load returns a copy of the stored document.
func (m *MemoryStorage) Load(ctx context.Context) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return nil, ErrNoDocument
	}
	return m.doc.Clone(), nil
}

// Save stores a copy of doc, or fails with the error set by FailSaves.
func (m *MemoryStorage) Save(ctx context.Context, doc *models.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return &IOError{Op: "write", Path: "memory", Err: m.saveErr}
	}
	m.doc = doc.Clone()
	m.saves++
	return nil
}

// FailSaves makes every later Save fail with err. Pass nil to recover.
func (m *MemoryStorage) FailSaves(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}

// Saves returns how many saves succeeded.
func (m *MemoryStorage) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
