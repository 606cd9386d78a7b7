package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Cache is the durable store of the last catalog that passed both retrieval
// and post-apply validation. It is replaced atomically (write to a temp file
// in the same directory, then rename) so a concurrent reader never observes
// a partial document. A catalog that fails validation must never be stored,
// so a bad compile cannot poison the fallback path.
type Cache struct {
	path string
}

// NewCache creates a cache backed by the given file path.
func NewCache(path string) *Cache {
	return &Cache{path: path}
}

// Path returns the cache file location.
func (c *Cache) Path() string {
	return c.path
}

// Exists reports whether a cached catalog is present.
func (c *Cache) Exists() bool {
	_, err := os.Stat(c.path)
	return err == nil
}

// Load reads and decodes the cached catalog. A missing cache is reported as
// fs.ErrNotExist so callers can distinguish "no fallback" from a corrupt one.
func (c *Cache) Load() (*Catalog, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no cached catalog at %s: %w", c.path, err)
		}
		return nil, fmt.Errorf("failed to read cached catalog: %w", err)
	}

	cat, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("cached catalog is invalid: %w", err)
	}
	return cat, nil
}

// Store atomically replaces the cached catalog.
func (c *Cache) Store(cat *Catalog) error {
	data, err := cat.Encode()
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".catalog-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close cache: %w", err)
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to chmod cache: %w", err)
	}

	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace cache: %w", err)
	}
	return nil
}

// Clear removes the cached catalog. Missing cache is not an error.
func (c *Cache) Clear() error {
	err := os.Remove(c.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}
