package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/openconverge/openconverge/pkg/catalog"
)

// ContentSource supplies file metadata and content bytes for file resources
// whose desired content is referenced by a source locator rather than
// inlined. For static catalogs the source resolves from inlined metadata
// without a network round trip; otherwise it fetches on demand.
type ContentSource interface {
	Metadata(ctx context.Context, source string) (*catalog.FileMetadata, error)
	Content(ctx context.Context, locator string) ([]byte, error)
}

// FileProvider enforces file resources: the file named by the resource
// title holds the desired content, given either inline via the "content"
// parameter or by reference via "source".
type FileProvider struct {
	source ContentSource
}

// NewFileProvider creates a file provider backed by the given content
// source. The source may be nil if all catalogs inline their content.
func NewFileProvider(source ContentSource) *FileProvider {
	return &FileProvider{source: source}
}

// Read observes the current checksum of the file.
func (p *FileProvider) Read(_ context.Context, res *catalog.Resource, _ map[string]any) (map[string]any, error) {
	data, err := os.ReadFile(res.Title)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]any{"ensure": "absent"}, nil
		}
		return nil, err
	}
	return map[string]any{
		"ensure":   "present",
		"checksum": checksumOf(data),
	}, nil
}

// Plan reports whether the current checksum differs from the desired one,
// without writing anything.
func (p *FileProvider) Plan(ctx context.Context, _ *catalog.Resource, params, current map[string]any) (*Result, error) {
	desired, err := p.desiredContent(ctx, params)
	if err != nil {
		return nil, err
	}

	desiredSum := checksumOf(desired)
	currentSum, _ := current["checksum"].(string)
	if currentSum == desiredSum {
		return &Result{Changed: false}, nil
	}

	old := any(currentSum)
	if currentSum == "" {
		old = "absent"
	}
	return &Result{
		Changed: true,
		Old:     old,
		New:     desiredSum,
		Message: fmt.Sprintf("would change content to %s", desiredSum),
	}, nil
}

// Apply writes the desired content when the current checksum differs.
func (p *FileProvider) Apply(ctx context.Context, res *catalog.Resource, params map[string]any, current map[string]any) (*Result, error) {
	desired, err := p.desiredContent(ctx, params)
	if err != nil {
		return nil, err
	}

	desiredSum := checksumOf(desired)
	currentSum, _ := current["checksum"].(string)
	if currentSum == desiredSum {
		return &Result{Changed: false}, nil
	}

	mode := fs.FileMode(0o644)
	if m, ok := catalog.Unwrap(params["mode"]).(string); ok && m != "" {
		parsed, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid mode %q: %w", m, err)
		}
		mode = fs.FileMode(parsed)
	}

	if err := writeFileAtomic(res.Title, desired, mode); err != nil {
		return nil, err
	}

	old := any(currentSum)
	if currentSum == "" {
		old = "absent"
	}
	return &Result{
		Changed: true,
		Old:     old,
		New:     desiredSum,
		Message: fmt.Sprintf("content changed to %s", desiredSum),
	}, nil
}

func (p *FileProvider) desiredContent(ctx context.Context, params map[string]any) ([]byte, error) {
	if content, ok := params["content"]; ok {
		s, ok := catalog.Unwrap(content).(string)
		if !ok {
			return nil, fmt.Errorf("file content must be a string")
		}
		return []byte(s), nil
	}

	source, ok := catalog.Unwrap(params["source"]).(string)
	if !ok || source == "" {
		return nil, fmt.Errorf("file resource needs a content or source parameter")
	}
	if p.source == nil {
		return nil, fmt.Errorf("no content source configured for %s", source)
	}

	md, err := p.source.Metadata(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source %s: %w", source, err)
	}
	locator := md.ContentLocation
	if locator == "" {
		locator = source
	}
	data, err := p.source.Content(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch content for %s: %w", source, err)
	}
	if md.Checksum != "" && checksumOf(data) != md.Checksum {
		return nil, fmt.Errorf("content for %s does not match metadata checksum", source)
	}
	return data, nil
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".converge-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
