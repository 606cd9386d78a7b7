package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Resource is a single declarative resource in a catalog. Identity within a
// catalog is the (Type, Title) pair; Parameters hold the desired state and
// may contain Deferred and Sensitive values.
type Resource struct {
	// Type is the resource type name (e.g., "file", "service", "exec").
	Type string `json:"type"`

	// Title is the resource title, unique per type within a catalog.
	Title string `json:"title"`

	// Parameters maps parameter names to desired values.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Ref returns the canonical resource reference, "Type[title]". The type
// segment is capitalized regardless of how the catalog spells it, so refs
// compare consistently.
func (r *Resource) Ref() string {
	return fmt.Sprintf("%s[%s]", capitalize(r.Type), r.Title)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// RelationshipKind tags an ordering edge between two resources.
type RelationshipKind string

const (
	// KindRequire orders the edge and propagates failure to the dependent.
	KindRequire RelationshipKind = "require"

	// KindBefore is the inverse declaration of require; same semantics.
	KindBefore RelationshipKind = "before"

	// KindNotify orders the edge and refreshes the dependent on change.
	KindNotify RelationshipKind = "notify"

	// KindSubscribe is the inverse declaration of notify; same semantics.
	KindSubscribe RelationshipKind = "subscribe"
)

// Refresh reports whether the edge schedules a refresh of the downstream
// resource when the upstream one changes.
func (k RelationshipKind) Refresh() bool {
	return k == KindNotify || k == KindSubscribe
}

// Validate checks if the relationship kind is valid.
func (k RelationshipKind) Validate() error {
	switch k {
	case KindRequire, KindBefore, KindNotify, KindSubscribe:
		return nil
	default:
		return fmt.Errorf("invalid relationship kind: %s", k)
	}
}

// Relationship is an ordered pair of resource references: Before must be
// applied strictly before After.
type Relationship struct {
	Before string           `json:"before"`
	After  string           `json:"after"`
	Kind   RelationshipKind `json:"kind"`
}

// FileMetadata describes a file source inlined into a static catalog,
// avoiding a metadata round trip during apply.
type FileMetadata struct {
	// Path is the path the metadata was collected from on the server.
	Path string `json:"path"`

	// Checksum is the content checksum, prefixed with its type
	// (e.g., "sha256:ab12...").
	Checksum string `json:"checksum"`

	// Size is the content size in bytes.
	Size int64 `json:"size"`

	// Mode is the octal file mode as a string (e.g., "0644").
	Mode string `json:"mode,omitempty"`

	Owner string `json:"owner,omitempty"`
	Group string `json:"group,omitempty"`

	// ContentLocation identifies where the content bytes live for static
	// catalogs, so the apply phase can fetch by content identity rather
	// than by source path.
	ContentLocation string `json:"content_location,omitempty"`
}

// Catalog is the desired-state document for one node.
type Catalog struct {
	// Name is the node the catalog was compiled for.
	Name string `json:"name"`

	// Environment is the environment the catalog was compiled in.
	Environment string `json:"environment"`

	// Version identifies the compiled content (typically a timestamp or
	// content hash assigned by the compiler).
	Version string `json:"version"`

	// Resources in declaration order. Declaration order breaks ties in the
	// computed apply order, so it must be preserved end to end.
	Resources []Resource `json:"resources"`

	// Relationships are the explicit ordering edges between resources.
	Relationships []Relationship `json:"relationships,omitempty"`

	// FileMetadata maps file source locators to inlined metadata. Non-empty
	// only for static catalogs.
	FileMetadata map[string]FileMetadata `json:"file_metadata,omitempty"`
}

// Static reports whether the catalog carries inlined file metadata.
func (c *Catalog) Static() bool {
	return len(c.FileMetadata) > 0
}

// Resource looks up a resource by its canonical reference.
func (c *Catalog) Resource(ref string) (*Resource, bool) {
	for i := range c.Resources {
		if c.Resources[i].Ref() == ref {
			return &c.Resources[i], true
		}
	}
	return nil, false
}

// Validate checks the catalog's internal invariants: resource identity is
// unique and every relationship references resources present in the catalog.
func (c *Catalog) Validate() error {
	seen := make(map[string]struct{}, len(c.Resources))
	for i := range c.Resources {
		ref := c.Resources[i].Ref()
		if c.Resources[i].Type == "" || c.Resources[i].Title == "" {
			return fmt.Errorf("resource %d has empty type or title", i)
		}
		if _, dup := seen[ref]; dup {
			return fmt.Errorf("duplicate resource: %s", ref)
		}
		seen[ref] = struct{}{}
	}

	for _, rel := range c.Relationships {
		if err := rel.Kind.Validate(); err != nil {
			return err
		}
		if _, ok := seen[rel.Before]; !ok {
			return fmt.Errorf("relationship references unknown resource: %s", rel.Before)
		}
		if _, ok := seen[rel.After]; !ok {
			return fmt.Errorf("relationship references unknown resource: %s", rel.After)
		}
	}

	return nil
}

// Decode deserializes a catalog document and normalizes rich-data value
// markers into Deferred and Sensitive values.
func Decode(data []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	for i := range c.Resources {
		params, err := normalizeValue(c.Resources[i].Parameters)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", c.Resources[i].Ref(), err)
		}
		c.Resources[i].Parameters, _ = params.(map[string]any)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Encode serializes a catalog, preserving Deferred and Sensitive markers
// losslessly so a cached catalog round-trips through Decode.
func (c *Catalog) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode catalog: %w", err)
	}
	return data, nil
}
