// Package catalog defines knowledge packages and their resources.
//
// A Package is an immutable catalog entry bundling the resources needed for
// offline operation: inference library assets, a quantized model, and a
// corpus database. Packages are selected at runtime, never created.
package catalog

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/localwiki/configs"
	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
)

// Kind tags the resource variant. Each kind shares the base resource
// contract but routes to a different storage collection and has its own
// criticality rule.
type Kind string

const (
	// KindLibrary is an inference-runtime asset (wasm, loader script).
	KindLibrary Kind = "library"
	// KindModel is a quantized model file.
	KindModel Kind = "model"
	// KindCorpus is an article corpus database.
	KindCorpus Kind = "corpus"
)

// Valid reports whether k is a known resource kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLibrary, KindModel, KindCorpus:
		return true
	}
	return false
}

// Collection returns the storage collection this kind persists into.
func (k Kind) Collection() string {
	switch k {
	case KindLibrary:
		return "library-files"
	case KindModel:
		return "model-files"
	case KindCorpus:
		return "articles"
	default:
		return ""
	}
}

// Resource is one downloadable unit. Validated at construction; treat as
// immutable afterwards.
type Resource struct {
	Name        string `yaml:"name"`
	Kind        Kind   `yaml:"kind"`
	SourceURL   string `yaml:"url"`
	FallbackURL string `yaml:"fallback_url"`
	Size        int64  `yaml:"size"`

	// Checksum is the hex sha256 of the artifact. Empty means size-only
	// verification.
	Checksum string `yaml:"checksum"`

	// Optional marks a resource whose failure does not abort the package
	// (e.g., one corpus shard of several).
	Optional bool `yaml:"optional"`
}

// Critical reports whether a failure of this resource aborts the package.
func (r *Resource) Critical() bool {
	return !r.Optional
}

// Validate checks the resource fields.
func (r *Resource) Validate() error {
	if r.Name == "" {
		return resourceErr("resource name must not be empty")
	}
	if !r.Kind.Valid() {
		return resourceErr(fmt.Sprintf("resource %s: unknown kind %q", r.Name, r.Kind))
	}
	if err := validateURL(r.SourceURL); err != nil {
		return resourceErr(fmt.Sprintf("resource %s: bad url: %v", r.Name, err))
	}
	if r.FallbackURL != "" {
		if err := validateURL(r.FallbackURL); err != nil {
			return resourceErr(fmt.Sprintf("resource %s: bad fallback url: %v", r.Name, err))
		}
	}
	if r.Size <= 0 {
		return resourceErr(fmt.Sprintf("resource %s: size must be positive", r.Name))
	}
	if r.Checksum != "" && !isHexSHA256(r.Checksum) {
		return resourceErr(fmt.Sprintf("resource %s: checksum must be 64 hex chars", r.Name))
	}
	return nil
}

// Package is a named bundle of resources offered as a unit.
type Package struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Resources   []Resource `yaml:"resources"`
}

// TotalSize is the declared byte total across all resources.
func (p *Package) TotalSize() int64 {
	var total int64
	for i := range p.Resources {
		total += p.Resources[i].Size
	}
	return total
}

// CorpusResources returns the corpus-kind resources in declaration order.
func (p *Package) CorpusResources() []Resource {
	var out []Resource
	for _, r := range p.Resources {
		if r.Kind == KindCorpus {
			out = append(out, r)
		}
	}
	return out
}

// Validate checks the package and every resource in it.
func (p *Package) Validate() error {
	if p.ID == "" {
		return packageErr("package id must not be empty")
	}
	if len(p.Resources) == 0 {
		return packageErr(fmt.Sprintf("package %s declares no resources", p.ID))
	}
	seen := make(map[string]struct{}, len(p.Resources))
	for i := range p.Resources {
		r := &p.Resources[i]
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.Name]; dup {
			return packageErr(fmt.Sprintf("package %s: duplicate resource %s", p.ID, r.Name))
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}

// Catalog is the set of known packages, keyed by ID.
type Catalog struct {
	packages map[string]*Package
}

type manifestFile struct {
	Packages []Package `yaml:"packages"`
}

// Parse reads a package manifest from yaml bytes and validates it.
func Parse(data []byte) (*Catalog, error) {
	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidPackage,
			fmt.Sprintf("cannot parse package manifest: %v", err), err)
	}
	if len(mf.Packages) == 0 {
		return nil, packageErr("manifest declares no packages")
	}

	c := &Catalog{packages: make(map[string]*Package, len(mf.Packages))}
	for i := range mf.Packages {
		p := &mf.Packages[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.packages[p.ID]; dup {
			return nil, packageErr(fmt.Sprintf("duplicate package id %s", p.ID))
		}
		c.packages[p.ID] = p
	}
	return c, nil
}

// LoadEmbedded parses the catalog compiled into the binary.
func LoadEmbedded() (*Catalog, error) {
	return Parse([]byte(configs.PackageCatalog))
}

// Get returns the package with the given ID, or an InvalidPackage error
// listing the known IDs.
func (c *Catalog) Get(id string) (*Package, error) {
	p, ok := c.packages[id]
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeInvalidPackage,
			fmt.Sprintf("unknown package type: %s", id), nil).
			WithSuggestion(fmt.Sprintf("available packages: %s", strings.Join(c.IDs(), ", ")))
	}
	return p, nil
}

// IDs returns the sorted package IDs.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.packages))
	for id := range c.packages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Packages returns all packages sorted by ID.
func (c *Catalog) Packages() []*Package {
	out := make([]*Package, 0, len(c.packages))
	for _, id := range c.IDs() {
		out = append(out, c.packages[id])
	}
	return out
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func isHexSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func resourceErr(msg string) error {
	return apperrors.New(apperrors.ErrCodeInvalidResource, msg, nil)
}

func packageErr(msg string) error {
	return apperrors.New(apperrors.ErrCodeInvalidPackage, msg, nil)
}
