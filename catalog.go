package livepatch

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog lists the builds the resolver knows about.
type Catalog struct {
	Builds  []BuildSpec `yaml:"builds"`
	Dynamic BuildSpec   `yaml:"dynamic"`
}

// BuildSpec describes how to find the named addresses of one build. The
// Dynamic entry of a catalog has no Version.
type BuildSpec struct {
	ID string `yaml:"id"`

	// Version is the ProductVersion string of the build's executable.
	Version string `yaml:"version"`

	Signatures map[string]Signature  `yaml:"signatures"`
	Derive     map[string]Derivation `yaml:"derive"`
}

// Signature locates a named address: the first match of Pattern plus
// Offset. When RVA is set the match must sit at the image base plus RVA.
type Signature struct {
	Pattern Pattern `yaml:"pattern"`
	Offset  int64   `yaml:"offset"`
	RVA     uint64  `yaml:"rva"`
}

// Derivation computes a named address from another one by a fixed offset.
type Derivation struct {
	From   string `yaml:"from"`
	Offset int64  `yaml:"offset"`
}

// DefaultCatalog returns the catalog built into the package.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog(bytes.NewReader(defaultCatalog))
	if err != nil {
		panic(fmt.Sprintf("livepatch: embedded catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a YAML catalog from r.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, b := range c.Builds {
		if b.ID == "" {
			errs = append(errs, fmt.Errorf("build %d: missing id", i))
		} else if seen[b.ID] {
			errs = append(errs, fmt.Errorf("build %q: duplicate id", b.ID))
		}
		seen[b.ID] = true
		if len(b.Signatures) == 0 {
			errs = append(errs, fmt.Errorf("build %q: no signatures", b.ID))
		}
		errs = append(errs, b.validate()...)
	}
	if len(c.Dynamic.Signatures) > 0 {
		errs = append(errs, c.Dynamic.validate()...)
	}
	return errors.Join(errs...)
}

func (b BuildSpec) validate() []error {
	var errs []error
	for _, name := range sortedKeys(b.Signatures) {
		if b.Signatures[name].Pattern.Len() == 0 {
			errs = append(errs, fmt.Errorf("build %q: signature %q has no pattern", b.ID, name))
		}
	}
	for _, name := range sortedKeys(b.Derive) {
		d := b.Derive[name]
		if _, ok := b.Signatures[d.From]; !ok {
			errs = append(errs, fmt.Errorf("build %q: %q derives from unknown signature %q", b.ID, name, d.From))
		}
		if _, ok := b.Signatures[name]; ok {
			errs = append(errs, fmt.Errorf("build %q: %q is both a signature and derived", b.ID, name))
		}
	}
	return errs
}

// Build returns the build with the given ID.
func (c *Catalog) Build(id string) (BuildSpec, bool) {
	for _, b := range c.Builds {
		if b.ID == id {
			return b, true
		}
	}
	return BuildSpec{}, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
