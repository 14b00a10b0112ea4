package livepatch

import (
	"fmt"
	"maps"

	"github.com/rs/zerolog"
)

// Outcome says how DetectVersion identified the build.
type Outcome uint8

const (
	// Unknown means neither the version resource nor signatures
	// identified the build.
	Unknown Outcome = iota

	// Metadata means the version resource matched a catalog build.
	Metadata

	// BySignature means the signatures of exactly one catalog build matched.
	BySignature

	// Dynamic means no build matched and the profile was built from the
	// catalog's build independent signatures.
	Dynamic

	// Supplied means the profile was given to Attach.
	Supplied
)

func (o Outcome) String() string {
	switch o {
	case Unknown:
		return "unknown"
	case Metadata:
		return "metadata"
	case BySignature:
		return "signature"
	case Dynamic:
		return "dynamic"
	case Supplied:
		return "supplied"
	}
	return fmt.Sprintf("outcome(%d)", o)
}

// BuildProfile is a read-only table of named addresses for one build.
type BuildProfile struct {
	id    string
	addrs map[string]uintptr
}

// NewBuildProfile returns a profile holding a copy of addrs.
func NewBuildProfile(id string, addrs map[string]uintptr) *BuildProfile {
	return &BuildProfile{id: id, addrs: maps.Clone(addrs)}
}

func (p *BuildProfile) ID() string {
	return p.id
}

// Address returns the address called name.
func (p *BuildProfile) Address(name string) (uintptr, bool) {
	a, ok := p.addrs[name]
	return a, ok
}

// Names returns the names in the profile, sorted.
func (p *BuildProfile) Names() []string {
	return sortedKeys(p.addrs)
}

// Resolution is the result of DetectVersion. Profile is nil for Unknown.
type Resolution struct {
	Outcome Outcome
	Profile *BuildProfile

	// Version is the ProductVersion from the image, if it has one.
	Version string
}

// Resolver identifies the running build.
type Resolver struct {
	mem     *Memory
	scanner *Scanner
	catalog *Catalog
	log     zerolog.Logger
}

// NewResolver returns a Resolver that matches against catalog.
func NewResolver(mem *Memory, scanner *Scanner, catalog *Catalog, log zerolog.Logger) *Resolver {
	return &Resolver{mem: mem, scanner: scanner, catalog: catalog, log: log}
}

// DetectVersion identifies the build by version resource, then by
// per-build signatures, then by build independent signatures. It only
// fails when the image cannot be read.
func (r *Resolver) DetectVersion() (Resolution, error) {
	image, err := r.mem.proc.Image()
	if err != nil {
		return Resolution{}, wrapError(ImageUnavailable, 0, err)
	}
	if !r.mem.ValidateAddress(image.Base, 1) {
		return Resolution{}, newError(ImageUnavailable, image.Base, "image is not readable")
	}

	cache := scanCache{}
	res := Resolution{}

	version, err := productVersion(r.mem, image)
	if err != nil {
		r.log.Debug().Err(err).Msg("no version resource")
	} else {
		res.Version = version
		if build, ok := r.buildForVersion(version); ok {
			addrs, err := r.resolve(build, image, cache, true)
			if err != nil {
				return Resolution{}, err
			}
			r.log.Info().Str("build", build.ID).Str("version", version).Msg("build identified by version resource")
			res.Outcome = Metadata
			res.Profile = NewBuildProfile(build.ID, addrs)
			return res, nil
		}
		r.log.Warn().Str("version", version).Msg("version resource matches no known build")
	}

	var (
		candidate BuildSpec
		addrs     map[string]uintptr
		count     int
	)
	for _, build := range r.catalog.Builds {
		a, err := r.resolve(build, image, cache, false)
		if err != nil {
			return Resolution{}, err
		}
		if a == nil {
			continue
		}
		count++
		candidate, addrs = build, a
	}
	switch {
	case count == 1:
		r.log.Info().Str("build", candidate.ID).Msg("build identified by signatures")
		res.Outcome = BySignature
		res.Profile = NewBuildProfile(candidate.ID, addrs)
		return res, nil
	case count > 1:
		r.log.Warn().Int("candidates", count).Msg("signatures match several builds")
	}

	if len(r.catalog.Dynamic.Signatures) > 0 {
		a, err := r.resolve(r.catalog.Dynamic, image, cache, false)
		if err != nil {
			return Resolution{}, err
		}
		if a != nil {
			id := r.catalog.Dynamic.ID
			if id == "" {
				id = "Dynamic"
			}
			r.log.Info().Msg("using dynamic profile")
			res.Outcome = Dynamic
			res.Profile = NewBuildProfile(id, a)
			return res, nil
		}
	}

	r.log.Warn().Msg("build is unknown")
	return res, nil
}

func (r *Resolver) buildForVersion(version string) (BuildSpec, bool) {
	for _, b := range r.catalog.Builds {
		if b.Version != "" && b.Version == version {
			return b, true
		}
	}
	return BuildSpec{}, false
}

// resolve finds every named address of build. Without lenient, a missing
// signature or a match away from its RVA makes the whole build not match
// and resolve returns nil. With lenient, the build is already known: an RVA
// fills in a missing signature and names that cannot be found are left
// out.
func (r *Resolver) resolve(build BuildSpec, image Module, cache scanCache, lenient bool) (map[string]uintptr, error) {
	addrs := map[string]uintptr{}
	for _, name := range sortedKeys(build.Signatures) {
		sig := build.Signatures[name]
		match, found, err := cache.scan(r.scanner, sig.Pattern)
		if err != nil {
			return nil, wrapError(ImageUnavailable, image.Base, err)
		}

		var want uintptr
		if sig.RVA != 0 {
			want = image.Base + uintptr(sig.RVA)
		}

		switch {
		case found && (want == 0 || match == want):
			addrs[name] = match + uintptr(sig.Offset)
		case lenient && want != 0:
			r.log.Warn().Str("build", build.ID).Str("name", name).Msg("signature not found, using rva")
			addrs[name] = want + uintptr(sig.Offset)
		case lenient:
			r.log.Warn().Str("build", build.ID).Str("name", name).Msg("signature not found")
		default:
			r.log.Debug().Str("build", build.ID).Str("name", name).Bool("found", found).Msg("signature does not match")
			return nil, nil
		}
	}

	for _, name := range sortedKeys(build.Derive) {
		d := build.Derive[name]
		from, ok := addrs[d.From]
		if !ok {
			continue
		}
		addrs[name] = from + uintptr(d.Offset)
	}
	return addrs, nil
}

type scanResult struct {
	addr  uintptr
	found bool
}

// scanCache remembers scans by pattern so builds sharing signatures only
// scan once.
type scanCache map[string]scanResult

func (c scanCache) scan(s *Scanner, p Pattern) (uintptr, bool, error) {
	key := p.String()
	if res, ok := c[key]; ok {
		return res.addr, res.found, nil
	}
	addr, found, err := s.Scan(p)
	if err != nil {
		return 0, false, err
	}
	c[key] = scanResult{addr: addr, found: found}
	return addr, found, nil
}
