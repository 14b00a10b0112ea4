package livepatch

import (
	"errors"
	"slices"

	"github.com/rs/zerolog"
)

// Engine is attached to one target from Attach until Detach. It owns the
// hooks and protection changes made through it and reverts them on Detach.
// An Engine must be driven by a single goroutine; only callback
// registration and Dispatch may be used concurrently.
type Engine struct {
	proc       Process
	log        zerolog.Logger
	mem        *Memory
	scanner    *Scanner
	registry   *Registry
	sessions   []*Session
	resolution Resolution
	detached   bool
}

// Attach prepares an engine for proc and identifies its build. It fails
// only if the target's image cannot be located.
func Attach(proc Process, opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.installer == nil {
		cfg.installer = PatchInstaller{Log: cfg.log}
	}

	image, err := proc.Image()
	if err != nil {
		return nil, wrapError(ImageUnavailable, 0, err)
	}
	cfg.log.Debug().Str("image", image.Name).Str("base", hexAddr(image.Base)).Str("size", hexAddr(image.Size)).Msg("attaching")

	mem := NewMemory(proc, cfg.log)
	e := &Engine{
		proc:     proc,
		log:      cfg.log,
		mem:      mem,
		scanner:  NewScanner(mem, cfg.log),
		registry: NewRegistry(mem, cfg.installer, cfg.log),
	}

	if cfg.profile != nil {
		e.resolution = Resolution{Outcome: Supplied, Profile: cfg.profile}
		return e, nil
	}

	catalog := cfg.catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	res, err := NewResolver(mem, e.scanner, catalog, cfg.log).DetectVersion()
	if err != nil {
		return nil, err
	}
	e.resolution = res
	return e, nil
}

// Resolution returns how the build was identified.
func (e *Engine) Resolution() Resolution {
	return e.resolution
}

// Profile returns the build profile, or nil if the build is unknown.
func (e *Engine) Profile() *BuildProfile {
	return e.resolution.Profile
}

// Memory returns the engine's memory accessor.
func (e *Engine) Memory() *Memory {
	return e.mem
}

// Registry returns the engine's hook registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// NewSession starts a patch session on the target. Detach restores
// whatever the session still has applied.
func (e *Engine) NewSession() *Session {
	s := NewSession(e.mem, e.log)
	e.sessions = append(e.sessions, s)
	return s
}

func (e *Engine) ReadMemory(addr uintptr, size int) ([]byte, error) {
	return e.mem.ReadMemory(addr, size)
}

func (e *Engine) WriteMemory(addr uintptr, p []byte) error {
	return e.mem.WriteMemory(addr, p)
}

// GetAddress returns the named address from the build profile.
func (e *Engine) GetAddress(name string) (uintptr, error) {
	if e.detached {
		return 0, ErrNotInitialized
	}
	p := e.resolution.Profile
	if p == nil {
		return 0, newError(UnsupportedBuild, 0, "no build profile for %q", name)
	}
	addr, ok := p.Address(name)
	if !ok {
		return 0, newError(PatternNotFound, 0, "build %s has no address %q", p.ID(), name)
	}
	return addr, nil
}

// FindPattern returns the lowest address where p matches in the image.
func (e *Engine) FindPattern(p Pattern) (uintptr, bool, error) {
	return e.scanner.Scan(p)
}

// FindPatterns returns every address where p matches in the image.
func (e *Engine) FindPatterns(p Pattern) ([]uintptr, error) {
	return e.scanner.ScanAll(p)
}

func (e *Engine) CreateHook(addr, target uintptr, s Strategy) (*Hook, error) {
	return e.registry.CreateHook(addr, target, s)
}

func (e *Engine) RemoveHook(h *Hook) error {
	return e.registry.RemoveHook(h)
}

func (e *Engine) EnableHook(h *Hook) error {
	return e.registry.EnableHook(h)
}

func (e *Engine) DisableHook(h *Hook) error {
	return e.registry.DisableHook(h)
}

func (e *Engine) AddPreHookCallback(addr uintptr, cb Callback) error {
	return e.registry.AddPreHookCallback(addr, cb)
}

func (e *Engine) AddPostHookCallback(addr uintptr, cb Callback) error {
	return e.registry.AddPostHookCallback(addr, cb)
}

func (e *Engine) RemovePreHookCallback(addr uintptr) error {
	return e.registry.RemovePreHookCallback(addr)
}

func (e *Engine) RemovePostHookCallback(addr uintptr) error {
	return e.registry.RemovePostHookCallback(addr)
}

// Detach restores the edits of every session, newest session first, then
// removes every hook, then restores every protection change. The engine is
// unusable afterwards even if Detach returns an error.
func (e *Engine) Detach() error {
	if e.detached {
		return nil
	}
	e.detached = true

	var errs []error
	for _, s := range slices.Backward(e.sessions) {
		if !s.Applied() {
			continue
		}
		if err := s.RestoreGame(); err != nil {
			errs = append(errs, err)
		}
	}
	e.sessions = nil
	if err := e.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	e.registry.markClosed()
	if err := e.mem.Close(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		e.log.Error().Err(err).Msg("detach incomplete")
	} else {
		e.log.Debug().Msg("detached")
	}
	return err
}
