package livepatch

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// HookState is the lifecycle state of a hook.
type HookState uint8

const (
	Unregistered HookState = iota
	Installing
	Active
	Disabled
	Removed
)

func (s HookState) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Installing:
		return "installing"
	case Active:
		return "active"
	case Disabled:
		return "disabled"
	case Removed:
		return "removed"
	}
	return fmt.Sprintf("state(%d)", s)
}

// Hook is a handle to a redirection created by Registry.CreateHook.
type Hook struct {
	addr     uintptr
	target   uintptr
	strategy Strategy
	state    HookState
	redirect Redirect

	original []byte
	patched  []byte
}

func (h *Hook) Address() uintptr   { return h.addr }
func (h *Hook) Target() uintptr    { return h.target }
func (h *Hook) Strategy() Strategy { return h.strategy }
func (h *Hook) State() HookState   { return h.state }

// Original returns the entry point of the original behavior, or zero if the
// strategy does not keep one.
func (h *Hook) Original() uintptr { return h.redirect.Original }

// OriginalBytes returns the bytes the hook overwrote.
func (h *Hook) OriginalBytes() []byte {
	return slices.Clone(h.original)
}

func (h *Hook) end() uintptr {
	return h.addr + uintptr(len(h.original))
}

// Call describes one invocation of a hooked function as seen by callbacks.
type Call struct {
	Address uintptr
	Args    []uintptr
	Return  uintptr

	// Value is free for the caller of Dispatch to fill in.
	Value any
}

// Callback is notified around a hooked call.
type Callback interface {
	HookCalled(c *Call) error
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(c *Call) error

func (f CallbackFunc) HookCalled(c *Call) error {
	return f(c)
}

// Registry tracks the hooks installed in a target. Hooks are created,
// toggled and removed by a single controlling goroutine. Callbacks may be
// added and dispatched from any goroutine.
type Registry struct {
	mem       *Memory
	installer Installer
	log       zerolog.Logger

	hooks  map[uintptr]*Hook
	order  []*Hook
	closed bool

	cbMu sync.RWMutex
	pre  map[uintptr][]Callback
	post map[uintptr][]Callback
}

// NewRegistry returns a Registry that installs hooks through installer.
func NewRegistry(mem *Memory, installer Installer, log zerolog.Logger) *Registry {
	return &Registry{
		mem:       mem,
		installer: installer,
		log:       log,
		hooks:     map[uintptr]*Hook{},
		pre:       map[uintptr][]Callback{},
		post:      map[uintptr][]Callback{},
	}
}

// CreateHook redirects the code or slot at addr to target. On failure no
// byte at addr is left modified.
func (r *Registry) CreateHook(addr, target uintptr, s Strategy) (*Hook, error) {
	if r.closed {
		return nil, ErrNotInitialized
	}
	if err := s.validate(); err != nil {
		return nil, wrapError(InvalidArgument, addr, err)
	}
	if _, ok := r.hooks[addr]; ok {
		return nil, newError(AlreadyHooked, addr, "cannot hook twice")
	}

	n := s.patchLen(r.mem.proc.PointerSize())
	end := addr + uintptr(n)
	for _, other := range r.order {
		if addr < other.end() && other.addr < end {
			return nil, newError(InvalidAddress, addr, "patch overlaps hook at %#x", other.addr)
		}
	}
	if !r.mem.ValidateAddress(addr, uintptr(n)) {
		return nil, newError(InvalidAddress, addr, "%d bytes are not accessible", n)
	}

	h := &Hook{
		addr:     addr,
		target:   target,
		strategy: s,
		state:    Installing,
	}

	err := r.mem.Transact(func(tx *Tx) error {
		original, err := tx.Read(addr, n)
		if err != nil {
			return err
		}
		h.original = original

		redirect, err := r.installer.Install(tx, Site{
			Address:  addr,
			Target:   target,
			Strategy: s,
			Original: slices.Clone(original),
		})
		if err != nil {
			return err
		}
		h.redirect = redirect

		patched, err := tx.Read(addr, n)
		if err != nil {
			return err
		}
		if bytes.Equal(patched, original) {
			return errors.New("installer left the site unchanged")
		}
		h.patched = patched
		return nil
	})
	if err != nil {
		h.state = Unregistered
		r.log.Warn().Err(err).Str("addr", hexAddr(addr)).Stringer("strategy", s).Msg("hook install failed")
		if KindOf(err) == PartialRestoreFailure {
			return nil, err
		}
		if verr := r.verifyUnchanged(h); verr != nil {
			return nil, &Error{Kind: PartialRestoreFailure, Addrs: []uintptr{addr}, Err: errors.Join(err, verr)}
		}
		return nil, wrapError(HookInstallFailed, addr, err)
	}

	h.state = Active
	r.hooks[addr] = h
	r.order = append(r.order, h)
	r.log.Info().Str("addr", hexAddr(addr)).Str("target", hexAddr(target)).Stringer("strategy", s).Msg("hook installed")
	return h, nil
}

// verifyUnchanged checks that a failed install left the original bytes in
// place.
func (r *Registry) verifyUnchanged(h *Hook) error {
	if h.original == nil {
		return nil
	}
	cur, err := r.mem.ReadMemory(h.addr, len(h.original))
	if err != nil {
		return fmt.Errorf("verifying %#x: %w", h.addr, err)
	}
	if !bytes.Equal(cur, h.original) {
		return fmt.Errorf("bytes at %#x are % x, want % x", h.addr, cur, h.original)
	}
	return nil
}

// RemoveHook restores the original code and frees the hook's resources.
func (r *Registry) RemoveHook(h *Hook) error {
	if err := r.check(h); err != nil {
		return err
	}

	if h.state == Active {
		err := r.mem.Transact(func(tx *Tx) error {
			return tx.Write(h.addr, h.original)
		})
		if err != nil {
			return fmt.Errorf("removing hook at %#x: restoring original bytes: %w", h.addr, err)
		}
	}

	h.state = Removed
	delete(r.hooks, h.addr)
	r.order = slices.DeleteFunc(r.order, func(other *Hook) bool { return other == h })

	err := r.mem.Transact(func(tx *Tx) error {
		return r.installer.Release(tx, h.redirect)
	})
	if err != nil {
		r.log.Warn().Err(err).Str("addr", hexAddr(h.addr)).Msg("releasing hook resources failed")
		return fmt.Errorf("removing hook at %#x: releasing resources: %w", h.addr, err)
	}

	r.log.Info().Str("addr", hexAddr(h.addr)).Msg("hook removed")
	return nil
}

// EnableHook re-installs the redirection of a disabled hook.
func (r *Registry) EnableHook(h *Hook) error {
	if err := r.check(h); err != nil {
		return err
	}
	if h.state == Active {
		return nil
	}
	err := r.mem.Transact(func(tx *Tx) error {
		return tx.Write(h.addr, h.patched)
	})
	if err != nil {
		return fmt.Errorf("enabling hook at %#x: %w", h.addr, err)
	}
	h.state = Active
	return nil
}

// DisableHook writes back the original code but keeps the hook registered so
// it can be enabled again.
func (r *Registry) DisableHook(h *Hook) error {
	if err := r.check(h); err != nil {
		return err
	}
	if h.state == Disabled {
		return nil
	}
	err := r.mem.Transact(func(tx *Tx) error {
		return tx.Write(h.addr, h.original)
	})
	if err != nil {
		return fmt.Errorf("disabling hook at %#x: %w", h.addr, err)
	}
	h.state = Disabled
	return nil
}

// Lookup returns the hook at addr.
func (r *Registry) Lookup(addr uintptr) (*Hook, bool) {
	h, ok := r.hooks[addr]
	return h, ok
}

// Hooks returns the registered hooks in creation order.
func (r *Registry) Hooks() []*Hook {
	return slices.Clone(r.order)
}

// Close removes every hook, newest first. Hooks that cannot be removed stay
// registered and their errors are joined.
func (r *Registry) Close() error {
	if r.closed {
		return nil
	}
	var errs []error
	for _, h := range slices.Backward(r.Hooks()) {
		if err := r.RemoveHook(h); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	r.markClosed()
	return nil
}

// markClosed makes every later call fail with NotInitialized, whether or
// not all hooks were removed.
func (r *Registry) markClosed() {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.closed = true
}

func (r *Registry) check(h *Hook) error {
	if r.closed {
		return ErrNotInitialized
	}
	if h == nil {
		return newError(UnknownHandle, 0, "nil hook")
	}
	if r.hooks[h.addr] != h {
		return newError(UnknownHandle, h.addr, "hook is not registered")
	}
	return nil
}

// AddPreHookCallback registers cb to run before calls through the hook at
// addr. Callbacks run in registration order.
func (r *Registry) AddPreHookCallback(addr uintptr, cb Callback) error {
	return r.addCallback(r.pre, addr, cb)
}

// AddPostHookCallback registers cb to run after calls through the hook at
// addr. Callbacks run in registration order.
func (r *Registry) AddPostHookCallback(addr uintptr, cb Callback) error {
	return r.addCallback(r.post, addr, cb)
}

func (r *Registry) addCallback(m map[uintptr][]Callback, addr uintptr, cb Callback) error {
	if cb == nil {
		return newError(InvalidArgument, addr, "nil callback")
	}
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	if r.closed {
		return ErrNotInitialized
	}
	m[addr] = append(m[addr], cb)
	return nil
}

// RemovePreHookCallback unregisters every pre callback for addr. It fails
// with UnknownHandle if there were none.
func (r *Registry) RemovePreHookCallback(addr uintptr) error {
	return r.removeCallbacks(r.pre, addr, "pre")
}

// RemovePostHookCallback unregisters every post callback for addr. It fails
// with UnknownHandle if there were none.
func (r *Registry) RemovePostHookCallback(addr uintptr) error {
	return r.removeCallbacks(r.post, addr, "post")
}

func (r *Registry) removeCallbacks(m map[uintptr][]Callback, addr uintptr, phase string) error {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	if r.closed {
		return ErrNotInitialized
	}
	if len(m[addr]) == 0 {
		return newError(UnknownHandle, addr, "no %s callbacks", phase)
	}
	delete(m, addr)
	return nil
}

// Dispatch runs the pre callbacks for addr, then fn, then the post
// callbacks, and returns fn's error. Hook targets call it to notify
// subscribers. A failing or panicking callback is logged and does not stop
// the others.
func (r *Registry) Dispatch(addr uintptr, c *Call, fn func(c *Call) error) error {
	if c == nil {
		c = &Call{}
	}
	c.Address = addr

	r.cbMu.RLock()
	pre := slices.Clone(r.pre[addr])
	post := slices.Clone(r.post[addr])
	r.cbMu.RUnlock()

	for i, cb := range pre {
		r.invoke(cb, c, "pre", i)
	}

	var err error
	if fn != nil {
		err = fn(c)
	}

	for i, cb := range post {
		r.invoke(cb, c, "post", i)
	}
	return err
}

func (r *Registry) invoke(cb Callback, c *Call, phase string, i int) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("addr", hexAddr(c.Address)).Str("phase", phase).Int("callback", i).Interface("panic", p).Msg("hook callback panicked")
		}
	}()
	if err := cb.HookCalled(c); err != nil {
		r.log.Warn().Err(err).Str("addr", hexAddr(c.Address)).Str("phase", phase).Int("callback", i).Msg("hook callback failed")
	}
}
