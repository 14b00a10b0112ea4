// Patch and hook a running executable
//
// An Engine attaches to a target process, identifies its build from the
// version resource or from byte signatures, and then reads, writes and
// redirects code in it. Every change goes through a Memory, which lifts page
// protection only for the duration of a write, and is recorded so it can be
// reverted exactly: hooks by RemoveHook or Detach, byte patches by
// Session.RestoreGame.
//
// Targets:
//   - Self for the current process (Linux and Windows)
//   - Open for another process by pid (Linux and Windows)
//   - Buffer for an image held in memory, mostly useful in tests
//
// Limitations:
//   - Hooks are written for x86 code only
//   - On Linux the current process cannot be suspended while it is patched,
//     so hooks installed through Self are not atomic. Never hook code another
//     thread may be executing.
//   - Calling conventions of hooked functions are up to the caller
package livepatch
