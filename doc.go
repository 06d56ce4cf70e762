// Hook native functions at runtime
//
// detour redirects the entry of already loaded x86-64 code to a replacement
// routine. The first instructions of the target are copied to a small frame
// allocated within 2GiB of it, RIP-relative operands and relative branches in
// the copy are re-pointed, and a jump back to the rest of the target is
// appended. The target's entry is then overwritten with an absolute jump to
// the replacement. Calling the frame (the trampoline) behaves like calling
// the original.
//
// Installer works on raw code addresses. Func and Restore do the same for Go
// functions.
//
// Limitations:
//   - Only supports amd64
//   - Silently fails to hook inlined call sites
//   - Can't hook code that is running while the hook is installed
//   - A prologue containing JCXZ or LOOP can't be relocated
//   - Install can't see branches from later code back into the overwritten
//     bytes; Func checks the whole function and refuses to hook it
//   - If the trampoline needs to grow the stack, the call restarts at the
//     hooked entry and runs the replacement
package detour
