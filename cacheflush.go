//go:build unix

package detour

// x86 keeps the instruction cache coherent with data writes, so there's
// nothing to flush on the unix platforms this package runs on.
func cacheflush(buf []byte) {}
