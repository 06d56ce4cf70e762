//go:build unix && !linux && !freebsd

package detour

// Darwin, NetBSD and OpenBSD can't refuse a taken address without also
// replacing what's there, so the address is only a hint. locateFrame checks
// where the mapping actually landed.
//
// https://man.netbsd.org/mmap.2
// https://man.openbsd.org/mmap.2
const _MAP_FIXED_NOREPLACE = 0
