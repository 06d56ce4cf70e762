//go:build freebsd

package detour

import "golang.org/x/sys/unix"

// MAP_EXCL makes MAP_FIXED fail on an existing mapping instead of replacing
// it, which is what MAP_FIXED_NOREPLACE does on Linux.
//
// https://man.freebsd.org/cgi/man.cgi?mmap(2)
const _MAP_FIXED_NOREPLACE = unix.MAP_FIXED | unix.MAP_EXCL
