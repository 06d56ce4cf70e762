package detour

import "golang.org/x/sys/unix"

// Fail instead of picking another address when the hint is taken. Kernels
// older than 4.17 ignore the flag and treat the address as a plain hint,
// which locateFrame handles by checking the result.
const _MAP_FIXED_NOREPLACE = unix.MAP_FIXED_NOREPLACE
