package text

import "golang.org/x/sys/unix"

// Keep loaded code in the low 2GiB, close to the Go text segment, so that
// replacements can usually be reached with a direct jump.
const map32bit = unix.MAP_32BIT
