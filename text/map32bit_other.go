//go:build unix && !(linux && amd64)

package text

// MAP_32BIT only exists on linux/amd64. Elsewhere we'll have to trust the OS
// to give us a suitable address and fall back to long jumps.
const map32bit = 0
