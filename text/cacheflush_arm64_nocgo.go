//go:build arm64 && !cgo

package text

// arm64 requires a C compiler to flush the instruction cache. Host can't
// write text without it; build with CGO_ENABLED=1.
const canFlush = false

func cacheflush([]byte) {}
