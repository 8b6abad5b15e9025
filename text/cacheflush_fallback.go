//go:build !arm64

package text

const canFlush = true

// x86 keeps the instruction cache coherent with stores.
func cacheflush(buf []byte) {}
