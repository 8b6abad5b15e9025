//go:build !linux

package text

func syncCores() {}
