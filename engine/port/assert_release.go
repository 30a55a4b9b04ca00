//go:build !debug

package port

func assertf(cond bool, format string, args ...any) {}
