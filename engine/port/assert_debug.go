//go:build debug

package port

import "fmt"

// assertf panics when cond is false. Only compiled into builds tagged debug.
func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("port: "+format, args...))
	}
}
