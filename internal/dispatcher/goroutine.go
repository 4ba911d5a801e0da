package dispatcher

import (
	"runtime"
	"strconv"
)

// goroutineID recovers the calling goroutine's numeric id by parsing the
// "goroutine NNN [" prefix out of a small runtime.Stack dump. Go exposes
// no native thread-local storage and goroutines are not OS threads, so
// this is the key the dispatcher binds each goroutine's arena and small
// cache to.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]

	// b looks like "goroutine 123 [running]:\n..."
	const prefix = "goroutine "
	if len(b) <= len(prefix) {
		return 0
	}
	b = b[len(prefix):]
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	id, err := strconv.ParseUint(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
