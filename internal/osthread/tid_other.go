//go:build !linux && !windows

package osthread

import (
	"bytes"
	"runtime"
	"strconv"
)

// gettid falls back to the goroutine id. A locked goroutine and its thread
// map one to one, so the id is unique among locked owners.
func gettid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	line := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(line, ' '); i > 0 {
		line = line[:i]
	}
	id, err := strconv.ParseUint(string(line), 10, 64)
	if err != nil {
		return 0
	}
	return id + 1<<32
}
