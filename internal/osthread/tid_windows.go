//go:build windows

package osthread

import "golang.org/x/sys/windows"

func gettid() uint64 {
	return uint64(windows.GetCurrentThreadId())
}
