package heap

import "golang.org/x/sys/unix"

// threadID identifies the calling OS thread. Callers that need a stable
// identity across calls should hold runtime.LockOSThread.
func threadID() int64 {
	return int64(unix.Gettid())
}
