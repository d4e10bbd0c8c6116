package guard

import "golang.org/x/sys/unix"

// disableDump excludes the span from core dumps. Best effort, the kernel
// may not support the advice.
func disableDump(b []byte) {
	_ = unix.Madvise(b, unix.MADV_DONTDUMP)
}
