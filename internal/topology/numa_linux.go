//go:build linux

package topology

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const mpolBind = 2

// bindToNode pins the calling thread's scheduling to the node's CPUs and sets
// the process memory policy to allocate from that node only.
func bindToNode(cpus []int, node int) error {
	var set unix.CPUSet
	for _, c := range cpus {
		set.Set(c)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return err
	}

	// set_mempolicy(MPOL_BIND, nodemask, maxnode)
	const bits = 64
	mask := make([]uint64, node/bits+1)
	mask[node/bits] |= 1 << (uint(node) % bits)
	_, _, errno := unix.Syscall(
		unix.SYS_SET_MEMPOLICY,
		uintptr(mpolBind),
		uintptr(unsafe.Pointer(&mask[0])),
		uintptr(len(mask)*bits),
	)
	if errno != 0 {
		return errno
	}
	return nil
}
