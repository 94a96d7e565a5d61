//go:build linux

package workerpool

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setupThread pins the calling OS thread to cpuID (when >= 0) and sets its
// nice value (when != 0). The caller must hold runtime.LockOSThread.
func setupThread(cpuID, priority int) error {
	if cpuID >= 0 {
		var set unix.CPUSet
		set.Zero()
		set.Set(cpuID)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			return fmt.Errorf("set affinity: %w", err)
		}
	}
	if priority != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), priority); err != nil {
			return fmt.Errorf("set priority: %w", err)
		}
	}
	return nil
}
