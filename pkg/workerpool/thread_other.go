//go:build !linux

package workerpool

// setupThread is a no-op where per-thread affinity and priority are not
// available through x/sys.
func setupThread(cpuID, priority int) error {
	return nil
}
