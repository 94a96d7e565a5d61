//go:build !windows

package preflight

// checkVolumeExists is a no-op; Unix paths have no volume component.
func checkVolumeExists(path string) error {
	return nil
}

func isUnsafeRoot(path string) bool {
	return path == "/"
}
