package uploader

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
)

// DefaultTestFileSize is the size of the random file written by the test command.
const DefaultTestFileSize = 1000

// WriteTestFile writes size random bytes to a new file in dir and returns its path.
func WriteTestFile(dir string, size int64) (string, error) {
	if size <= 0 {
		size = DefaultTestFileSize
	}
	f, err := os.CreateTemp(dir, "pgl-serverbackup-test-*.bin")
	if err != nil {
		return "", fmt.Errorf("failed to create test file: %w", err)
	}
	defer f.Close()
	if _, err := io.CopyN(f, rand.Reader, size); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write test file: %w", err)
	}
	return f.Name(), nil
}
