package pathcompression

import (
	"fmt"
	"io"
	"os"
)

// countingWriter counts bytes written to the archive file.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	cw.n += int64(n)
	return
}

// secureFileOpen opens absFilePath and returns the stat of the opened handle,
// so the tar header describes exactly the file being read. It refuses
// anything that is not a regular file by the time it is opened.
func secureFileOpen(absFilePath string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(absFilePath)
	if err != nil {
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat opened file: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("not a regular file anymore: %s", absFilePath)
	}
	return f, info, nil
}
