package pathcompression

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pool"
	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
)

// tarCompressor writes one manifest into one solid archive. All entries go
// through a single tar.Writer in manifest order.
type tarCompressor struct {
	format       Format
	level        Level
	ioBufferPool *pool.FixedBufferPool
	metrics      Metrics
	onProcessed  func(rel string)

	tw *tar.Writer
}

func newTarCompressor(format Format, level Level, ioBufferPool *pool.FixedBufferPool, metrics Metrics, onProcessed func(string)) *tarCompressor {
	return &tarCompressor{
		format:       format,
		level:        level,
		ioBufferPool: ioBufferPool,
		metrics:      metrics,
		onProcessed:  onProcessed,
	}
}

// Compress writes m to absArchiveFilePath via a temp file and an atomic rename.
func (c *tarCompressor) Compress(ctx context.Context, m *Manifest, absArchiveFilePath string) (res Result, retErr error) {
	plog.Notice("COMPRESS", "source", m.Root, "archive", absArchiveFilePath, "files", len(m.Files))

	// 1. Create Temp File
	trgF, err := os.CreateTemp(filepath.Dir(absArchiveFilePath), "pgl-serverbackup-*.tmp")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create temp archive: %w", err)
	}
	tempTrgPath := trgF.Name()

	// Ensure cleanup on error
	defer func() {
		if retErr != nil {
			trgF.Close()
			os.Remove(tempTrgPath)
		}
	}()

	// 2. Write Archive Content
	cw := &countingWriter{w: trgF}
	sourceBytes, err := c.writeArchive(ctx, cw, m)
	if err != nil {
		return Result{}, err
	}

	// 3. Close explicitly
	if err := trgF.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to close temp file: %w", err)
	}

	// 4. Atomic Rename
	if err := os.Rename(tempTrgPath, absArchiveFilePath); err != nil {
		return Result{}, fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}

	c.metrics.AddCompressedBytes(cw.n)
	return Result{
		Path:        absArchiveFilePath,
		Files:       len(m.Files),
		SourceBytes: sourceBytes,
		Bytes:       cw.n,
	}, nil
}

func (c *tarCompressor) newCodecWriter(w io.Writer) (io.WriteCloser, error) {
	if c.format == TarGz {
		gw, err := pgzip.NewWriterLevel(w, c.level.gzipLevel())
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return gw, nil
	}
	// One encoder goroutine per archive keeps the work on the compression pool.
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(c.level.zstdLevel()), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	return zw, nil
}

func (c *tarCompressor) writeArchive(ctx context.Context, w io.Writer, m *Manifest) (sourceBytes int64, retErr error) {
	bufWriter := bufio.NewWriterSize(w, int(c.ioBufferPool.Size()))

	codec, err := c.newCodecWriter(bufWriter)
	if err != nil {
		return 0, err
	}

	c.tw = tar.NewWriter(codec)

	// Robust cleanup
	defer func() {
		if err := c.tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := codec.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	bufPtr := c.ioBufferPool.Get()
	defer c.ioBufferPool.Put(bufPtr)

	for _, rel := range m.Files {
		// Entries are never interrupted; cancellation is checked between them.
		select {
		case <-ctx.Done():
			return sourceBytes, ctx.Err()
		default:
		}

		n, err := c.writeFile(filepath.Join(m.Root, util.DenormalizePath(rel)), rel, *bufPtr)
		if err != nil {
			return sourceBytes, err
		}
		sourceBytes += n
		c.metrics.AddFilesProcessed(1)
		c.metrics.AddOriginalBytes(n)
		c.onProcessed(rel)
	}
	return sourceBytes, nil
}

// writeFile adds one entry. Errors reading the source are logged and leave a
// truncated entry (or no entry if the file cannot be opened); only errors on
// the archive side are returned.
func (c *tarCompressor) writeFile(absSrcPath, relPathKey string, buf []byte) (int64, error) {
	f, info, err := secureFileOpen(absSrcPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Removed between enumeration and compression.
			return 0, nil
		}
		logReadError(relPathKey, err)
		return 0, nil
	}
	defer f.Close()

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		logReadError(relPathKey, err)
		return 0, nil
	}
	header.Name = relPathKey

	plog.Notice("ADD", "file", relPathKey)
	if err := c.tw.WriteHeader(header); err != nil {
		return 0, fmt.Errorf("failed to write tar header for %s: %w", relPathKey, err)
	}

	written, readErr, writeErr := copyEntry(c.tw, f, header.Size, buf)
	if writeErr != nil {
		return written, fmt.Errorf("failed to write %s to archive: %w", relPathKey, writeErr)
	}
	if written < header.Size {
		if readErr != nil {
			logReadError(relPathKey, readErr)
		} else {
			plog.Warn("File shrank while archiving, entry padded", "file", relPathKey, "expected", header.Size, "read", written)
		}
		// The tar header promised header.Size bytes.
		if _, err := io.CopyN(c.tw, zeroReader{}, header.Size-written); err != nil {
			return written, fmt.Errorf("failed to pad %s: %w", relPathKey, err)
		}
	}
	return written, nil
}

// copyEntry copies at most size bytes, separating source and sink errors.
func copyEntry(dst io.Writer, src io.Reader, size int64, buf []byte) (written int64, readErr, writeErr error) {
	for written < size {
		chunk := buf
		if remaining := size - written; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		nr, er := src.Read(chunk)
		if nr > 0 {
			nw, ew := dst.Write(chunk[:nr])
			written += int64(nw)
			if ew != nil {
				return written, nil, ew
			}
			if nw != nr {
				return written, nil, io.ErrShortWrite
			}
		}
		if er != nil {
			if er == io.EOF {
				return written, nil, nil
			}
			return written, er, nil
		}
	}
	return written, nil, nil
}

func logReadError(relPathKey string, err error) {
	// Session lock files are held open by the server and always fail.
	if strings.HasSuffix(relPathKey, ".lock") {
		plog.Debug("Skipping locked file", "file", relPathKey)
		return
	}
	plog.Warn("Failed to read file for archive", "file", relPathKey, "error", err)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
