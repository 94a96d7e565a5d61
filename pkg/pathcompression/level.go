package pathcompression

import (
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Level is the configured compression level, 0 (fastest) to 9 (smallest).
type Level int

const (
	MinLevel     Level = 0
	MaxLevel     Level = 9
	DefaultLevel Level = 5
)

// Clamp returns l limited to [MinLevel, MaxLevel].
func (l Level) Clamp() Level {
	if l < MinLevel {
		return MinLevel
	}
	if l > MaxLevel {
		return MaxLevel
	}
	return l
}

// zstdLevel maps 0..9 onto the four zstd encoder speeds.
func (l Level) zstdLevel() zstd.EncoderLevel {
	switch c := l.Clamp(); {
	case c <= 1:
		return zstd.SpeedFastest
	case c <= 5:
		return zstd.SpeedDefault
	case c <= 7:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// gzipLevel maps 0..9 directly; 0 stores without compression.
func (l Level) gzipLevel() int {
	c := l.Clamp()
	if c == 0 {
		return pgzip.NoCompression
	}
	return int(c)
}
