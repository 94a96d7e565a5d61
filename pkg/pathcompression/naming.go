package pathcompression

import (
	"strings"
	"time"
)

// NamePlaceholder is replaced with the last path segment of the target.
const NamePlaceholder = "%NAME"

// DefaultNameFormat is used when a target has no naming format.
const DefaultNameFormat = "Backup-%NAME-2006-01-02--15-04-05"

// ArchiveName renders format for the given time. format is a Go time layout;
// %NAME is substituted after formatting so target names are never read as
// layout tokens. The format extension is appended unless already present.
func ArchiveName(format, name string, t time.Time, f Format) string {
	out := renderName(format, name, t)
	if !strings.HasSuffix(out, f.Extension()) {
		out += f.Extension()
	}
	return out
}

func renderName(format, name string, t time.Time) string {
	if format == "" {
		format = DefaultNameFormat
	}
	parts := strings.Split(format, NamePlaceholder)
	for i, p := range parts {
		if p != "" {
			parts[i] = t.Format(p)
		}
	}
	return strings.Join(parts, name)
}

// prefixSamples differ in the first character of every layout element, so
// their renderings only share the literal text in front of the first one.
var prefixSamples = []time.Time{
	time.Date(1999, time.January, 1, 0, 0, 0, 0, time.UTC),
	time.Date(2088, time.September, 19, 9, 9, 9, 0, time.UTC),
	time.Date(2047, time.December, 31, 23, 59, 59, 0, time.UTC),
}

// ArchivePrefix returns the fixed leading part of every name ArchiveName
// renders for format and name. Archives of one target all start with it.
func ArchivePrefix(format, name string) string {
	prefix := renderName(format, name, prefixSamples[0])
	for _, t := range prefixSamples[1:] {
		other := renderName(format, name, t)
		n := 0
		for n < len(prefix) && n < len(other) && prefix[n] == other[n] {
			n++
		}
		prefix = prefix[:n]
	}
	return prefix
}
