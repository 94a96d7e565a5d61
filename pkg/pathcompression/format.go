package pathcompression

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
)

// Format is the container/codec pair of a solid archive.
type Format string

const (
	TarGz  Format = "tar.gz"
	TarZst Format = "tar.zst"
)

var formatToString = map[Format]string{
	TarGz:  "tar.gz",
	TarZst: "tar.zst",
}

var stringToFormat map[string]Format

func init() {
	stringToFormat = util.InvertMap(formatToString)
}

func (f Format) String() string {
	if str, ok := formatToString[f]; ok {
		return str
	}
	return fmt.Sprintf("unknown_compression_format(%s)", string(f))
}

// Extension returns the file suffix including the leading dot.
func (f Format) Extension() string {
	return "." + f.String()
}

// ParseFormat parses a format name. Empty means tar.zst.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return TarZst, nil
	}
	if format, ok := stringToFormat[strings.ToLower(s)]; ok {
		return format, nil
	}
	return "", fmt.Errorf("invalid compression format: %q. Must be 'tar.gz' or 'tar.zst'", s)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *Format) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("compression format should be a string: %w", err)
	}
	format, err := ParseFormat(s)
	if err != nil {
		return err
	}
	*f = format
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (f Format) MarshalYAML() (any, error) {
	return f.String(), nil
}
