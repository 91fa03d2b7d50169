// Package classfile describes the structural shape of the bytecode blobs the
// cache accepts and checks inputs and transform outputs against it.
package classfile

import (
	"bytes"
	"encoding/binary"

	"github.com/scttfrdmn/classcache/pkg/errors"
)

// Format is the structural contract for a bytecode blob: a fixed magic
// prefix followed at VersionOffset by a big-endian uint16 version.
type Format struct {
	Magic         []byte
	MinVersion    uint16
	MaxVersion    uint16
	VersionOffset int
	MinSize       int
	MaxSize       int
}

// DefaultFormat is the JVM class file format. The major version (Java 1.1
// through Java 26) is at offset 6.
var DefaultFormat = Format{
	Magic:         []byte{0xCA, 0xFE, 0xBA, 0xBE},
	MinVersion:    45,
	MaxVersion:    70,
	VersionOffset: 6,
	MinSize:       10,
	MaxSize:       16 << 20,
}

// Validate checks that data looks like a well-formed blob. The returned
// error carries ErrCodeValidationFailed.
func (f Format) Validate(data []byte) error {
	if err := f.check(data); err != nil {
		return errors.NewError(errors.ErrCodeValidationFailed, err.Error()).
			WithComponent("classfile").
			WithOperation("validate")
	}
	return nil
}

// CheckOutput applies the same structural checks to transform output. The
// returned error carries ErrCodeInvalidOutput so it counts as a failure.
func (f Format) CheckOutput(data []byte) error {
	if err := f.check(data); err != nil {
		return errors.NewError(errors.ErrCodeInvalidOutput, err.Error()).
			WithComponent("classfile").
			WithOperation("check_output")
	}
	return nil
}

// HasMagic reports whether prefix starts with the format magic.
func (f Format) HasMagic(prefix []byte) bool {
	return len(prefix) >= len(f.Magic) && bytes.Equal(prefix[:len(f.Magic)], f.Magic)
}

// Version returns the version field of data, or false if data is too short.
func (f Format) Version(data []byte) (uint16, bool) {
	if f.VersionOffset < 0 || len(data) < f.VersionOffset+2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(data[f.VersionOffset:]), true
}

type formatError string

func (e formatError) Error() string { return string(e) }

func (f Format) check(data []byte) error {
	switch {
	case data == nil:
		return formatError("input is nil")
	case len(data) < f.MinSize:
		return formatError("input shorter than minimum size")
	case f.MaxSize > 0 && len(data) > f.MaxSize:
		return formatError("input larger than maximum size")
	case !f.HasMagic(data):
		return formatError("bad magic")
	}

	version, ok := f.Version(data)
	if !ok {
		return formatError("input too short for version field")
	}
	if version < f.MinVersion || version > f.MaxVersion {
		return formatError("version out of supported range")
	}
	return nil
}

// Build returns a blob with the format header (magic, zero padding up to the
// version field, version) followed by body. Build is mainly useful to tests
// and tooling that need syntactically valid inputs.
func (f Format) Build(version uint16, body []byte) []byte {
	header := f.VersionOffset + 2
	if header < len(f.Magic) {
		header = len(f.Magic)
	}
	out := make([]byte, header, header+len(body))
	copy(out, f.Magic)
	binary.BigEndian.PutUint16(out[f.VersionOffset:], version)
	out = append(out, body...)
	for len(out) < f.MinSize {
		out = append(out, 0)
	}
	return out
}
