package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/scttfrdmn/classcache/pkg/errors"
)

const (
	// Magic identifies an index file ("CLSCACHK").
	Magic uint64 = 0x434C53434143484B
	// FormatVersion is the on-disk layout version.
	FormatVersion uint32 = 1
)

// minEntrySize is the encoded size of an entry with an empty key, hash and
// file name.
const minEntrySize = 2 + 4 + 8 + 8 + 2 + 8 + 4 + 4

// maxHashLen bounds hash_len so a corrupt length cannot force a huge
// allocation.
const maxHashLen = 1 << 10

// Header is the fixed part of an index file.
type Header struct {
	Magic         uint64
	FormatVersion uint32
	Producer      string
}

// Encode writes header and entries in the index file layout. All integers
// are big-endian.
func Encode(w io.Writer, producer string, entries []Entry) error {
	if len(producer) > math.MaxUint16 {
		return fmt.Errorf("producer string too long: %d bytes", len(producer))
	}
	if uint64(len(entries)) > math.MaxUint32 {
		return fmt.Errorf("too many entries: %d", len(entries))
	}

	var buf bytes.Buffer
	put := func(v interface{}) {
		_ = binary.Write(&buf, binary.BigEndian, v)
	}

	put(Magic)
	put(FormatVersion)
	put(uint16(len(producer)))
	buf.WriteString(producer)
	put(uint32(len(entries)))

	for _, e := range entries {
		if len(e.Key) > math.MaxUint16 || len(e.BackingFile) > math.MaxUint16 {
			return fmt.Errorf("entry %q: key or file name too long", e.Key)
		}
		if len(e.ContentHash) > maxHashLen {
			return fmt.Errorf("entry %q: content hash too long", e.Key)
		}
		put(uint16(len(e.Key)))
		buf.WriteString(e.Key)
		put(uint32(len(e.ContentHash)))
		buf.Write(e.ContentHash)
		put(e.SourceMTime)
		put(e.OutputSize)
		put(uint16(len(e.BackingFile)))
		buf.WriteString(e.BackingFile)
		put(e.CachedAt)
		put(e.Producer.Major)
		put(e.Producer.Minor)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// decoder reads big-endian fields and remembers the first short read.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.data)-d.off < n {
		d.err = fmt.Errorf("truncated at offset %d: need %d bytes", d.off, n)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) str16() string {
	return string(d.take(int(d.u16())))
}

// Decode parses an index file. Any structural problem yields a corruption
// error and no entries.
func Decode(data []byte) (Header, []Entry, error) {
	d := &decoder{data: data}

	var h Header
	h.Magic = d.u64()
	if d.err == nil && h.Magic != Magic {
		return Header{}, nil, corruption("bad magic %#x", h.Magic)
	}
	h.FormatVersion = d.u32()
	if d.err == nil && h.FormatVersion != FormatVersion {
		return Header{}, nil, corruption("unsupported format version %d", h.FormatVersion)
	}
	h.Producer = d.str16()
	count := d.u32()
	if d.err != nil {
		return Header{}, nil, corruption("%v", d.err)
	}

	remaining := len(data) - d.off
	if uint64(count)*minEntrySize > uint64(remaining) {
		return Header{}, nil, corruption("entry count %d exceeds file size", count)
	}

	entries := make([]Entry, 0, count)
	seen := make(map[string]struct{}, count)
	for i := uint32(0); i < count; i++ {
		var e Entry
		e.Key = d.str16()
		hashLen := d.u32()
		if d.err == nil && hashLen > maxHashLen {
			return Header{}, nil, corruption("entry %d: hash length %d", i, hashLen)
		}
		if hash := d.take(int(hashLen)); hash != nil {
			e.ContentHash = append([]byte(nil), hash...)
		}
		e.SourceMTime = int64(d.u64())
		e.OutputSize = d.u64()
		e.BackingFile = d.str16()
		e.CachedAt = int64(d.u64())
		e.Producer.Major = int32(d.u32())
		e.Producer.Minor = int32(d.u32())
		if d.err != nil {
			return Header{}, nil, corruption("entry %d: %v", i, d.err)
		}
		if _, dup := seen[e.Key]; dup {
			return Header{}, nil, corruption("entry %d: duplicate key %q", i, e.Key)
		}
		seen[e.Key] = struct{}{}
		entries = append(entries, e)
	}

	if d.off != len(data) {
		return Header{}, nil, corruption("%d bytes of trailing data", len(data)-d.off)
	}
	return h, entries, nil
}

func corruption(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodeCorruption, format, args...).
		WithComponent("index").
		WithOperation("decode")
}
