package zipstream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Record signatures
const (
	LocalHeaderSignature      = 0x04034B50
	CentralDirectorySignature = 0x02014B50
)

// Local file header layout:
//
//	offset size field
//	0      4    signature
//	4      2    version needed to extract
//	6      2    general purpose flags
//	8      2    compression method
//	10     2    last mod time
//	12     2    last mod date
//	14     4    crc-32
//	18     4    compressed size
//	22     4    uncompressed size
//	26     2    file name length
//	28     2    extra field length
//	30     n    file name, then extra field
const (
	LocalHeaderSize    = 30
	DataDescriptorSize = 12

	flagsOffset            = 6
	methodOffset           = 8
	crc32Offset            = 14
	compressedSizeOffset   = 18
	uncompressedSizeOffset = 22
	nameLenOffset          = 26
	extraLenOffset         = 28
	nameOffset             = 30
)

// MethodStore is the only supported compression method.
const MethodStore = 0

// FlagDataDescriptor marks an entry followed by a data descriptor.
const FlagDataDescriptor = 1 << 3

// MaxNameLen is the size of the fixed file name field; leaf names must be
// strictly shorter.
const MaxNameLen = 50

// ErrShortBuffer means the buffer ends inside a record. Nothing was consumed.
var ErrShortBuffer = errors.New("need more data")

// FormatError reports a record that cannot be accepted.
type FormatError struct {
	Msg string
}

func (e *FormatError) Error() string {
	return e.Msg
}

// LocalFileHeader is a decoded local file header.
type LocalFileHeader struct {
	Flags            uint16
	Method           uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	// RawName is the name as stored in the archive, Name its leaf.
	RawName string
	Name    string
	// Len is the number of bytes the header occupies, name and extra included.
	Len int
}

// HasDataDescriptor reports whether a 12-byte descriptor follows the data.
func (h *LocalFileHeader) HasDataDescriptor() bool {
	return h.Flags&FlagDataDescriptor != 0
}

// Size returns the declared data size.
func (h *LocalFileHeader) Size() uint32 {
	return h.UncompressedSize
}

var (
	localMagic = le32(LocalHeaderSignature)
	cdirMagic  = le32(CentralDirectorySignature)
)

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// ParseLocalHeader decodes the local file header at the start of b.
// It returns ErrShortBuffer when b does not yet hold the whole header,
// name and extra field.
func ParseLocalHeader(b []byte) (*LocalFileHeader, error) {
	if len(b) < LocalHeaderSize {
		return nil, ErrShortBuffer
	}

	if !bytes.Equal(b[:4], localMagic) {
		return nil, &FormatError{Msg: "Malformed archive (invalid file header)"}
	}

	nameLen := int(binary.LittleEndian.Uint16(b[nameLenOffset:]))
	extraLen := int(binary.LittleEndian.Uint16(b[extraLenOffset:]))
	total := LocalHeaderSize + nameLen + extraLen
	if len(b) < total {
		return nil, ErrShortBuffer
	}

	h := &LocalFileHeader{
		Flags:            binary.LittleEndian.Uint16(b[flagsOffset:]),
		Method:           binary.LittleEndian.Uint16(b[methodOffset:]),
		CRC32:            binary.LittleEndian.Uint32(b[crc32Offset:]),
		CompressedSize:   binary.LittleEndian.Uint32(b[compressedSizeOffset:]),
		UncompressedSize: binary.LittleEndian.Uint32(b[uncompressedSizeOffset:]),
		RawName:          string(b[nameOffset : nameOffset+nameLen]),
		Len:              total,
	}

	if h.Method != MethodStore {
		return nil, &FormatError{Msg: fmt.Sprintf("File is compressed (method %d)", h.Method)}
	}

	h.Name = LeafName(h.RawName)
	if len(h.Name) >= MaxNameLen {
		return nil, &FormatError{Msg: "Too long file name"}
	}

	if h.CompressedSize != h.UncompressedSize {
		return nil, &FormatError{Msg: "Malformed archive"}
	}

	return h, nil
}

// IsCentralDirectory reports whether b starts with a central directory
// record, which ends the sequence of local entries.
func IsCentralDirectory(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], cdirMagic)
}

// LeafName strips any directory prefix from an archive entry name.
func LeafName(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// EncodeLocalHeader builds a stored local file header for name.
func EncodeLocalHeader(name string, flags uint16, crc, size uint32) []byte {
	header := make([]byte, LocalHeaderSize+len(name))
	binary.LittleEndian.PutUint32(header[0:4], LocalHeaderSignature)
	binary.LittleEndian.PutUint16(header[4:6], 10)
	binary.LittleEndian.PutUint16(header[flagsOffset:], flags)
	binary.LittleEndian.PutUint16(header[methodOffset:], MethodStore)
	binary.LittleEndian.PutUint32(header[crc32Offset:], crc)
	binary.LittleEndian.PutUint32(header[compressedSizeOffset:], size)
	binary.LittleEndian.PutUint32(header[uncompressedSizeOffset:], size)
	binary.LittleEndian.PutUint16(header[nameLenOffset:], uint16(len(name)))
	binary.LittleEndian.PutUint16(header[extraLenOffset:], 0)
	copy(header[nameOffset:], name)
	return header
}
