// Package header decodes and encodes the fixed 64-byte header stored in
// front of every user binary and the common library.
//
// Layout (little endian):
//
//	off  size  field
//	0    2     header size (always 64)
//	2    1     binary type
//	3    1     compression
//	4    1     priority
//	5    1     runtime type
//	6    2     reserved
//	8    4     binary size
//	12   4     RAM size
//	16   4     stack size
//	20   16    name, NUL terminated
//	36   16    version, NUL terminated
//	52   8     kernel version, NUL terminated
//	60   4     CRC-32 (IEEE) of bytes 0..59
//
// Text fields are NFC-normalized on both decode and encode so that names
// written by different tools compare equal in the registry.
package header

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	bin "github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/registry"
)

// Size is the encoded header length.
const Size = 64

const (
	nameLen          = 16
	versionLen       = 16
	kernelVersionLen = 8
	crcOffset        = 60
)

// Type is the kind of binary a header describes.
type Type uint8

const (
	TypeUser Type = iota + 1
	TypeCommon
)

func (t Type) String() string {
	switch t {
	case TypeUser:
		return "user"
	case TypeCommon:
		return "common"
	default:
		return "unknown"
	}
}

// Header is a decoded binary header.
type Header struct {
	Type          Type
	Compression   bin.Compression
	Priority      uint8
	RuntimeType   bin.RuntimeType
	BinSize       uint32
	RAMSize       uint32
	StackSize     uint32
	Name          string
	Version       string
	KernelVersion string
}

// Parse decodes and validates a header. The checksum is verified before any
// field is interpreted.
func Parse(data []byte) (Header, error) {
	if len(data) < Size {
		return Header{}, bin.Errorf(bin.CodeInvalidArgument, "header truncated: %d of %d bytes", len(data), Size)
	}
	data = data[:Size]

	le := binary.LittleEndian
	if n := le.Uint16(data[0:2]); n != Size {
		return Header{}, bin.Errorf(bin.CodeInvalidArgument, "header size field is %d, want %d", n, Size)
	}
	if want, got := le.Uint32(data[crcOffset:]), Checksum(data); want != got {
		return Header{}, bin.Errorf(bin.CodeInvalidArgument, "header checksum mismatch: stored %08x, computed %08x", want, got)
	}

	h := Header{
		Type:        Type(data[2]),
		Compression: bin.Compression(data[3]),
		Priority:    data[4],
		RuntimeType: bin.RuntimeType(data[5]),
		BinSize:     le.Uint32(data[8:12]),
		RAMSize:     le.Uint32(data[12:16]),
		StackSize:   le.Uint32(data[16:20]),
	}

	var err error
	if h.Name, err = field("name", data[20:36]); err != nil {
		return Header{}, err
	}
	if h.Version, err = field("version", data[36:52]); err != nil {
		return Header{}, err
	}
	if h.KernelVersion, err = field("kernel version", data[52:60]); err != nil {
		return Header{}, err
	}
	if err := h.Validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// Read decodes a header from the first Size bytes of r.
func Read(r io.Reader) (Header, error) {
	buf := make([]byte, Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, bin.Errorf(bin.CodeInvalidArgument, "read header: %v", err)
	}
	return Parse(buf)
}

// ReadFile decodes the header at the start of the file at path.
func ReadFile(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return Read(f)
}

// Validate checks field ranges.
func (h Header) Validate() error {
	switch h.Type {
	case TypeUser, TypeCommon:
	default:
		return bin.Errorf(bin.CodeInvalidArgument, "unknown binary type %d", uint8(h.Type))
	}
	if h.Compression > bin.CompressionMiniz {
		return bin.Errorf(bin.CodeInvalidArgument, "unknown compression %d", uint8(h.Compression))
	}
	if h.RuntimeType > bin.RuntimeNonRealtime {
		return bin.Errorf(bin.CodeInvalidArgument, "unknown runtime type %d", uint8(h.RuntimeType))
	}
	if h.BinSize == 0 {
		return bin.Errorf(bin.CodeInvalidArgument, "binary %q has zero size", h.Name)
	}
	return bin.ValidateName(h.Name)
}

// MarshalBinary encodes h, computing the checksum.
func (h Header) MarshalBinary() ([]byte, error) {
	h.Name = norm.NFC.String(h.Name)
	h.Version = norm.NFC.String(h.Version)
	h.KernelVersion = norm.NFC.String(h.KernelVersion)
	if err := h.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, Size)
	le := binary.LittleEndian
	le.PutUint16(buf[0:2], Size)
	buf[2] = byte(h.Type)
	buf[3] = byte(h.Compression)
	buf[4] = h.Priority
	buf[5] = byte(h.RuntimeType)
	le.PutUint32(buf[8:12], h.BinSize)
	le.PutUint32(buf[12:16], h.RAMSize)
	le.PutUint32(buf[16:20], h.StackSize)

	if err := put("name", buf[20:36], h.Name); err != nil {
		return nil, err
	}
	if err := put("version", buf[36:52], h.Version); err != nil {
		return nil, err
	}
	if err := put("kernel version", buf[52:60], h.KernelVersion); err != nil {
		return nil, err
	}
	le.PutUint32(buf[crcOffset:], Checksum(buf))
	return buf, nil
}

// Registration converts h into a registry entry. The binary image follows
// the header, so the load offset is Size.
func (h Header) Registration() registry.Registration {
	return registry.Registration{
		Attrs: bin.LoadAttributes{
			Name:        h.Name,
			BinSize:     h.BinSize,
			RAMSize:     h.RAMSize,
			Offset:      Size,
			StackSize:   h.StackSize,
			Priority:    h.Priority,
			Compression: h.Compression,
		},
		RuntimeType:   h.RuntimeType,
		Version:       h.Version,
		KernelVersion: h.KernelVersion,
	}
}

// Checksum returns the CRC-32 of the checksummed part of an encoded header.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data[:crcOffset])
}

func field(what string, raw []byte) (string, error) {
	end := bytes.IndexByte(raw, 0)
	if end < 0 {
		return "", bin.Errorf(bin.CodeInvalidArgument, "header %s is not NUL terminated", what)
	}
	if !utf8.Valid(raw[:end]) {
		return "", bin.Errorf(bin.CodeInvalidArgument, "header %s is not valid UTF-8", what)
	}
	return norm.NFC.String(string(raw[:end])), nil
}

func put(what string, dst []byte, s string) error {
	if len(s) >= len(dst) {
		return bin.Errorf(bin.CodeInvalidArgument, "%s %q does not fit in %d bytes", what, s, len(dst)-1)
	}
	copy(dst, s)
	return nil
}
