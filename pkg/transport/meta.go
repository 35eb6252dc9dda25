// Package transport wraps the shared memory core into messages a transport
// layer can pass around as small metadata records instead of payload bytes.
package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// MetaHeaderSize is the encoded size of a MetaHeader.
const MetaHeaderSize = 32

// MetaHeader describes where a payload lives. RegionID zero means the
// payload is an owned chunk of the main segment and Handle is its owner
// handle; otherwise Handle is the offset of the block inside the region.
type MetaHeader struct {
	Size      uint64
	RegionID  uint64
	MessageID uint64
	Handle    uint64
}

// AppendTo appends the little endian encoding of h to buf.
func (h MetaHeader) AppendTo(buf *bytebufferpool.ByteBuffer) {
	var scratch [MetaHeaderSize]byte
	binary.LittleEndian.PutUint64(scratch[0:], h.Size)
	binary.LittleEndian.PutUint64(scratch[8:], h.RegionID)
	binary.LittleEndian.PutUint64(scratch[16:], h.MessageID)
	binary.LittleEndian.PutUint64(scratch[24:], h.Handle)
	_, _ = buf.Write(scratch[:])
}

// Encode returns the wire form of h.
func (h MetaHeader) Encode() []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	h.AppendTo(buf)
	return append([]byte(nil), buf.B...)
}

// DecodeMetaHeader parses the wire form produced by Encode.
func DecodeMetaHeader(b []byte) (MetaHeader, error) {
	if len(b) != MetaHeaderSize {
		return MetaHeader{}, fmt.Errorf("meta header: got %d bytes, want %d", len(b), MetaHeaderSize)
	}
	return MetaHeader{
		Size:      binary.LittleEndian.Uint64(b[0:]),
		RegionID:  binary.LittleEndian.Uint64(b[8:]),
		MessageID: binary.LittleEndian.Uint64(b[16:]),
		Handle:    binary.LittleEndian.Uint64(b[24:]),
	}, nil
}
