package iscsi

import (
	"bytes"
	"encoding/binary"

	"github.com/Masorubka1/go-iscsi/config"
)

// maxDataSegmentLength is the largest value the 3-byte DataSegmentLength
// field can carry.
const maxDataSegmentLength = 1<<24 - 1

// BasicHeaderSegment is implemented by every fixed-size BHS type. It gives
// framing uniform access to the pieces it needs: the opcode, the additional
// header segment length and the padded data segment length.
type BasicHeaderSegment interface {
	// Opcode is the decoded byte 0 of the header.
	Opcode() BhsOpcode
	// AhsLengthBytes is the TotalAHSLength field scaled from 4-byte words to
	// bytes.
	AhsLengthBytes() int
	// DataLengthBytes is the DataSegmentLength field rounded up to the next
	// multiple of four: the number of data bytes the wire actually carries.
	DataLengthBytes() int
	// ToBytes serializes the fixed-size header.
	ToBytes() []byte
}

// Request is the outbound codec contract. A request serializes into its
// fixed-size BHS and the data segment following it on the wire, with the
// per-request fields (LUN, task tag, sequence numbers) copied from cfg.
type Request interface {
	ToBytes(cfg *config.Config) (bhs, data []byte, err error)
}

// Response is the inbound codec contract, implemented by PDU header
// pointers. BHSLen and PeekTotalLen describe the type's wire layout and do
// not depend on receiver state.
type Response interface {
	// BHSLen is the fixed header length of this PDU type.
	BHSLen() int
	// PeekTotalLen computes header+AHS+data length (digest excluded) from
	// the fixed header bytes alone.
	PeekTotalLen(bhs []byte) (int, error)
	// FromBytes decodes a fully buffered PDU, filling the receiver and
	// returning the data segment with wire padding stripped, plus the
	// trailing digest if at least four bytes follow the data segment.
	FromBytes(buf []byte) (data []byte, digest *uint32, err error)
}

// ResponsePtr ties a Response implementation to the pointer of its header
// struct, letting Call allocate the header itself.
type ResponsePtr[H any] interface {
	*H
	Response
}

// Pdu is one decoded PDU: the typed header, the data segment with padding
// stripped, and the trailing digest when one was present on the wire. The
// digest is captured, not verified.
type Pdu[H any] struct {
	Header H
	Data   []byte
	Digest *uint32
}

// PduResponse is the outcome of one Call. Exactly one of Normal and Reject
// is set: Normal when the target answered with the expected type, Reject
// when it answered with a Reject PDU instead.
type PduResponse[R any] struct {
	Normal *Pdu[R]
	Reject *Pdu[RejectPdu]
}

// IsReject reports whether the target rejected the request.
func (r PduResponse[R]) IsReject() bool {
	return r.Reject != nil
}

// pad4 rounds n up to the next multiple of four, the stream alignment of
// every data segment.
func pad4(n int) int {
	return n + (4-n%4)%4
}

// ahsLenBytes scales a TotalAHSLength field to bytes.
func ahsLenBytes(words uint8) int {
	return int(words) * 4
}

// dataLen decodes a 3-byte big-endian DataSegmentLength field.
func dataLen(dsl [3]byte) int {
	return int(binary.BigEndian.Uint32([]byte{0, dsl[0], dsl[1], dsl[2]}))
}

// putDataLen encodes a data segment length into its 3-byte field. Lengths
// beyond 2^24-1 do not fit the wire.
func putDataLen(n int) ([3]byte, error) {
	if n < 0 || n > maxDataSegmentLength {
		return [3]byte{}, ErrMalformed.New("data segment length %d exceeds the 3-byte field", n)
	}
	return [3]byte{byte(n >> 16), byte(n >> 8), byte(n)}, nil
}

// padData clones data and appends the zero bytes that align it on the wire.
func padData(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	padded := make([]byte, pad4(len(data)))
	copy(padded, data)
	return padded
}

// decodeBody slices the data segment and the optional trailing digest out of
// a fully buffered PDU whose header has already been parsed. dataLen is the
// declared (unpadded) segment length; the buffer must still cover the padded
// region, which is what the stream carries.
func decodeBody(buf []byte, headerLen, ahsLen, dataLen int) ([]byte, *uint32, error) {
	offset := headerLen + ahsLen
	if len(buf) < offset+pad4(dataLen) {
		return nil, nil, ErrMalformed.New("buffer %d too small for data segment ending at %d", len(buf), offset+pad4(dataLen))
	}
	data := bytes.Clone(buf[offset : offset+dataLen])
	offset += pad4(dataLen)

	if len(buf) >= offset+4 {
		d := binary.BigEndian.Uint32(buf[offset : offset+4])
		return data, &d, nil
	}
	return data, nil, nil
}
