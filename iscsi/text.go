package iscsi

import (
	"encoding/binary"

	"github.com/Masorubka1/go-iscsi/config"
)

// TextHeaderLen is the fixed header length of Text request and Text
// response PDUs.
const TextHeaderLen = 48

// Text PDU flag bits, byte 1 of the header.
const (
	TextFlagFinal    byte = 0x80
	TextFlagContinue byte = 0x40
)

// TextRequest carries a text negotiation, key=value pairs in the data
// segment.
type TextRequest struct {
	Op                BhsOpcode
	Flags             byte
	TargetTransferTag uint32
	Text              []byte
}

// NewTextRequest builds a single-PDU text request with the Final bit set
// and no transfer in progress.
func NewTextRequest(text []byte) *TextRequest {
	return &TextRequest{
		Op:                BhsOpcode{Op: OpTextReq},
		Flags:             TextFlagFinal,
		TargetTransferTag: 0xffffffff,
		Text:              text,
	}
}

// ToBytes serializes the request. The LUN, task tag and sequence numbers
// come from cfg; the data segment length declares the real text length
// while the returned data carries the wire padding.
func (r *TextRequest) ToBytes(cfg *config.Config) ([]byte, []byte, error) {
	dsl, err := putDataLen(len(r.Text))
	if err != nil {
		return nil, nil, err
	}
	buf := make([]byte, TextHeaderLen)
	buf[0] = r.Op.Byte()
	buf[1] = r.Flags
	copy(buf[5:8], dsl[:])
	lun := cfg.LunBytes()
	copy(buf[8:16], lun[:])
	binary.BigEndian.PutUint32(buf[16:20], cfg.Session.InitiatorTaskTag)
	binary.BigEndian.PutUint32(buf[20:24], r.TargetTransferTag)
	binary.BigEndian.PutUint32(buf[24:28], cfg.Session.CmdSN)
	binary.BigEndian.PutUint32(buf[28:32], cfg.Session.ExpStatSN)
	return buf, padData(r.Text), nil
}

// TextResponse is the target's answer to a text request.
type TextResponse struct {
	Op                BhsOpcode
	Flags             byte
	TotalAhsLength    uint8
	DataSegmentLength [3]byte
	Lun               [8]byte
	InitiatorTaskTag  uint32
	TargetTransferTag uint32
	StatSN            uint32
	ExpCmdSN          uint32
	MaxCmdSN          uint32
	HeaderDigest      uint32
}

func (p *TextResponse) Opcode() BhsOpcode { return p.Op }

func (p *TextResponse) AhsLengthBytes() int { return ahsLenBytes(p.TotalAhsLength) }

func (p *TextResponse) DataLengthBytes() int { return pad4(dataLen(p.DataSegmentLength)) }

// ToBytes serializes the 48-byte header. HeaderDigest is not part of the
// header proper and is never written back.
func (p *TextResponse) ToBytes() []byte {
	buf := make([]byte, TextHeaderLen)
	buf[0] = p.Op.Byte()
	buf[1] = p.Flags
	buf[4] = p.TotalAhsLength
	copy(buf[5:8], p.DataSegmentLength[:])
	copy(buf[8:16], p.Lun[:])
	binary.BigEndian.PutUint32(buf[16:20], p.InitiatorTaskTag)
	binary.BigEndian.PutUint32(buf[20:24], p.TargetTransferTag)
	binary.BigEndian.PutUint32(buf[24:28], p.StatSN)
	binary.BigEndian.PutUint32(buf[28:32], p.ExpCmdSN)
	binary.BigEndian.PutUint32(buf[32:36], p.MaxCmdSN)
	return buf
}

func (p *TextResponse) BHSLen() int { return TextHeaderLen }

func (p *TextResponse) PeekTotalLen(bhs []byte) (int, error) {
	if len(bhs) < TextHeaderLen {
		return 0, ErrMalformed.New("text response header needs %d bytes, got %d", TextHeaderLen, len(bhs))
	}
	op, err := ParseBhsOpcode(bhs[0])
	if err != nil {
		return 0, err
	}
	if op.Op != OpTextResp {
		return 0, ErrMalformed.New("opcode %s is not a text response", op.Op)
	}
	var dsl [3]byte
	copy(dsl[:], bhs[5:8])
	return TextHeaderLen + ahsLenBytes(bhs[4]) + pad4(dataLen(dsl)), nil
}

// FromBytes decodes the header and data segment. The flag byte is taken as
// Final, and HeaderDigest is read from bytes 44..48 inside the header
// window, overlapping the reserved area.
func (p *TextResponse) FromBytes(buf []byte) ([]byte, *uint32, error) {
	if len(buf) < TextHeaderLen {
		return nil, nil, ErrMalformed.New("text response header needs %d bytes, got %d", TextHeaderLen, len(buf))
	}
	op, err := ParseBhsOpcode(buf[0])
	if err != nil {
		return nil, nil, err
	}
	if op.Op != OpTextResp {
		return nil, nil, ErrMalformed.New("opcode %s is not a text response", op.Op)
	}
	p.Op = op
	p.Flags = TextFlagFinal
	p.TotalAhsLength = buf[4]
	copy(p.DataSegmentLength[:], buf[5:8])
	copy(p.Lun[:], buf[8:16])
	p.InitiatorTaskTag = binary.BigEndian.Uint32(buf[16:20])
	p.TargetTransferTag = binary.BigEndian.Uint32(buf[20:24])
	p.StatSN = binary.BigEndian.Uint32(buf[24:28])
	p.ExpCmdSN = binary.BigEndian.Uint32(buf[28:32])
	p.MaxCmdSN = binary.BigEndian.Uint32(buf[32:36])
	p.HeaderDigest = binary.BigEndian.Uint32(buf[44:48])

	return decodeBody(buf, TextHeaderLen, p.AhsLengthBytes(), dataLen(p.DataSegmentLength))
}
