package iscsi

import (
	"encoding/binary"
	"fmt"
)

// RejectHeaderLen is the fixed header length of a Reject PDU: the usual 48
// bytes plus a four-byte header digest the target always sends.
const RejectHeaderLen = 52

// RejectReason explains why the target refused a PDU.
type RejectReason byte

const (
	ReasonDataDigestError       RejectReason = 0x02
	ReasonSnackReject           RejectReason = 0x03
	ReasonProtocolError         RejectReason = 0x04
	ReasonCmdNotSupported       RejectReason = 0x05
	ReasonImmCmdReject          RejectReason = 0x06
	ReasonTaskInProgress        RejectReason = 0x07
	ReasonInvalidDataAck        RejectReason = 0x08
	ReasonInvalidPduField       RejectReason = 0x09
	ReasonLongOpReject          RejectReason = 0x0a
	ReasonDeprecatedNegotiation RejectReason = 0x0b
	ReasonWaitingForLogout      RejectReason = 0x0c
)

// ParseRejectReason validates a reason byte.
func ParseRejectReason(b byte) (RejectReason, error) {
	r := RejectReason(b)
	switch r {
	case ReasonDataDigestError, ReasonSnackReject, ReasonProtocolError,
		ReasonCmdNotSupported, ReasonImmCmdReject, ReasonTaskInProgress,
		ReasonInvalidDataAck, ReasonInvalidPduField, ReasonLongOpReject,
		ReasonDeprecatedNegotiation, ReasonWaitingForLogout:
		return r, nil
	}
	return 0, ErrMalformed.New("unknown reject reason 0x%02x", b)
}

func (r RejectReason) String() string {
	switch r {
	case ReasonDataDigestError:
		return "DataDigestError"
	case ReasonSnackReject:
		return "SnackReject"
	case ReasonProtocolError:
		return "ProtocolError"
	case ReasonCmdNotSupported:
		return "CmdNotSupported"
	case ReasonImmCmdReject:
		return "ImmCmdReject"
	case ReasonTaskInProgress:
		return "TaskInProgress"
	case ReasonInvalidDataAck:
		return "InvalidDataAck"
	case ReasonInvalidPduField:
		return "InvalidPduField"
	case ReasonLongOpReject:
		return "LongOpReject"
	case ReasonDeprecatedNegotiation:
		return "DeprecatedNegotiation"
	case ReasonWaitingForLogout:
		return "WaitingForLogout"
	}
	return fmt.Sprintf("RejectReason(0x%02x)", byte(r))
}

// RejectPdu is the target's refusal of a request. Its header is 52 bytes:
// the rejected PDU's first 48 bytes travel in the data segment, the header
// digest in bytes 48..52.
type RejectPdu struct {
	Op                BhsOpcode
	Reason            RejectReason
	TotalAhsLength    uint8
	DataSegmentLength [3]byte
	InitiatorTaskTag  uint32
	StatSN            uint32
	ExpCmdSN          uint32
	MaxCmdSN          uint32
	DataSN            uint32
	HeaderDigest      uint32
}

func (p *RejectPdu) Opcode() BhsOpcode { return p.Op }

func (p *RejectPdu) AhsLengthBytes() int { return ahsLenBytes(p.TotalAhsLength) }

func (p *RejectPdu) DataLengthBytes() int { return pad4(dataLen(p.DataSegmentLength)) }

func (p *RejectPdu) ToBytes() []byte {
	buf := make([]byte, RejectHeaderLen)
	buf[0] = p.Op.Byte()
	buf[2] = byte(p.Reason)
	buf[4] = p.TotalAhsLength
	copy(buf[5:8], p.DataSegmentLength[:])
	binary.BigEndian.PutUint32(buf[16:20], p.InitiatorTaskTag)
	binary.BigEndian.PutUint32(buf[24:28], p.StatSN)
	binary.BigEndian.PutUint32(buf[28:32], p.ExpCmdSN)
	binary.BigEndian.PutUint32(buf[32:36], p.MaxCmdSN)
	binary.BigEndian.PutUint32(buf[36:40], p.DataSN)
	binary.BigEndian.PutUint32(buf[48:52], p.HeaderDigest)
	return buf
}

func (p *RejectPdu) BHSLen() int { return RejectHeaderLen }

func (p *RejectPdu) PeekTotalLen(bhs []byte) (int, error) {
	if len(bhs) < RejectHeaderLen {
		return 0, ErrMalformed.New("reject header needs %d bytes, got %d", RejectHeaderLen, len(bhs))
	}
	op, err := ParseBhsOpcode(bhs[0])
	if err != nil {
		return 0, err
	}
	if op.Op != OpReject {
		return 0, ErrMalformed.New("opcode %s is not a reject", op.Op)
	}
	if _, err := ParseRejectReason(bhs[2]); err != nil {
		return 0, err
	}
	var dsl [3]byte
	copy(dsl[:], bhs[5:8])
	return RejectHeaderLen + ahsLenBytes(bhs[4]) + pad4(dataLen(dsl)), nil
}

// FromBytes decodes the 52-byte header and then the rejected PDU bytes
// carried in the data segment.
func (p *RejectPdu) FromBytes(buf []byte) ([]byte, *uint32, error) {
	if len(buf) < RejectHeaderLen {
		return nil, nil, ErrMalformed.New("reject header needs %d bytes, got %d", RejectHeaderLen, len(buf))
	}
	op, err := ParseBhsOpcode(buf[0])
	if err != nil {
		return nil, nil, err
	}
	if op.Op != OpReject {
		return nil, nil, ErrMalformed.New("opcode %s is not a reject", op.Op)
	}
	reason, err := ParseRejectReason(buf[2])
	if err != nil {
		return nil, nil, err
	}
	p.Op = op
	p.Reason = reason
	p.TotalAhsLength = buf[4]
	copy(p.DataSegmentLength[:], buf[5:8])
	p.InitiatorTaskTag = binary.BigEndian.Uint32(buf[16:20])
	p.StatSN = binary.BigEndian.Uint32(buf[24:28])
	p.ExpCmdSN = binary.BigEndian.Uint32(buf[28:32])
	p.MaxCmdSN = binary.BigEndian.Uint32(buf[32:36])
	p.DataSN = binary.BigEndian.Uint32(buf[36:40])
	p.HeaderDigest = binary.BigEndian.Uint32(buf[48:52])

	return decodeBody(buf, RejectHeaderLen, p.AhsLengthBytes(), dataLen(p.DataSegmentLength))
}
