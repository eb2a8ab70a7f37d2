package iscsi

import (
	"encoding/binary"

	"github.com/Masorubka1/go-iscsi/config"
)

// NopHeaderLen is the fixed header length of NOP-Out and NOP-In PDUs.
const NopHeaderLen = 48

// NopOutRequest probes the target. The data segment, if any, is echoed back
// in the NOP-In.
type NopOutRequest struct {
	Op                BhsOpcode
	TargetTransferTag uint32
	Data              []byte
}

// NewNopOutRequest builds an immediate ping that expects an echo.
func NewNopOutRequest(data []byte) *NopOutRequest {
	return &NopOutRequest{
		Op:                BhsOpcode{Flags: FlagImmediate, Op: OpNopOut},
		TargetTransferTag: 0xffffffff,
		Data:              data,
	}
}

func (r *NopOutRequest) ToBytes(cfg *config.Config) ([]byte, []byte, error) {
	dsl, err := putDataLen(len(r.Data))
	if err != nil {
		return nil, nil, err
	}
	buf := make([]byte, NopHeaderLen)
	buf[0] = r.Op.Byte()
	buf[1] = 0x80
	copy(buf[5:8], dsl[:])
	lun := cfg.LunBytes()
	copy(buf[8:16], lun[:])
	binary.BigEndian.PutUint32(buf[16:20], cfg.Session.InitiatorTaskTag)
	binary.BigEndian.PutUint32(buf[20:24], r.TargetTransferTag)
	binary.BigEndian.PutUint32(buf[24:28], cfg.Session.CmdSN)
	binary.BigEndian.PutUint32(buf[28:32], cfg.Session.ExpStatSN)
	return buf, padData(r.Data), nil
}

// NopInResponse is the target's echo.
type NopInResponse struct {
	Op                BhsOpcode
	TotalAhsLength    uint8
	DataSegmentLength [3]byte
	Lun               [8]byte
	InitiatorTaskTag  uint32
	TargetTransferTag uint32
	StatSN            uint32
	ExpCmdSN          uint32
	MaxCmdSN          uint32
}

func (p *NopInResponse) Opcode() BhsOpcode { return p.Op }

func (p *NopInResponse) AhsLengthBytes() int { return ahsLenBytes(p.TotalAhsLength) }

func (p *NopInResponse) DataLengthBytes() int { return pad4(dataLen(p.DataSegmentLength)) }

func (p *NopInResponse) ToBytes() []byte {
	buf := make([]byte, NopHeaderLen)
	buf[0] = p.Op.Byte()
	buf[1] = 0x80
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

func (p *NopInResponse) BHSLen() int { return NopHeaderLen }

func (p *NopInResponse) PeekTotalLen(bhs []byte) (int, error) {
	if len(bhs) < NopHeaderLen {
		return 0, ErrMalformed.New("nop-in header needs %d bytes, got %d", NopHeaderLen, len(bhs))
	}
	op, err := ParseBhsOpcode(bhs[0])
	if err != nil {
		return 0, err
	}
	if op.Op != OpNopIn {
		return 0, ErrMalformed.New("opcode %s is not a nop-in", op.Op)
	}
	var dsl [3]byte
	copy(dsl[:], bhs[5:8])
	return NopHeaderLen + ahsLenBytes(bhs[4]) + pad4(dataLen(dsl)), nil
}

func (p *NopInResponse) FromBytes(buf []byte) ([]byte, *uint32, error) {
	if len(buf) < NopHeaderLen {
		return nil, nil, ErrMalformed.New("nop-in header needs %d bytes, got %d", NopHeaderLen, len(buf))
	}
	op, err := ParseBhsOpcode(buf[0])
	if err != nil {
		return nil, nil, err
	}
	if op.Op != OpNopIn {
		return nil, nil, ErrMalformed.New("opcode %s is not a nop-in", op.Op)
	}
	p.Op = op
	p.TotalAhsLength = buf[4]
	copy(p.DataSegmentLength[:], buf[5:8])
	copy(p.Lun[:], buf[8:16])
	p.InitiatorTaskTag = binary.BigEndian.Uint32(buf[16:20])
	p.TargetTransferTag = binary.BigEndian.Uint32(buf[20:24])
	p.StatSN = binary.BigEndian.Uint32(buf[24:28])
	p.ExpCmdSN = binary.BigEndian.Uint32(buf[28:32])
	p.MaxCmdSN = binary.BigEndian.Uint32(buf[32:36])

	return decodeBody(buf, NopHeaderLen, p.AhsLengthBytes(), dataLen(p.DataSegmentLength))
}
