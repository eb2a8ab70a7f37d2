package iscsi

// Opcode identifies the PDU type carried in the low six bits of byte 0 of
// every Basic Header Segment.
type Opcode byte

// The RFC 7143 opcode set. Initiator opcodes are requests, target opcodes
// responses. Only Text, NOP and Reject have codecs in this package; the rest
// exist so that response disambiguation can tell a known-but-unexpected PDU
// from garbage.
const (
	OpNopOut      Opcode = 0x00
	OpScsiCommand Opcode = 0x01
	OpTaskMgmtReq Opcode = 0x02
	OpLoginReq    Opcode = 0x03
	OpTextReq     Opcode = 0x04
	OpScsiDataOut Opcode = 0x05
	OpLogoutReq   Opcode = 0x06
	OpSnackReq    Opcode = 0x10

	OpNopIn        Opcode = 0x20
	OpScsiResp     Opcode = 0x21
	OpTaskMgmtResp Opcode = 0x22
	OpLoginResp    Opcode = 0x23
	OpTextResp     Opcode = 0x24
	OpScsiDataIn   Opcode = 0x25
	OpLogoutResp   Opcode = 0x26
	OpR2T          Opcode = 0x31
	OpAsyncMsg     Opcode = 0x32
	OpReject       Opcode = 0x3f
)

// String names the opcode for diagnostics.
func (o Opcode) String() string {
	switch o {
	case OpNopOut:
		return "NOP-Out"
	case OpScsiCommand:
		return "SCSI Command"
	case OpTaskMgmtReq:
		return "Task Management Request"
	case OpLoginReq:
		return "Login Request"
	case OpTextReq:
		return "Text Request"
	case OpScsiDataOut:
		return "SCSI Data-Out"
	case OpLogoutReq:
		return "Logout Request"
	case OpSnackReq:
		return "SNACK Request"
	case OpNopIn:
		return "NOP-In"
	case OpScsiResp:
		return "SCSI Response"
	case OpTaskMgmtResp:
		return "Task Management Response"
	case OpLoginResp:
		return "Login Response"
	case OpTextResp:
		return "Text Response"
	case OpScsiDataIn:
		return "SCSI Data-In"
	case OpLogoutResp:
		return "Logout Response"
	case OpR2T:
		return "R2T"
	case OpAsyncMsg:
		return "Async Message"
	case OpReject:
		return "Reject"
	}
	return "unknown"
}

// IfFlags are the qualifier bits sharing byte 0 of the BHS with the opcode.
type IfFlags byte

// FlagImmediate marks a request for immediate delivery.
const FlagImmediate IfFlags = 0x40

// BhsOpcode is the decoded byte 0 of a BHS: the qualifier bits plus the
// opcode itself.
type BhsOpcode struct {
	Flags IfFlags
	Op    Opcode
}

// ParseBhsOpcode decodes byte 0 of a BHS. A byte whose opcode bits are
// outside the RFC 7143 set is malformed, never a default.
func ParseBhsOpcode(b byte) (BhsOpcode, error) {
	op := Opcode(b & 0x3f)
	switch op {
	case OpNopOut, OpScsiCommand, OpTaskMgmtReq, OpLoginReq, OpTextReq,
		OpScsiDataOut, OpLogoutReq, OpSnackReq,
		OpNopIn, OpScsiResp, OpTaskMgmtResp, OpLoginResp, OpTextResp,
		OpScsiDataIn, OpLogoutResp, OpR2T, OpAsyncMsg, OpReject:
	default:
		return BhsOpcode{}, ErrMalformed.New("unknown opcode 0x%02x", b)
	}
	return BhsOpcode{Flags: IfFlags(b) & FlagImmediate, Op: op}, nil
}

// Byte re-encodes the flags and opcode into BHS byte 0.
func (o BhsOpcode) Byte() byte {
	return byte(o.Flags) | byte(o.Op)
}
