package iscsitest

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"

	"github.com/Masorubka1/go-iscsi/iscsi"
)

// Target is a scripted stand-in for an iSCSI target. It answers text
// negotiations through TextHandler, echoes NOP-Out pings, and refuses every
// request with a Reject when RejectWith is set.
type Target struct {
	TextHandler func(text []byte) []byte
	RejectWith  *iscsi.RejectReason

	statSN uint32
}

// ServeTarget accepts connections on the listener and serves them until the
// context is canceled.
func ServeTarget(ctx context.Context, listener net.Listener, target *Target) {
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			if ctx.Err() != nil {
				_ = conn.Close()
				return
			}
			go target.serve(ctx, conn)
		}
	}()
}

func (s *Target) serve(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	for ctx.Err() == nil {
		if err := s.handleRequest(conn); err != nil {
			return
		}
	}
}

// handleRequest reads one request PDU off the wire and writes the scripted
// answer.
func (s *Target) handleRequest(conn net.Conn) error {
	bhs := make([]byte, 48)
	if _, err := io.ReadFull(conn, bhs); err != nil {
		return err
	}
	op, err := iscsi.ParseBhsOpcode(bhs[0])
	if err != nil {
		return err
	}
	ahsLen := int(bhs[4]) * 4
	dataLen := int(bhs[5])<<16 | int(bhs[6])<<8 | int(bhs[7])
	body := make([]byte, ahsLen+pad(dataLen))
	if _, err := io.ReadFull(conn, body); err != nil {
		return err
	}
	data := body[ahsLen : ahsLen+dataLen]
	itt := binary.BigEndian.Uint32(bhs[16:20])

	if s.RejectWith != nil {
		return s.reply(conn, s.rejectFor(*s.RejectWith, bhs))
	}
	switch op.Op {
	case iscsi.OpTextReq:
		return s.reply(conn, s.textReplyFor(itt, data))
	case iscsi.OpNopOut:
		return s.reply(conn, s.nopReplyFor(itt, data))
	default:
		return s.reply(conn, s.rejectFor(iscsi.ReasonCmdNotSupported, bhs))
	}
}

func (s *Target) reply(conn net.Conn, pdu []byte) error {
	_, err := conn.Write(pdu)
	return err
}

func (s *Target) textReplyFor(itt uint32, text []byte) []byte {
	var answer []byte
	if s.TextHandler != nil {
		answer = s.TextHandler(text)
	}
	statSN := atomic.AddUint32(&s.statSN, 1)
	hdr := iscsi.TextResponse{
		Op:                iscsi.BhsOpcode{Op: iscsi.OpTextResp},
		Flags:             iscsi.TextFlagFinal,
		DataSegmentLength: dsl(len(answer)),
		InitiatorTaskTag:  itt,
		TargetTransferTag: 0xffffffff,
		StatSN:            statSN,
		ExpCmdSN:          statSN + 1,
		MaxCmdSN:          statSN + 8,
	}
	return append(hdr.ToBytes(), padded(answer)...)
}

func (s *Target) nopReplyFor(itt uint32, data []byte) []byte {
	statSN := atomic.AddUint32(&s.statSN, 1)
	hdr := iscsi.NopInResponse{
		Op:                iscsi.BhsOpcode{Op: iscsi.OpNopIn},
		DataSegmentLength: dsl(len(data)),
		InitiatorTaskTag:  itt,
		TargetTransferTag: 0xffffffff,
		StatSN:            statSN,
		ExpCmdSN:          statSN + 1,
		MaxCmdSN:          statSN + 8,
	}
	return append(hdr.ToBytes(), padded(data)...)
}

// rejectFor builds a Reject carrying the refused header as its data
// segment.
func (s *Target) rejectFor(reason iscsi.RejectReason, refused []byte) []byte {
	statSN := atomic.AddUint32(&s.statSN, 1)
	hdr := iscsi.RejectPdu{
		Op:                iscsi.BhsOpcode{Op: iscsi.OpReject},
		Reason:            reason,
		DataSegmentLength: dsl(len(refused)),
		InitiatorTaskTag:  0xffffffff,
		StatSN:            statSN,
	}
	return append(hdr.ToBytes(), padded(refused)...)
}

func pad(n int) int { return n + (4-n%4)%4 }

func padded(data []byte) []byte {
	out := make([]byte, pad(len(data)))
	copy(out, data)
	return out
}

func dsl(n int) [3]byte {
	return [3]byte{byte(n >> 16), byte(n >> 8), byte(n)}
}
