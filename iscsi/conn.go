package iscsi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joomcode/errorx"
	"github.com/rs/zerolog"

	"github.com/Masorubka1/go-iscsi/config"
)

// Conn is one iSCSI connection to a target. A PDU exchange on a single
// connection is inherently sequential, so Call holds the stream for the
// full write/read round trip and concurrent calls serialize.
type Conn struct {
	mx     sync.Mutex
	stream io.ReadWriteCloser
	writer *bufio.Writer
	cfg    *config.Config
	log    zerolog.Logger
}

// Connect dials the target named by cfg and returns a connection ready for
// Call. The context covers dialing only, including the waits of an optional
// dial backoff.
func Connect(ctx context.Context, cfg *config.Config, options ...ConnOption) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	co := &connOptions{}
	for _, option := range options {
		if err := option(co); err != nil {
			return nil, errorx.EnsureStackTrace(err)
		}
	}
	// Fallback to net.Dial
	if co.dial == nil {
		co.dial = func(network, address string) (io.ReadWriteCloser, error) {
			var d net.Dialer
			netConn, err := d.DialContext(ctx, network, address)
			if err != nil {
				err = errorx.EnsureStackTrace(err)
			}
			return netConn, err
		}
	}
	stream, err := dialStream(ctx, co, cfg.Login.Security.TargetAddress)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		stream: stream,
		writer: newPduWriter(stream),
		cfg:    cfg,
		log:    logger,
	}
	if co.log != nil {
		c.log = *co.log
	}
	c.log.Debug().Str("target", cfg.Login.Security.TargetAddress).Msg("connected")
	return c, nil
}

// dialStream makes one dial attempt, then follows the backoff strategy if
// one is configured.
func dialStream(ctx context.Context, co *connOptions, address string) (io.ReadWriteCloser, error) {
	stream, err := co.dial("tcp", address)
	if err == nil || co.backoffFactory == nil {
		return stream, err
	}
	b := co.backoffFactory()
	var spanSum time.Duration
	for {
		backoffSpan := b.NextBackOff()
		if backoffSpan == backoff.Stop {
			return nil, errors.Join(fmt.Errorf("%w: %v", ErrorRetriesExceeded, spanSum), err)
		}
		select {
		case <-ctx.Done():
			return nil, errorx.EnsureStackTrace(context.Cause(ctx))
		case <-time.After(backoffSpan):
			spanSum += backoffSpan
		}
		stream, err = co.dial("tcp", address)
		if err == nil {
			return stream, nil
		}
	}
}

// Connected reports whether the connection can still carry a Call.
func (c *Conn) Connected() bool {
	c.mx.Lock()
	defer c.mx.Unlock()

	return c.stream != nil
}

// Close closes the underlying stream. Further calls return ErrorClosed.
func (c *Conn) Close() error {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.stream == nil {
		return ErrorClosed
	}
	err := c.stream.Close()
	c.stream = nil
	return err
}

// Text performs one text negotiation round trip. The payload carries
// key=value pairs.
func (c *Conn) Text(text []byte) (PduResponse[TextResponse], error) {
	return Call[TextResponse](c, NewTextRequest(text))
}

// Ping sends a NOP-Out carrying data and waits for the target's echo.
func (c *Conn) Ping(data []byte) (PduResponse[NopInResponse], error) {
	return Call[NopInResponse](c, NewNopOutRequest(data))
}

// Call sends req and reads back either a response of type R or the Reject
// the target answered with instead. No timeout is built in; callers that
// need a deadline set one on the underlying stream or wrap Call.
func Call[R any, P ResponsePtr[R]](c *Conn, req Request) (PduResponse[R], error) {
	var none PduResponse[R]

	bhs, data, err := req.ToBytes(c.cfg)
	if err != nil {
		return none, err
	}

	c.mx.Lock()
	defer c.mx.Unlock()

	if c.stream == nil {
		return none, ErrorClosed
	}
	if err := c.writePdu(bhs, data); err != nil {
		return none, err
	}

	var h R
	hp := P(&h)
	header, isReject, err := c.readHeader(hp.BHSLen())
	if err != nil {
		return none, err
	}

	if isReject {
		reject := &RejectPdu{}
		total, err := reject.PeekTotalLen(header)
		if err != nil {
			return none, err
		}
		full, err := c.readBody(header, total)
		if err != nil {
			return none, err
		}
		rejData, digest, err := reject.FromBytes(full)
		if err != nil {
			return none, err
		}
		c.log.Debug().Stringer("reason", reject.Reason).Msg("request rejected")
		return PduResponse[R]{Reject: &Pdu[RejectPdu]{Header: *reject, Data: rejData, Digest: digest}}, nil
	}

	total, err := hp.PeekTotalLen(header)
	if err != nil {
		return none, err
	}
	full, err := c.readBody(header, total)
	if err != nil {
		return none, err
	}
	respData, digest, err := hp.FromBytes(full)
	if err != nil {
		return none, err
	}
	if bh, ok := any(hp).(BasicHeaderSegment); ok {
		c.log.Debug().Stringer("opcode", bh.Opcode().Op).Int("data", len(respData)).Msg("call complete")
	}
	return PduResponse[R]{Normal: &Pdu[R]{Header: h, Data: respData, Digest: digest}}, nil
}

// writePdu sends one serialized request, header first, then the data
// segment if there is one. The caller holds the stream lock.
func (c *Conn) writePdu(bhs, data []byte) error {
	if _, err := c.writer.Write(bhs); err != nil {
		return ErrTransport.Wrap(err, "write header")
	}
	if len(data) > 0 {
		if _, err := c.writer.Write(data); err != nil {
			return ErrTransport.Wrap(err, "write data segment")
		}
	}
	if err := c.writer.Flush(); err != nil {
		return ErrTransport.Wrap(err, "flush")
	}
	return nil
}

// readHeader reads the response header before knowing whether the target
// answered with the expected type or a Reject, whose fixed header lengths
// may differ. It reads the prefix both shapes share, decides by the opcode
// byte, then tops the buffer up to the actual header length. The caller
// holds the stream lock.
func (c *Conn) readHeader(expectedLen int) ([]byte, bool, error) {
	hi := max(RejectHeaderLen, expectedLen)
	lo := min(RejectHeaderLen, expectedLen)

	buf := make([]byte, hi)
	if err := c.readFull(buf[:lo]); err != nil {
		return nil, false, err
	}
	op, err := ParseBhsOpcode(buf[0])
	if err != nil {
		return nil, false, ErrProtocol.Wrap(err, "response disambiguation")
	}
	headerLen := expectedLen
	if op.Op == OpReject {
		headerLen = RejectHeaderLen
	}
	if headerLen > lo {
		if err := c.readFull(buf[lo:headerLen]); err != nil {
			return nil, false, err
		}
	}
	return buf[:headerLen], op.Op == OpReject, nil
}

// readBody reads the AHS and data segment following the header and returns
// the assembled PDU buffer of total bytes. The caller holds the stream
// lock.
func (c *Conn) readBody(header []byte, total int) ([]byte, error) {
	if total < len(header) {
		return nil, ErrMalformed.New("total length %d shorter than header %d", total, len(header))
	}
	full := make([]byte, total)
	copy(full, header)
	if total > len(header) {
		if err := c.readFull(full[len(header):]); err != nil {
			return nil, err
		}
	}
	return full, nil
}

func (c *Conn) readFull(buf []byte) error {
	if _, err := io.ReadFull(c.stream, buf); err != nil {
		return ErrTransport.Wrap(err, "read %d bytes", len(buf))
	}
	return nil
}
