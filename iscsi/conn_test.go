package iscsi_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joomcode/errorx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Masorubka1/go-iscsi/config"
	"github.com/Masorubka1/go-iscsi/iscsi"
)

func testConfig() *config.Config {
	return &config.Config{
		Login: config.LoginConfig{
			Security: config.SecurityConfig{
				TargetAddress: "127.0.0.1:3260",
				TargetName:    "iqn.2024-01.com.example:target0",
				InitiatorName: "iqn.2024-01.com.example:initiator0",
			},
		},
		Session: config.SessionConfig{
			Lun:              1,
			InitiatorTaskTag: 0x1234,
			CmdSN:            1,
			ExpStatSN:        1,
		},
	}
}

// scriptedStream plays back a canned target response and records what the
// connection sends.
type scriptedStream struct {
	response *bytes.Reader
	sent     bytes.Buffer
	closed   bool
}

func newScriptedStream(response []byte) *scriptedStream {
	return &scriptedStream{response: bytes.NewReader(response)}
}

func (s *scriptedStream) Read(p []byte) (int, error)  { return s.response.Read(p) }
func (s *scriptedStream) Write(p []byte) (int, error) { return s.sent.Write(p) }
func (s *scriptedStream) Close() error                { s.closed = true; return nil }

func dialTo(stream io.ReadWriteCloser) iscsi.ConnOption {
	return iscsi.WithDial(func(network, address string) (io.ReadWriteCloser, error) {
		return stream, nil
	})
}

func connectScripted(t *testing.T, response []byte) (*iscsi.Conn, *scriptedStream) {
	t.Helper()
	stream := newScriptedStream(response)
	c, err := iscsi.Connect(context.Background(), testConfig(), dialTo(stream))
	require.NoError(t, err)
	return c, stream
}

func textResponseBytes(text []byte, statSN uint32) []byte {
	hdr := iscsi.TextResponse{
		Op:                iscsi.BhsOpcode{Op: iscsi.OpTextResp},
		Flags:             iscsi.TextFlagFinal,
		DataSegmentLength: dsl(len(text)),
		InitiatorTaskTag:  0x1234,
		TargetTransferTag: 0xffffffff,
		StatSN:            statSN,
		ExpCmdSN:          2,
		MaxCmdSN:          3,
	}
	buf := hdr.ToBytes()
	padded := make([]byte, len(text)+(4-len(text)%4)%4)
	copy(padded, text)
	return append(buf, padded...)
}

func rejectBytes(reason iscsi.RejectReason) []byte {
	return (&iscsi.RejectPdu{
		Op:               iscsi.BhsOpcode{Op: iscsi.OpReject},
		Reason:           reason,
		InitiatorTaskTag: 0xffffffff,
		StatSN:           9,
	}).ToBytes()
}

func TestCallText(t *testing.T) {
	c, stream := connectScripted(t, textResponseBytes([]byte("TargetName=iqn.x\x00"), 7))

	resp, err := c.Text([]byte("SendTargets=All"))

	require.NoError(t, err)
	require.False(t, resp.IsReject())
	require.NotNil(t, resp.Normal)
	assert.Equal(t, []byte("TargetName=iqn.x\x00"), resp.Normal.Data)
	assert.Equal(t, uint32(7), resp.Normal.Header.StatSN)
	assert.Nil(t, resp.Normal.Digest)

	// One text request went out: 48 header bytes plus the padded payload.
	sent := stream.sent.Bytes()
	require.Len(t, sent, iscsi.TextHeaderLen+16)
	assert.Equal(t, byte(iscsi.OpTextReq), sent[0])
	assert.Equal(t, []byte{0, 0, 15}, sent[5:8])
	assert.Equal(t, []byte("SendTargets=All\x00"), sent[48:])
}

// A second call must find the stream exactly at the start of the second
// response, which only works when the first call consumed the padding.
func TestCallKeepsStreamAligned(t *testing.T) {
	script := append(textResponseBytes([]byte("a=b\x00\x00"), 1), textResponseBytes([]byte("c=d"), 2)...)
	c, stream := connectScripted(t, script)

	first, err := c.Text(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("a=b\x00\x00"), first.Normal.Data)

	second, err := c.Text(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("c=d"), second.Normal.Data)
	assert.Zero(t, stream.response.Len())
}

func TestCallReject(t *testing.T) {
	c, _ := connectScripted(t, rejectBytes(iscsi.ReasonCmdNotSupported))

	resp, err := c.Text([]byte("SendTargets=All"))

	require.NoError(t, err)
	require.True(t, resp.IsReject())
	require.NotNil(t, resp.Reject)
	assert.Nil(t, resp.Normal)
	assert.Equal(t, iscsi.ReasonCmdNotSupported, resp.Reject.Header.Reason)
	assert.Equal(t, uint32(0xffffffff), resp.Reject.Header.InitiatorTaskTag)
	assert.Empty(t, resp.Reject.Data)
	assert.Nil(t, resp.Reject.Digest)
}

// wideResponse fakes a PDU type whose fixed header is longer than a
// Reject's 52 bytes, to drive the disambiguation through its other
// ordering.
type wideResponse struct {
	raw []byte
}

const wideHeaderLen = 60

func (w *wideResponse) BHSLen() int { return wideHeaderLen }

func (w *wideResponse) PeekTotalLen(bhs []byte) (int, error) {
	if len(bhs) < wideHeaderLen {
		return 0, iscsi.ErrMalformed.New("wide header needs %d bytes, got %d", wideHeaderLen, len(bhs))
	}
	n := int(bhs[5])<<16 | int(bhs[6])<<8 | int(bhs[7])
	return wideHeaderLen + n + (4-n%4)%4, nil
}

func (w *wideResponse) FromBytes(buf []byte) ([]byte, *uint32, error) {
	w.raw = bytes.Clone(buf)
	return nil, nil, nil
}

func TestCallNormalHeaderLongerThanReject(t *testing.T) {
	script := make([]byte, wideHeaderLen)
	script[0] = byte(iscsi.OpScsiDataIn)
	for i := 52; i < wideHeaderLen; i++ {
		script[i] = byte(i)
	}
	c, _ := connectScripted(t, script)

	resp, err := iscsi.Call[wideResponse](c, iscsi.NewNopOutRequest(nil))

	require.NoError(t, err)
	require.False(t, resp.IsReject())
	// The full 60-byte header arrived, nothing more and nothing less.
	assert.Equal(t, script, resp.Normal.Header.raw)
}

func TestCallRejectWhileExpectingLongerHeader(t *testing.T) {
	c, _ := connectScripted(t, rejectBytes(iscsi.ReasonProtocolError))

	resp, err := iscsi.Call[wideResponse](c, iscsi.NewNopOutRequest(nil))

	require.NoError(t, err)
	require.True(t, resp.IsReject())
	assert.Equal(t, iscsi.ReasonProtocolError, resp.Reject.Header.Reason)
	assert.Empty(t, resp.Reject.Data)
	assert.Nil(t, resp.Reject.Digest)
}

func TestCallUnknownOpcode(t *testing.T) {
	script := make([]byte, 64)
	script[0] = 0x3e
	c, _ := connectScripted(t, script)

	_, err := c.Text(nil)

	assert.Error(t, err)
	assert.True(t, errorx.IsOfType(err, iscsi.ErrProtocol))
}

func TestCallShortResponse(t *testing.T) {
	c, _ := connectScripted(t, make([]byte, 20))

	_, err := c.Text(nil)

	assert.Error(t, err)
	assert.True(t, errorx.IsOfType(err, iscsi.ErrTransport))
}

type failingStream struct{}

func (failingStream) Read(p []byte) (int, error)  { return 0, io.ErrUnexpectedEOF }
func (failingStream) Write(p []byte) (int, error) { return 0, errors.New("broken pipe") }
func (failingStream) Close() error                { return nil }

func TestCallWriteErrorPropagates(t *testing.T) {
	c, err := iscsi.Connect(context.Background(), testConfig(), dialTo(failingStream{}))
	require.NoError(t, err)

	_, err = c.Ping(nil)

	assert.Error(t, err)
	assert.True(t, errorx.IsOfType(err, iscsi.ErrTransport))
}

func TestCallAfterClose(t *testing.T) {
	c, stream := connectScripted(t, nil)

	require.NoError(t, c.Close())
	assert.True(t, stream.closed)
	assert.False(t, c.Connected())

	_, err := c.Text(nil)
	assert.ErrorIs(t, err, iscsi.ErrorClosed)
	assert.ErrorIs(t, err, iscsi.Error)
	assert.ErrorIs(t, c.Close(), iscsi.ErrorClosed)
}

func TestConnected(t *testing.T) {
	c, _ := connectScripted(t, nil)

	assert.True(t, c.Connected())
	_ = c.Close()
	assert.False(t, c.Connected())
}

func TestConnectRequiresTargetAddress(t *testing.T) {
	_, err := iscsi.Connect(context.Background(), &config.Config{})

	assert.Error(t, err)
}

func TestConnectDialBackoff(t *testing.T) {
	attempts := 0
	stream := newScriptedStream(nil)

	c, err := iscsi.Connect(context.Background(), testConfig(),
		iscsi.WithDial(func(network, address string) (io.ReadWriteCloser, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("connection refused")
			}
			return stream, nil
		}),
		iscsi.WithDialBackoff(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5)
		}))

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, c.Connected())
	_ = c.Close()
}

func TestConnectDialBackoffExhausted(t *testing.T) {
	c, err := iscsi.Connect(context.Background(), testConfig(),
		iscsi.WithDial(func(network, address string) (io.ReadWriteCloser, error) {
			return nil, errors.New("connection refused")
		}),
		iscsi.WithDialBackoff(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
		}))

	assert.Nil(t, c)
	assert.ErrorIs(t, err, iscsi.ErrorRetriesExceeded)
	assert.ErrorIs(t, err, iscsi.Error)
}

func TestConnectWithLogger(t *testing.T) {
	var buf bytes.Buffer
	stream := newScriptedStream(nil)

	_, err := iscsi.Connect(context.Background(), testConfig(),
		dialTo(stream), iscsi.WithLogger(zerolog.New(&buf)))

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "connected")
}
