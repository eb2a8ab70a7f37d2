package iscsi

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"

	"github.com/mikioh/tcp"
	"github.com/mikioh/tcpopt"
)

// newPduWriter wraps the stream in a buffered writer sized to the
// connection's MSS, so that a header and its data segment leave in one
// segment if possible. Streams that are not TCP connections get the
// Ethernet default.
func newPduWriter(conn io.ReadWriteCloser) *bufio.Writer {
	mss := 1460
	if netConn, ok := conn.(net.Conn); ok {
		if tcpConn, err := tcp.NewConn(netConn); err == nil {
			b := []byte{0, 0, 0, 0}
			if _, err := tcpConn.Option(tcpopt.MSS(0).Level(), tcpopt.MSS(0).Name(), b); err != nil {
				logger.Debug().Err(err).Msg("can not get MSS")
			} else {
				mss = int(binary.LittleEndian.Uint32(b))
			}
		}
	}
	return bufio.NewWriterSize(conn, mss)
}
