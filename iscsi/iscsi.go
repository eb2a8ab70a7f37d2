// Package iscsi implements the PDU framing core of an iSCSI initiator: it
// serializes typed request PDUs onto a TCP stream and reads back either the
// statically expected response PDU or a Reject PDU, deciding between the two
// from the opcode byte before the full header length is known.
//
// The package covers framing only. Login negotiation, the SCSI command
// catalogue and digest verification live above it; digest bytes are captured
// where the wire carries them but never checked.
package iscsi

import (
	"errors"
	"fmt"

	"github.com/joomcode/errorx"
	"github.com/rs/zerolog"
)

// General iscsi error. Base of all other errors of the package.
var Error = errors.New("iscsi")

// ErrorClosed reports an operation on a closed connection.
var ErrorClosed = fmt.Errorf("%w: connection closed", Error)

// ErrorRetriesExceeded reports that the dial backoff gave up.
var ErrorRetriesExceeded = fmt.Errorf("%w: connect retries exceeded", Error)

// Namespace groups the error classes of the wire core.
var Namespace = errorx.NewNamespace("iscsi")

var (
	// ErrMalformed reports a buffer shorter than a PDU layout requires, or a
	// fixed enumerated field that does not decode to a known value. Never
	// retried internally.
	ErrMalformed = Namespace.NewType("malformed")

	// ErrProtocol reports a response whose opcode byte maps to no known PDU
	// type, so the receiver cannot even decide how many header bytes follow.
	ErrProtocol = Namespace.NewType("protocol")

	// ErrTransport reports a failure of the underlying byte stream. The
	// stream position is indeterminate afterwards and the connection should
	// be discarded.
	ErrTransport = Namespace.NewType("transport")
)

var logger = zerolog.Nop()

// SetLogger replaces the package logger. The default discards everything.
func SetLogger(l zerolog.Logger) {
	logger = l
}
