package iscsi

import (
	"io"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// ConnOption is an option for Connect.
type ConnOption func(c *connOptions) error

type connOptions struct {
	dial           func(network, address string) (io.ReadWriteCloser, error)
	backoffFactory func() backoff.BackOff
	log            *zerolog.Logger
}

// WithDial replaces the net.Dial call inside Connect. This option can be
// used for testing, logging, middleware purposes in general, or exotic
// connection types.
func WithDial(dial func(network, address string) (io.ReadWriteCloser, error)) ConnOption {
	return func(c *connOptions) error {
		c.dial = dial
		return nil
	}
}

// WithDialBackoff configures the backoff strategy for failed connects. See
// https://pkg.go.dev/github.com/cenkalti/backoff/v4 for more information
// about backoff strategies. If the option is not given, Connect makes a
// single attempt.
func WithDialBackoff(backoffFactory func() backoff.BackOff) ConnOption {
	return func(c *connOptions) error {
		c.backoffFactory = backoffFactory
		return nil
	}
}

// WithLogger routes the connection's log output through l instead of the
// package logger.
func WithLogger(l zerolog.Logger) ConnOption {
	return func(c *connOptions) error {
		c.log = &l
		return nil
	}
}
