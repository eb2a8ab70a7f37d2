package iscsitest

import (
	"errors"
	"io"
	"net"
)

// Listener hands out in-memory pipe connections so that an initiator and a
// test target can talk without a real socket.
type Listener struct {
	conns chan net.Conn
	done  chan struct{}
}

func NewListener() *Listener {
	return &Listener{
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, errors.New("listener closed")
	}
}

func (l *Listener) Close() error {
	close(l.done)
	return nil
}

func (l *Listener) Addr() net.Addr {
	return nil
}

// Dial matches the signature of the WithDial connection option. It creates
// a pipe, passes one end to whoever is blocked in Accept and returns the
// other.
func (l *Listener) Dial(network, address string) (io.ReadWriteCloser, error) {
	select {
	case <-l.done:
		return nil, errors.New("listener closed")
	default:
	}
	server, client := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		return nil, errors.New("listener closed")
	}
}
