// Package listener owns the UDP sockets queries arrive on and answers
// leave from, including proxy protocol handling for trusted sources.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Conn is one datagram socket. ReadPacket is called by a single receive
// loop per socket; WritePacket may be called from many goroutines at once.
type Conn interface {
	ReadPacket(b []byte) (n int, remote net.Addr, err error)
	WritePacket(b []byte, remote net.Addr) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// IsClosed reports whether err means the socket was closed under a reader
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// UDP is a Conn over a kernel UDP socket
type UDP struct {
	conn *net.UDPConn
}

// Listen binds a UDP socket on address. With reusePort the socket is
// opened with SO_REUSEPORT so several sockets can share the address and
// the kernel spreads datagrams across them.
func Listen(ctx context.Context, address string, reusePort bool) (*UDP, error) {
	lc := net.ListenConfig{}
	if reusePort {
		lc.Control = reusePortControl
	}

	pc, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("listen on %s did not yield a UDP socket", address)
	}
	return &UDP{conn: conn}, nil
}

// ReadPacket reads one datagram into b. A datagram larger than b is
// truncated, as the kernel does.
func (u *UDP) ReadPacket(b []byte) (int, net.Addr, error) {
	n, addr, err := u.conn.ReadFromUDP(b)
	if err != nil {
		return n, nil, err
	}
	return n, addr, nil
}

// WritePacket sends b to remote
func (u *UDP) WritePacket(b []byte, remote net.Addr) (int, error) {
	return u.conn.WriteTo(b, remote)
}

// LocalAddr returns the bound address
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Close closes the socket, unblocking any pending read
func (u *UDP) Close() error {
	return u.conn.Close()
}
