package listener

import (
	"net"
	"sync"
)

// Packet is one datagram written to a Pipe
type Packet struct {
	Data   []byte
	Remote net.Addr
}

// Pipe is an in-memory Conn. Tests inject inbound datagrams and read back
// what was written.
type Pipe struct {
	local net.Addr

	in      chan Packet
	written chan Packet

	mu       sync.Mutex
	sent     []Packet
	writeErr error

	closed    chan struct{}
	closeOnce sync.Once
}

// NewPipe creates a Pipe bound to local
func NewPipe(local net.Addr) *Pipe {
	if local == nil {
		local = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53}
	}
	return &Pipe{
		local:   local,
		in:      make(chan Packet, 1024),
		written: make(chan Packet, 1024),
		closed:  make(chan struct{}),
	}
}

// Inject queues a datagram from remote for the next ReadPacket
func (p *Pipe) Inject(b []byte, remote net.Addr) {
	data := make([]byte, len(b))
	copy(data, b)
	select {
	case p.in <- Packet{Data: data, Remote: remote}:
	case <-p.closed:
	}
}

// ReadPacket blocks until a datagram is injected or the pipe is closed
func (p *Pipe) ReadPacket(b []byte) (int, net.Addr, error) {
	select {
	case pkt := <-p.in:
		n := copy(b, pkt.Data)
		return n, pkt.Remote, nil
	case <-p.closed:
		return 0, nil, net.ErrClosed
	}
}

// WritePacket records b, or fails with the error set by FailWrites
func (p *Pipe) WritePacket(b []byte, remote net.Addr) (int, error) {
	p.mu.Lock()
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	data := make([]byte, len(b))
	copy(data, b)
	pkt := Packet{Data: data, Remote: remote}
	p.sent = append(p.sent, pkt)
	p.mu.Unlock()

	select {
	case p.written <- pkt:
	default:
	}
	return len(b), nil
}

// Written delivers packets as they are written
func (p *Pipe) Written() <-chan Packet {
	return p.written
}

// Sent returns a copy of everything written so far
func (p *Pipe) Sent() []Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Packet, len(p.sent))
	copy(out, p.sent)
	return out
}

// FailWrites makes subsequent writes fail with err; nil restores them
func (p *Pipe) FailWrites(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// LocalAddr returns the address the pipe pretends to be bound to
func (p *Pipe) LocalAddr() net.Addr {
	return p.local
}

// Close unblocks readers; later reads return net.ErrClosed
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
