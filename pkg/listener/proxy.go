package listener

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"

	"authdns/pkg/config"

	"github.com/pires/go-proxyproto"
	"github.com/yl2chen/cidranger"
)

// ErrProxyHeader is returned for a datagram from a proxy-protocol source
// that does not start with a valid header
var ErrProxyHeader = errors.New("invalid proxy protocol header")

// ACL is the set of networks allowed (and required) to prefix datagrams
// with a proxy protocol header
type ACL struct {
	ranger cidranger.Ranger
	size   int
}

// NewACL builds an ACL from CIDRs or bare addresses
func NewACL(netmasks []string) (*ACL, error) {
	a := &ACL{ranger: cidranger.NewPCTrieRanger()}
	for _, mask := range netmasks {
		ipnet, err := config.ParseNetmask(mask)
		if err != nil {
			return nil, err
		}
		if err := a.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			return nil, fmt.Errorf("failed to add %s to proxy protocol acl: %w", mask, err)
		}
		a.size++
	}
	return a, nil
}

// Empty reports whether proxy protocol is disabled
func (a *ACL) Empty() bool {
	return a == nil || a.size == 0
}

// Len returns the number of configured networks
func (a *ACL) Len() int {
	if a == nil {
		return 0
	}
	return a.size
}

// Contains reports whether addr falls in any configured network
func (a *ACL) Contains(addr net.Addr) bool {
	if a.Empty() {
		return false
	}
	ip := addrIP(addr)
	if ip == nil {
		return false
	}
	ok, err := a.ranger.Contains(ip)
	return err == nil && ok
}

// BufferSize is the receive buffer a dispatcher needs: room for the
// largest query plus, with proxy protocol on, the largest header
func BufferSize(truncationThreshold int, acl *ACL, proxyMaxSize int) int {
	if acl.Empty() {
		return truncationThreshold
	}
	return truncationThreshold + proxyMaxSize
}

// Datagram is one received query packet
type Datagram struct {
	Payload []byte
	Remote  net.Addr // peer the reply goes to
	Client  net.Addr // source announced by the proxy, else Remote
	Proxied bool
}

// Receive reads one datagram from conn into buf. Sources in acl must
// prefix the packet with a proxy protocol header of at most maxHeader
// bytes; the header is stripped and its source becomes the Client.
func Receive(conn Conn, buf []byte, acl *ACL, maxHeader int) (Datagram, error) {
	n, remote, err := conn.ReadPacket(buf)
	if err != nil {
		return Datagram{}, err
	}

	dg := Datagram{Payload: buf[:n], Remote: remote, Client: remote}
	if !acl.Contains(remote) {
		return dg, nil
	}

	payload, source, err := StripProxyHeader(dg.Payload, maxHeader)
	if err != nil {
		return Datagram{Remote: remote, Client: remote}, err
	}
	dg.Payload = payload
	dg.Proxied = true
	if source != nil {
		dg.Client = source
	}
	return dg, nil
}

// StripProxyHeader parses a v1 or v2 proxy protocol header at the start of
// data and returns what follows it. source is nil for LOCAL headers.
func StripProxyHeader(data []byte, maxHeader int) (payload []byte, source net.Addr, err error) {
	rd := bytes.NewReader(data)
	br := bufio.NewReader(rd)

	hdr, err := proxyproto.Read(br)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProxyHeader, err)
	}

	consumed := len(data) - br.Buffered() - rd.Len()
	if maxHeader > 0 && consumed > maxHeader {
		return nil, nil, fmt.Errorf("%w: header of %d bytes exceeds maximum of %d", ErrProxyHeader, consumed, maxHeader)
	}

	if !hdr.Command.IsLocal() {
		source = udpAddr(hdr.SourceAddr)
	}
	return data[consumed:], source, nil
}

// udpAddr normalises header addresses; v1 headers carry TCP addresses
func udpAddr(addr net.Addr) net.Addr {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a
	case *net.TCPAddr:
		return &net.UDPAddr{IP: a.IP, Port: a.Port, Zone: a.Zone}
	}
	return addr
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case nil:
		return nil
	case *net.UDPAddr:
		if a == nil {
			return nil
		}
		return a.IP
	case *net.TCPAddr:
		if a == nil {
			return nil
		}
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
