// Package query holds the inbound Query and outbound Answer types that flow
// between the receive loop, the packet cache and the distributor workers.
package query

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

// HeaderLen is the fixed DNS header size
const HeaderLen = 12

// MinReplyLen is the reply size every client must accept (RFC 1035)
const MinReplyLen = 512

var (
	// ErrShort is returned for datagrams smaller than a DNS header
	ErrShort = errors.New("packet shorter than dns header")
	// ErrMalformed is returned for datagrams that do not decode as DNS
	ErrMalformed = errors.New("malformed dns packet")
)

// Family is the address family a query arrived over
type Family uint8

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

// Sender is the reply side of a socket. Implementations must be safe for
// concurrent use by many goroutines.
type Sender interface {
	WritePacket(b []byte, remote net.Addr) (int, error)
}

// Query is a classified inbound request. It is read-only after Parse.
type Query struct {
	Msg    *dns.Msg
	Raw    []byte
	Remote net.Addr // peer the reply goes to
	Client net.Addr // originating client; differs from Remote behind a proxy
	Local  net.Addr
	Socket Sender
	Family Family

	Arrival time.Time

	ID     uint16
	Opcode int
	Name   string
	Qtype  uint16
	Qclass uint16

	Response bool // QR bit
	RD       bool
	CD       bool
	EDNS     bool
	DO       bool
	Cookie   bool
	NSID     bool
	TSIG     bool

	UDPSize     uint16 // advertised EDNS payload size, 0 without EDNS
	MaxReplyLen int
}

// Parse decodes raw into a Query. truncationThreshold caps the reply size
// an EDNS client may ask for.
func Parse(raw []byte, remote net.Addr, arrival time.Time, truncationThreshold int) (*Query, error) {
	if len(raw) < HeaderLen {
		return nil, ErrShort
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(msg.Question) == 0 {
		return nil, fmt.Errorf("%w: no question", ErrMalformed)
	}

	question := msg.Question[0]
	q := &Query{
		Msg:      msg,
		Raw:      raw,
		Remote:   remote,
		Client:   remote,
		Family:   FamilyOf(remote),
		Arrival:  arrival,
		ID:       msg.Id,
		Opcode:   msg.Opcode,
		Name:     question.Name,
		Qtype:    question.Qtype,
		Qclass:   question.Qclass,
		Response: msg.Response,
		RD:       msg.RecursionDesired,
		CD:       msg.CheckingDisabled,
		TSIG:     msg.IsTsig() != nil,
	}

	if opt := msg.IsEdns0(); opt != nil {
		q.EDNS = true
		q.DO = opt.Do()
		q.UDPSize = opt.UDPSize()
		for _, o := range opt.Option {
			switch o.(type) {
			case *dns.EDNS0_COOKIE:
				q.Cookie = true
			case *dns.EDNS0_NSID:
				q.NSID = true
			}
		}
	}

	q.MaxReplyLen = maxReplyLen(q.EDNS, q.UDPSize, truncationThreshold)

	return q, nil
}

// maxReplyLen is 512 without EDNS, otherwise the advertised size clamped
// to [512, truncationThreshold]
func maxReplyLen(edns bool, udpSize uint16, truncationThreshold int) int {
	if !edns {
		return MinReplyLen
	}
	size := int(udpSize)
	if truncationThreshold > 0 && size > truncationThreshold {
		size = truncationThreshold
	}
	if size < MinReplyLen {
		size = MinReplyLen
	}
	return size
}

// CouldBeCached reports whether the packet cache may answer this query.
// Zone updates, notifies, NSID requests and signed queries always go to a worker.
func (q *Query) CouldBeCached() bool {
	return q.Opcode == dns.OpcodeQuery &&
		q.Qclass == dns.ClassINET &&
		!q.NSID &&
		!q.TSIG
}

// String renders the question as name|type for logs
func (q *Query) String() string {
	return q.Name + "|" + TypeString(q.Qtype)
}

// RemoteString returns the printable client endpoint, noting the proxy
// it came through if any
func (q *Query) RemoteString() string {
	client := q.Client
	if client == nil {
		client = q.Remote
	}
	if client == nil {
		return "unknown"
	}
	if q.Remote != nil && client != q.Remote && client.String() != q.Remote.String() {
		return client.String() + " (via " + q.Remote.String() + ")"
	}
	return client.String()
}

// Age returns how long ago the query arrived
func (q *Query) Age(now time.Time) time.Duration {
	return now.Sub(q.Arrival)
}

// FamilyOf classifies an address as IPv4 or IPv6. IPv4-mapped IPv6
// addresses count as IPv4.
func FamilyOf(addr net.Addr) Family {
	var ip net.IP
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip = a.IP
	case *net.TCPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		if addr != nil {
			if host, _, err := net.SplitHostPort(addr.String()); err == nil {
				ip = net.ParseIP(host)
			}
		}
	}
	if ip != nil && ip.To4() == nil {
		return FamilyV6
	}
	return FamilyV4
}

// TypeString names a query type, falling back to TYPEnnn
func TypeString(qtype uint16) string {
	if s, ok := dns.TypeToString[qtype]; ok {
		return s
	}
	return "TYPE" + strconv.Itoa(int(qtype))
}

var opcodeNames = []string{"Query", "IQuery", "Status", "3", "Notify", "Update"}

// OpcodeString names an opcode the way operators expect in logs
func OpcodeString(opcode int) string {
	if opcode >= 0 && opcode < len(opcodeNames) {
		return opcodeNames[opcode]
	}
	return strconv.Itoa(opcode)
}

// RcodeString names a response code
func RcodeString(rcode int) string {
	if s, ok := dns.RcodeToString[rcode]; ok {
		return s
	}
	return "Err#" + strconv.Itoa(rcode)
}
