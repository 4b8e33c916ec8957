package query

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Header byte offsets used when patching a packed template
const (
	idOffset    = 0
	flagsOffset = 2
	rdBit       = 0x01
)

// Answer is an outbound response bound to the query it answers.
//
// A freshly computed Answer owns Msg. A cache-derived Answer only has the
// packed wire form; its identity fields (transaction id, RD bit, remote,
// socket, max reply length) come from the current Query, never from the
// query that populated the cache.
type Answer struct {
	Msg         *dns.Msg
	Remote      net.Addr
	Socket      Sender
	MaxReplyLen int

	wire []byte
}

// NewAnswer binds msg to the query it answers
func NewAnswer(q *Query, msg *dns.Msg) *Answer {
	return &Answer{
		Msg:         msg,
		Remote:      q.Remote,
		Socket:      q.Socket,
		MaxReplyLen: q.MaxReplyLen,
	}
}

// Pack returns the wire form, truncating to MaxReplyLen (TC set) when the
// full message does not fit. The result is memoised; do not call Pack
// concurrently on an Answer that has not been packed yet.
func (a *Answer) Pack() ([]byte, error) {
	if a.wire != nil {
		return a.wire, nil
	}
	if a.Msg == nil {
		return nil, fmt.Errorf("answer has neither message nor wire form")
	}

	if a.MaxReplyLen > 0 && a.Msg.Len() > a.MaxReplyLen {
		a.Msg.Truncate(a.MaxReplyLen)
	}

	wire, err := a.Msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack answer: %w", err)
	}
	a.wire = wire
	return wire, nil
}

// Wire returns the packed form, or nil if the answer was never packed
func (a *Answer) Wire() []byte {
	return a.wire
}

// Rcode returns the response code of the answer
func (a *Answer) Rcode() int {
	if a.Msg != nil {
		return a.Msg.Rcode
	}
	if len(a.wire) >= HeaderLen {
		return int(a.wire[3] & 0x0f)
	}
	return -1
}

// For clones a packed template for q. The packed body is copied and the
// transaction id, RD bit and question name casing are rewritten to q's
// values; remote endpoint, socket and max reply length are taken from q as
// well. The template is never modified.
func (a *Answer) For(q *Query) *Answer {
	wire := make([]byte, len(a.wire))
	copy(wire, a.wire)

	if len(wire) >= HeaderLen {
		wire[idOffset] = byte(q.ID >> 8)
		wire[idOffset+1] = byte(q.ID)
		if q.RD {
			wire[flagsOffset] |= rdBit
		} else {
			wire[flagsOffset] &^= rdBit
		}
		copyQuestionName(wire, q.Raw)
	}

	return &Answer{
		Remote:      q.Remote,
		Socket:      q.Socket,
		MaxReplyLen: q.MaxReplyLen,
		wire:        wire,
	}
}

// Message decodes the answer; for cache-derived answers this unpacks the wire form
func (a *Answer) Message() (*dns.Msg, error) {
	if a.Msg != nil {
		return a.Msg, nil
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(a.wire); err != nil {
		return nil, fmt.Errorf("failed to unpack answer: %w", err)
	}
	return msg, nil
}

// Template returns a wire-only copy of a packed answer suitable for
// storing in the packet cache
func (a *Answer) Template() (*Answer, error) {
	wire, err := a.Pack()
	if err != nil {
		return nil, err
	}
	return &Answer{MaxReplyLen: a.MaxReplyLen, wire: wire}, nil
}

// ServFail builds a SERVFAIL answer for q
func ServFail(q *Query) *Answer {
	msg := new(dns.Msg)
	if q.Msg != nil {
		msg.SetRcode(q.Msg, dns.RcodeServerFailure)
	} else {
		msg.Id = q.ID
		msg.Response = true
		msg.Opcode = q.Opcode
		msg.RecursionDesired = q.RD
		msg.Rcode = dns.RcodeServerFailure
	}
	if q.EDNS {
		msg.SetEdns0(uint16(q.MaxReplyLen), q.DO)
	}
	return NewAnswer(q, msg)
}

// copyQuestionName overwrites the question name in wire with the one in
// raw when the two differ only in ASCII case, so replies echo the
// requester's 0x20 casing.
func copyQuestionName(wire, raw []byte) {
	n := questionNameLen(wire)
	if n == 0 || len(raw) < HeaderLen+n {
		return
	}
	dst := wire[HeaderLen : HeaderLen+n]
	src := raw[HeaderLen : HeaderLen+n]
	for i := range dst {
		if lowerASCII(dst[i]) != lowerASCII(src[i]) {
			return
		}
	}
	copy(dst, src)
}

// questionNameLen returns the length of the uncompressed first question
// name in a packed message, or 0 if there is none
func questionNameLen(msg []byte) int {
	if len(msg) < HeaderLen || msg[4] == 0 && msg[5] == 0 {
		return 0
	}
	for i := HeaderLen; i < len(msg); {
		l := int(msg[i])
		switch {
		case l == 0:
			return i + 1 - HeaderLen
		case l&0xc0 != 0:
			return 0
		}
		i += l + 1
	}
	return 0
}

func lowerASCII(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}
