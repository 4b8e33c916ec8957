// Package stats holds the process-wide counters incremented by the
// receive path. Reading and exporting them is the telemetry package's job.
package stats

import (
	"sync/atomic"

	"authdns/pkg/query"
)

// Counter names, in declaration order
const (
	UDPQueries           = "udp-queries"
	UDP4Queries          = "udp4-queries"
	UDP6Queries          = "udp6-queries"
	UDPDoQueries         = "udp-do-queries"
	UDPCookieQueries     = "udp-cookie-queries"
	RDQueries            = "rd-queries"
	UDPAnswers           = "udp-answers"
	UDP4Answers          = "udp4-answers"
	UDP6Answers          = "udp6-answers"
	UDPAnswersBytes      = "udp-answers-bytes"
	UDP4AnswersBytes     = "udp4-answers-bytes"
	UDP6AnswersBytes     = "udp6-answers-bytes"
	OverloadDrops        = "overload-drops"
	PacketCacheHit       = "packetcache-hit"
	PacketCacheMiss      = "packetcache-miss"
	CorruptPackets       = "corrupt-packets"
	ResponsePackets      = "response-packets"
	ServfailAnswers      = "servfail-answers"
	SendErrors           = "send-errors"
	ProxyProtocolInvalid = "proxy-protocol-invalid"
)

var declared = []struct {
	name string
	desc string
}{
	{UDPQueries, "Number of UDP queries received"},
	{UDP4Queries, "Number of IPv4 UDP queries received"},
	{UDP6Queries, "Number of IPv6 UDP queries received"},
	{UDPDoQueries, "Number of UDP queries received with DO bit"},
	{UDPCookieQueries, "Number of UDP queries received with the COOKIE EDNS option"},
	{RDQueries, "Number of recursion desired questions"},
	{UDPAnswers, "Number of answers sent out over UDP"},
	{UDP4Answers, "Number of IPv4 answers sent out over UDP"},
	{UDP6Answers, "Number of IPv6 answers sent out over UDP"},
	{UDPAnswersBytes, "Total size of answers sent out over UDP"},
	{UDP4AnswersBytes, "Total size of answers sent out over UDPv4"},
	{UDP6AnswersBytes, "Total size of answers sent out over UDPv6"},
	{OverloadDrops, "Queries dropped because backends overloaded"},
	{PacketCacheHit, "Number of hits on the packet cache"},
	{PacketCacheMiss, "Number of misses on the packet cache"},
	{CorruptPackets, "Number of corrupt packets received"},
	{ResponsePackets, "Number of response packets received and discarded"},
	{ServfailAnswers, "Number of SERVFAIL answers produced by workers"},
	{SendErrors, "Number of answers that could not be sent"},
	{ProxyProtocolInvalid, "Number of datagrams with a missing or invalid proxy protocol header"},
}

// Counters is the set of named counters shared by all receivers and
// workers. Every field is updated atomically.
type Counters struct {
	values map[string]*atomic.Uint64
}

// New declares every counter at zero
func New() *Counters {
	c := &Counters{values: make(map[string]*atomic.Uint64, len(declared))}
	for _, d := range declared {
		c.values[d.name] = new(atomic.Uint64)
	}
	return c
}

// Names returns the counter names in declaration order
func Names() []string {
	names := make([]string, len(declared))
	for i, d := range declared {
		names[i] = d.name
	}
	return names
}

// Describe returns the help text for a counter
func Describe(name string) string {
	for _, d := range declared {
		if d.name == name {
			return d.desc
		}
	}
	return ""
}

// Counter returns the atomic behind name; unknown names panic, as they
// are programming errors
func (c *Counters) Counter(name string) *atomic.Uint64 {
	v, ok := c.values[name]
	if !ok {
		panic("stats: undeclared counter " + name)
	}
	return v
}

// Inc adds one to name
func (c *Counters) Inc(name string) {
	c.Counter(name).Add(1)
}

// Add adds n to name
func (c *Counters) Add(name string, n uint64) {
	c.Counter(name).Add(n)
}

// Get reads name
func (c *Counters) Get(name string) uint64 {
	return c.Counter(name).Load()
}

// Snapshot copies every counter
func (c *Counters) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(c.values))
	for name, v := range c.values {
		out[name] = v.Load()
	}
	return out
}

// CountReceived accounts a classified query: totals, family and flags
func (c *Counters) CountReceived(q *query.Query) {
	c.Inc(UDPQueries)
	if q.Family == query.FamilyV6 {
		c.Inc(UDP6Queries)
	} else {
		c.Inc(UDP4Queries)
	}
	if q.DO {
		c.Inc(UDPDoQueries)
	}
	if q.Cookie {
		c.Inc(UDPCookieQueries)
	}
	if q.RD {
		c.Inc(RDQueries)
	}
}

// CountAnswer accounts one answer of size bytes sent to family
func (c *Counters) CountAnswer(family query.Family, size int) {
	c.Inc(UDPAnswers)
	c.Add(UDPAnswersBytes, uint64(size))
	if family == query.FamilyV6 {
		c.Inc(UDP6Answers)
		c.Add(UDP6AnswersBytes, uint64(size))
	} else {
		c.Inc(UDP4Answers)
		c.Add(UDP4AnswersBytes, uint64(size))
	}
}
