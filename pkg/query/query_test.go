package query

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRemote = &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 5353}

func packMsg(t *testing.T, mutate func(*dns.Msg)) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion("Example.COM.", dns.TypeAAAA)
	m.Id = 4242
	if mutate != nil {
		mutate(m)
	}
	raw, err := m.Pack()
	require.NoError(t, err)
	return raw
}

func TestParse(t *testing.T) {
	arrival := time.Now()
	raw := packMsg(t, nil)

	q, err := Parse(raw, testRemote, arrival, 1232)
	require.NoError(t, err)

	assert.Equal(t, uint16(4242), q.ID)
	assert.Equal(t, "Example.COM.", q.Name)
	assert.Equal(t, dns.TypeAAAA, q.Qtype)
	assert.Equal(t, uint16(dns.ClassINET), q.Qclass)
	assert.Equal(t, dns.OpcodeQuery, q.Opcode)
	assert.True(t, q.RD)
	assert.False(t, q.Response)
	assert.False(t, q.EDNS)
	assert.Equal(t, MinReplyLen, q.MaxReplyLen)
	assert.Equal(t, FamilyV4, q.Family)
	assert.Equal(t, testRemote, q.Remote)
	assert.Equal(t, testRemote, q.Client)
	assert.Equal(t, arrival, q.Arrival)
	assert.Equal(t, raw, q.Raw)
}

func TestParse_EDNS(t *testing.T) {
	tests := []struct {
		name    string
		size    uint16
		want    int
		options []dns.EDNS0
	}{
		{name: "clamped to threshold", size: 4096, want: 1232},
		{name: "below minimum", size: 100, want: MinReplyLen},
		{name: "within range", size: 900, want: 900},
		{name: "cookie", size: 1232, want: 1232, options: []dns.EDNS0{&dns.EDNS0_COOKIE{Code: dns.EDNS0COOKIE, Cookie: "0102030405060708"}}},
		{name: "nsid", size: 1232, want: 1232, options: []dns.EDNS0{&dns.EDNS0_NSID{Code: dns.EDNS0NSID}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := packMsg(t, func(m *dns.Msg) {
				m.SetEdns0(tt.size, true)
				opt := m.IsEdns0()
				opt.Option = append(opt.Option, tt.options...)
			})
			q, err := Parse(raw, testRemote, time.Now(), 1232)
			require.NoError(t, err)

			assert.True(t, q.EDNS)
			assert.True(t, q.DO)
			assert.Equal(t, tt.size, q.UDPSize)
			assert.Equal(t, tt.want, q.MaxReplyLen)
			if tt.name == "cookie" {
				assert.True(t, q.Cookie)
			}
			if tt.name == "nsid" {
				assert.True(t, q.NSID)
				assert.False(t, q.CouldBeCached())
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3}, testRemote, time.Now(), 1232)
	assert.True(t, errors.Is(err, ErrShort))

	_, err = Parse([]byte{0, 1, 1, 0, 0, 1, 0, 0, 0, 0, 0, 0, 3, 'f'}, testRemote, time.Now(), 1232)
	assert.True(t, errors.Is(err, ErrMalformed))

	noQuestion := new(dns.Msg)
	noQuestion.Id = 1
	raw, err := noQuestion.Pack()
	require.NoError(t, err)
	_, err = Parse(raw, testRemote, time.Now(), 1232)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestCouldBeCached(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*dns.Msg)
		want   bool
	}{
		{name: "plain query", want: true},
		{name: "notify", mutate: func(m *dns.Msg) { m.Opcode = dns.OpcodeNotify }, want: false},
		{name: "chaos class", mutate: func(m *dns.Msg) { m.Question[0].Qclass = dns.ClassCHAOS }, want: false},
		{name: "tsig", mutate: func(m *dns.Msg) { m.SetTsig("key.", dns.HmacSHA256, 300, time.Now().Unix()) }, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Parse(packMsg(t, tt.mutate), testRemote, time.Now(), 1232)
			require.NoError(t, err)
			assert.Equal(t, tt.want, q.CouldBeCached())
		})
	}
}

func TestRemoteString(t *testing.T) {
	q := &Query{Remote: testRemote, Client: testRemote}
	assert.Equal(t, "192.0.2.1:5353", q.RemoteString())

	q.Client = &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 1000}
	assert.Equal(t, "203.0.113.7:1000 (via 192.0.2.1:5353)", q.RemoteString())

	assert.Equal(t, "unknown", (&Query{}).RemoteString())
}

func TestFamilyOf(t *testing.T) {
	assert.Equal(t, FamilyV4, FamilyOf(testRemote))
	assert.Equal(t, FamilyV6, FamilyOf(&net.UDPAddr{IP: net.ParseIP("2001:db8::1")}))
	assert.Equal(t, FamilyV4, FamilyOf(&net.UDPAddr{IP: net.ParseIP("::ffff:192.0.2.1")}))
	assert.Equal(t, FamilyV6, FamilyOf(&net.TCPAddr{IP: net.ParseIP("::1")}))
	assert.Equal(t, FamilyV4, FamilyOf(nil))
}

func TestNames(t *testing.T) {
	assert.Equal(t, "A", TypeString(dns.TypeA))
	assert.Equal(t, "TYPE65000", TypeString(65000))
	assert.Equal(t, "Notify", OpcodeString(dns.OpcodeNotify))
	assert.Equal(t, "9", OpcodeString(9))
	assert.Equal(t, "NXDOMAIN", RcodeString(dns.RcodeNameError))
	assert.Equal(t, "Err#4000", RcodeString(4000))

	q := &Query{Name: "example.com.", Qtype: dns.TypeMX}
	assert.Equal(t, "example.com.|MX", q.String())
}

func TestAge(t *testing.T) {
	arrival := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := &Query{Arrival: arrival}
	assert.Equal(t, 3*time.Second, q.Age(arrival.Add(3*time.Second)))
}
