package dns

import (
	"github.com/miekg/dns"
)

// EDNS0 constants
const (
	// MinEDNSBufferSize is the smallest payload size we advertise or accept
	MinEDNSBufferSize = 512

	// EDNSVersion is the only EDNS version we speak
	EDNSVersion = 0
)

// EDNSInfo holds EDNS0 information from a DNS request
type EDNSInfo struct {
	Present    bool   // Whether EDNS0 is present in the request
	Version    uint8  // EDNS version (should be 0)
	BufferSize uint16 // Requested UDP payload size
	DO         bool   // DNSSEC OK bit
}

// GetEDNSInfo extracts EDNS0 information from a DNS request
func GetEDNSInfo(req *dns.Msg) *EDNSInfo {
	info := &EDNSInfo{
		Present: false,
	}

	if req == nil {
		return info
	}

	if opt := req.IsEdns0(); opt != nil {
		info.Present = true
		info.Version = opt.Version()
		info.BufferSize = opt.UDPSize()
		info.DO = opt.Do()
	}

	return info
}

// SetEDNS0 adds an OPT record to resp when the request carried one.
// advertise is our own receive limit, the UDP truncation threshold.
func SetEDNS0(resp *dns.Msg, reqInfo *EDNSInfo, advertise uint16) {
	if resp == nil || reqInfo == nil || !reqInfo.Present {
		return
	}

	// The backend may already have built one
	if resp.IsEdns0() != nil {
		return
	}

	// Class carries the payload size for OPT; SetUDPSize sets it
	opt := &dns.OPT{
		Hdr: dns.RR_Header{
			Name:   ".",
			Rrtype: dns.TypeOPT,
		},
	}
	opt.SetUDPSize(negotiateBufferSize(advertise))
	opt.SetVersion(EDNSVersion)

	if reqInfo.DO {
		opt.SetDo()
	}

	resp.Extra = append(resp.Extra, opt)
}

// negotiateBufferSize never advertises less than the RFC 1035 minimum
func negotiateBufferSize(advertise uint16) uint16 {
	if advertise < MinEDNSBufferSize {
		return MinEDNSBufferSize
	}
	return advertise
}

// HandleEDNS0 extracts EDNS info from the request and applies it to the response
func HandleEDNS0(req *dns.Msg, resp *dns.Msg, advertise uint16) {
	SetEDNS0(resp, GetEDNSInfo(req), advertise)
}

// BadVersion builds the BADVERS reply for a request using an EDNS version
// we do not implement (RFC 6891 6.1.3)
func BadVersion(req *dns.Msg, advertise uint16) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Rcode = dns.RcodeBadVers
	SetEDNS0(resp, GetEDNSInfo(req), advertise)
	return resp
}
