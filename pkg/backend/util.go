package backend

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// normalizeDomain normalizes a domain name to lowercase FQDN with trailing dot
func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return dns.Fqdn(domain)
}

// isSubdomain reports whether name is zone or below it
func isSubdomain(name, zone string) bool {
	return dns.IsSubDomain(zone, name)
}

// rrText renders one configured record as zone file text. TXT values are
// quoted so spaces stay inside a single string.
func rrText(name string, ttl uint32, rtype, value string) string {
	value = strings.TrimSpace(value)
	if strings.EqualFold(rtype, "TXT") && !strings.HasPrefix(value, `"`) {
		value = `"` + strings.ReplaceAll(value, `"`, `\"`) + `"`
	}
	return fmt.Sprintf("%s %d IN %s %s", name, ttl, strings.ToUpper(rtype), value)
}
