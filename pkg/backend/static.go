package backend

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"authdns/pkg/config"
	"authdns/pkg/logging"
	"authdns/pkg/query"

	"github.com/miekg/dns"
)

// DefaultTTL is used for configured records without a TTL
const DefaultTTL = 300

// maxCNAMEChain bounds CNAME chasing inside the configured data
const maxCNAMEChain = 8

type rrsets map[uint16][]dns.RR

// zone is an immutable snapshot of the configured records
type zone struct {
	names     map[string]rrsets
	wildcards map[string]rrsets // keyed by the parent of the "*" label
	apexes    []string          // SOA owners, deepest first
	soa       map[string]*dns.SOA
	count     int
}

// Static answers authoritatively from records held in memory. Records can
// be replaced at runtime; in-flight lookups keep the snapshot they started with.
type Static struct {
	zone    atomic.Pointer[zone]
	latency atomic.Int64
	logger  *logging.Logger
}

// NewStatic builds a backend from configuration
func NewStatic(cfg *config.BackendConfig, logger *logging.Logger) (*Static, error) {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	s := &Static{logger: logger}
	s.zone.Store(&zone{names: map[string]rrsets{}, wildcards: map[string]rrsets{}, soa: map[string]*dns.SOA{}})

	if cfg == nil {
		return s, nil
	}
	if err := s.Load(cfg.Records); err != nil {
		return nil, err
	}
	s.SetLatency(cfg.Latency)
	return s, nil
}

// Load replaces the served records. On error the previous records stay.
func (s *Static) Load(records []config.RecordConfig) error {
	z, err := buildZone(records)
	if err != nil {
		return err
	}
	s.zone.Store(z)
	s.logger.Info("Static records loaded", "records", z.count, "zones", len(z.apexes))
	return nil
}

// SetLatency sets an artificial delay applied to every resolution
func (s *Static) SetLatency(d time.Duration) {
	s.latency.Store(int64(d))
}

// Len returns the number of records served
func (s *Static) Len() int {
	return s.zone.Load().count
}

// Resolve answers q from the current records
func (s *Static) Resolve(ctx context.Context, q *query.Query) (*dns.Msg, error) {
	if d := time.Duration(s.latency.Load()); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	m := new(dns.Msg)
	m.SetReply(q.Msg)

	if q.Opcode != dns.OpcodeQuery {
		m.Rcode = dns.RcodeNotImplemented
		return m, nil
	}
	if q.Qclass != dns.ClassINET && q.Qclass != dns.ClassANY {
		m.Rcode = dns.RcodeRefused
		return m, nil
	}

	z := s.zone.Load()
	name := normalizeDomain(q.Name)
	apex := z.apexFor(name)
	if len(z.apexes) > 0 && apex == "" {
		m.Rcode = dns.RcodeRefused
		return m, nil
	}

	answers, rcode, err := z.answer(name, q.Qtype)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", q.String(), err)
	}

	m.Authoritative = true
	m.Answer = answers
	m.Rcode = rcode
	if len(answers) == 0 && apex != "" {
		m.Ns = []dns.RR{z.negativeSOA(apex)}
	}
	return m, nil
}

func (z *zone) lookup(name string) (rrsets, bool) {
	if sets, ok := z.names[name]; ok {
		return sets, false
	}
	if _, parent, ok := cutLabel(name); ok {
		if sets, ok := z.wildcards[parent]; ok {
			return sets, true
		}
	}
	return nil, false
}

func (z *zone) answer(name string, qtype uint16) ([]dns.RR, int, error) {
	var answers []dns.RR
	for hop := 0; hop < maxCNAMEChain; hop++ {
		sets, wildcard := z.lookup(name)
		if sets == nil {
			if hop == 0 {
				return nil, dns.RcodeNameError, nil
			}
			// Chased out of our data; the client follows the rest
			return answers, dns.RcodeSuccess, nil
		}

		if qtype == dns.TypeANY {
			for _, rrs := range sets {
				answers = append(answers, owned(rrs, name, wildcard)...)
			}
			return answers, dns.RcodeSuccess, nil
		}
		if rrs, ok := sets[qtype]; ok {
			return append(answers, owned(rrs, name, wildcard)...), dns.RcodeSuccess, nil
		}
		cnames, ok := sets[dns.TypeCNAME]
		if !ok {
			return answers, dns.RcodeSuccess, nil
		}

		answers = append(answers, owned(cnames, name, wildcard)...)
		name = normalizeDomain(cnames[0].(*dns.CNAME).Target)
	}
	return nil, 0, ErrCNAMELoop
}

// apexFor returns the deepest SOA owner containing name
func (z *zone) apexFor(name string) string {
	for _, apex := range z.apexes {
		if isSubdomain(name, apex) {
			return apex
		}
	}
	return ""
}

// negativeSOA is the SOA for the authority section of negative answers,
// with the TTL lowered to the negative caching TTL (RFC 2308)
func (z *zone) negativeSOA(apex string) dns.RR {
	soa := dns.Copy(z.soa[apex]).(*dns.SOA)
	if soa.Minttl < soa.Hdr.Ttl {
		soa.Hdr.Ttl = soa.Minttl
	}
	return soa
}

// owned returns rrs as seen under name; wildcard matches are copied and renamed
func owned(rrs []dns.RR, name string, wildcard bool) []dns.RR {
	if !wildcard {
		return rrs
	}
	out := make([]dns.RR, len(rrs))
	for i, rr := range rrs {
		cp := dns.Copy(rr)
		cp.Header().Name = name
		out[i] = cp
	}
	return out
}

func cutLabel(name string) (label, parent string, ok bool) {
	for i := 0; i < len(name)-1; i++ {
		if name[i] == '\\' {
			i++
			continue
		}
		if name[i] == '.' {
			return name[:i], name[i+1:], true
		}
	}
	return "", "", false
}

func buildZone(records []config.RecordConfig) (*zone, error) {
	z := &zone{
		names:     make(map[string]rrsets),
		wildcards: make(map[string]rrsets),
		soa:       make(map[string]*dns.SOA),
	}

	for _, rec := range records {
		name := normalizeDomain(rec.Name)
		ttl := rec.TTL
		if ttl == 0 {
			ttl = DefaultTTL
		}

		rr, err := dns.NewRR(rrText(name, ttl, rec.Type, rec.Value))
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrInvalidRecord, rec.Name, rec.Type, err)
		}
		if rr == nil {
			return nil, fmt.Errorf("%w: %s %s: empty record", ErrInvalidRecord, rec.Name, rec.Type)
		}

		target := z.names
		owner := name
		if label, parent, ok := cutLabel(name); ok && label == "*" {
			target = z.wildcards
			owner = parent
		}
		sets := target[owner]
		if sets == nil {
			sets = make(rrsets)
			target[owner] = sets
		}
		rtype := rr.Header().Rrtype
		sets[rtype] = append(sets[rtype], rr)
		z.count++

		if soa, ok := rr.(*dns.SOA); ok {
			if _, dup := z.soa[name]; !dup {
				z.apexes = append(z.apexes, name)
			}
			z.soa[name] = soa
		}
	}

	for _, group := range []map[string]rrsets{z.names, z.wildcards} {
		for owner, sets := range group {
			if _, ok := sets[dns.TypeCNAME]; ok && len(sets) > 1 {
				return nil, fmt.Errorf("%w: %s", ErrCNAMEWithOther, owner)
			}
		}
	}

	sort.Slice(z.apexes, func(i, j int) bool {
		return dns.CountLabel(z.apexes[i]) > dns.CountLabel(z.apexes[j])
	})
	return z, nil
}
