package dns

import (
	"context"
	"fmt"

	"authdns/pkg/backend"
	"authdns/pkg/cache"
	"authdns/pkg/logging"
	"authdns/pkg/query"

	"github.com/miekg/dns"
)

// Processor is the worker side of a query: resolve it through the
// backend, shape the reply and feed the packet cache.
type Processor struct {
	resolver  backend.Resolver
	cache     *cache.Cache
	advertise uint16
	logger    *logging.Logger
}

// NewProcessor creates a processor. c may be nil or disabled.
func NewProcessor(resolver backend.Resolver, c *cache.Cache, truncationThreshold int, logger *logging.Logger) *Processor {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	advertise := truncationThreshold
	if advertise > int(^uint16(0)) {
		advertise = int(^uint16(0))
	}
	return &Processor{
		resolver:  resolver,
		cache:     c,
		advertise: uint16(advertise),
		logger:    logger,
	}
}

// Process resolves q into a packed Answer. It runs on distributor workers.
func (p *Processor) Process(ctx context.Context, q *query.Query) (*query.Answer, error) {
	info := GetEDNSInfo(q.Msg)
	if info.Present && info.Version > EDNSVersion {
		return p.packed(q, BadVersion(q.Msg, p.advertise))
	}

	msg, err := p.resolver.Resolve(ctx, q)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("backend returned no message for %s", q.String())
	}

	msg.Id = q.ID
	msg.RecursionDesired = q.RD
	SetEDNS0(msg, info, p.advertise)

	answer, err := p.packed(q, msg)
	if err != nil {
		return nil, err
	}

	if p.cache.Enabled() && cacheable(q) && msg.Rcode != dns.RcodeServerFailure {
		p.cache.Insert(q, answer, cache.TTLFor(msg, p.cache.TTL()))
	}
	return answer, nil
}

// packed binds msg to q and packs it here, on the worker, so senders only write
func (p *Processor) packed(q *query.Query, msg *dns.Msg) (*query.Answer, error) {
	answer := query.NewAnswer(q, msg)
	if _, err := answer.Pack(); err != nil {
		return nil, err
	}
	return answer, nil
}

// cacheable reports whether the packet cache may hold or serve q.
// NOTIFY and UPDATE always reach the backend.
func cacheable(q *query.Query) bool {
	if q.Opcode == dns.OpcodeNotify || q.Opcode == dns.OpcodeUpdate {
		return false
	}
	return q.CouldBeCached()
}
