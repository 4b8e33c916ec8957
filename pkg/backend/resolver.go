// Package backend resolves queries on distributor workers. A Resolver may
// block for as long as it needs; it never runs on a receive loop.
package backend

import (
	"context"
	"errors"

	"authdns/pkg/query"

	"github.com/miekg/dns"
)

var (
	// ErrInvalidRecord is returned when a configured record does not parse
	ErrInvalidRecord = errors.New("invalid record")

	// ErrCNAMEWithOther is returned when CNAME coexists with other record types
	ErrCNAMEWithOther = errors.New("CNAME cannot coexist with other record types")

	// ErrCNAMELoop is returned when following CNAMEs inside the zone loops
	ErrCNAMELoop = errors.New("CNAME loop detected")
)

// Resolver produces the response message for one query
type Resolver interface {
	Resolve(ctx context.Context, q *query.Query) (*dns.Msg, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(ctx context.Context, q *query.Query) (*dns.Msg, error)

// Resolve calls f
func (f ResolverFunc) Resolve(ctx context.Context, q *query.Query) (*dns.Msg, error) {
	return f(ctx, q)
}
