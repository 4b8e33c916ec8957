package cache

import (
	"sync"

	"authdns/pkg/query"

	"github.com/cespare/xxhash/v2"
)

const (
	flagDO   = 1 << 0
	flagEDNS = 1 << 1
)

// ident identifies a cache entry exactly; the hash only picks the slot
type ident struct {
	name        string // lowercased
	qtype       uint16
	qclass      uint16
	flags       uint8
	maxReplyLen uint16
}

type keyBuffer struct {
	buf [300]byte
}

var keyBufferPool = sync.Pool{
	New: func() any {
		return new(keyBuffer)
	},
}

func identOf(q *query.Query) ident {
	var flags uint8
	if q.DO {
		flags |= flagDO
	}
	if q.EDNS {
		flags |= flagEDNS
	}
	return ident{
		name:        lower(q.Name),
		qtype:       q.Qtype,
		qclass:      q.Qclass,
		flags:       flags,
		maxReplyLen: uint16(q.MaxReplyLen),
	}
}

// hash returns the xxhash of [qclass:2][qtype:2][flags:1][maxreply:2][name]
func (id ident) hash() uint64 {
	kb := keyBufferPool.Get().(*keyBuffer)
	buf := kb.buf[:0]

	buf = append(buf, byte(id.qclass>>8), byte(id.qclass))
	buf = append(buf, byte(id.qtype>>8), byte(id.qtype))
	buf = append(buf, id.flags)
	buf = append(buf, byte(id.maxReplyLen>>8), byte(id.maxReplyLen))
	buf = append(buf, id.name...)

	h := xxhash.Sum64(buf)
	keyBufferPool.Put(kb)
	return h
}

// lower folds ASCII letters only; DNS names compare case-insensitively
// over ASCII (RFC 4343)
func lower(name string) string {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			b := []byte(name)
			for j := i; j < len(b); j++ {
				if b[j] >= 'A' && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return name
}
