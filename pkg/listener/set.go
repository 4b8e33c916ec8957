package listener

import (
	"context"
	"errors"
	"fmt"

	"authdns/pkg/logging"
)

// Set holds the sockets every receiver reads from. Without reuseport all
// receivers share one socket per address; with it each receiver gets its
// own socket per address.
type Set struct {
	perReceiver [][]Conn
	all         []Conn
}

// Open binds the sockets for receivers receiver loops
func Open(ctx context.Context, addresses []string, receivers int, reusePort bool, logger *logging.Logger) (*Set, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("no listen addresses configured")
	}
	if receivers < 1 {
		return nil, fmt.Errorf("need at least one receiver, got %d", receivers)
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	s := &Set{perReceiver: make([][]Conn, receivers)}

	if !reusePort {
		shared := make([]Conn, 0, len(addresses))
		for _, addr := range addresses {
			conn, err := Listen(ctx, addr, false)
			if err != nil {
				_ = closeAll(shared)
				return nil, err
			}
			logger.Info("Listening on UDP", "address", conn.LocalAddr().String())
			shared = append(shared, conn)
		}
		for i := range s.perReceiver {
			s.perReceiver[i] = shared
		}
		s.all = shared
		return s, nil
	}

	for i := range s.perReceiver {
		for _, addr := range addresses {
			conn, err := Listen(ctx, addr, true)
			if err != nil {
				_ = closeAll(s.all)
				return nil, err
			}
			logger.Info("Listening on UDP", "address", conn.LocalAddr().String(), "receiver", i, "reuseport", true)
			s.perReceiver[i] = append(s.perReceiver[i], conn)
			s.all = append(s.all, conn)
		}
	}
	return s, nil
}

// NewSet wraps existing connections, one slice per receiver. Shared
// connections may appear in several slices.
func NewSet(perReceiver [][]Conn) *Set {
	s := &Set{perReceiver: perReceiver}
	seen := make(map[Conn]bool)
	for _, conns := range perReceiver {
		for _, c := range conns {
			if !seen[c] {
				seen[c] = true
				s.all = append(s.all, c)
			}
		}
	}
	return s
}

// Receivers returns the number of receivers the set was opened for
func (s *Set) Receivers() int {
	return len(s.perReceiver)
}

// For returns the sockets receiver i reads from
func (s *Set) For(i int) []Conn {
	if i < 0 || i >= len(s.perReceiver) {
		return nil
	}
	return s.perReceiver[i]
}

// All returns every distinct socket
func (s *Set) All() []Conn {
	return s.all
}

// Close closes every socket
func (s *Set) Close() error {
	return closeAll(s.all)
}

func closeAll(conns []Conn) error {
	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil && !IsClosed(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
