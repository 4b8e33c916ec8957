package distributor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"authdns/pkg/query"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQuery(t *testing.T, domain string, id uint16) *query.Query {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	m.Id = id
	raw, err := m.Pack()
	require.NoError(t, err)

	q, err := query.Parse(raw, &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 5300}, time.Now(), 1232)
	require.NoError(t, err)
	return q
}

func echoProcessor(_ context.Context, q *query.Query) (*query.Answer, error) {
	m := new(dns.Msg)
	m.SetReply(q.Msg)
	m.Authoritative = true
	return query.NewAnswer(q, m), nil
}

// gate blocks every query until released
type gate struct {
	release chan struct{}
	started chan struct{}
}

func newGate() *gate {
	return &gate{release: make(chan struct{}), started: make(chan struct{}, 64)}
}

func (g *gate) process(ctx context.Context, q *query.Query) (*query.Answer, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return echoProcessor(ctx, q)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		proc Processor
	}{
		{"no workers", Config{Workers: 0, MaxQueueLength: 10}, echoProcessor},
		{"no queue", Config{Workers: 1, MaxQueueLength: 0}, echoProcessor},
		{"negative overload", Config{Workers: 1, MaxQueueLength: 10, OverloadQueueLength: -1}, echoProcessor},
		{"no processor", Config{Workers: 1, MaxQueueLength: 10}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.cfg, tt.proc, nil)
			assert.Error(t, err)
			assert.Nil(t, d)
		})
	}
}

func TestSubmit_DeliversExactlyOnce(t *testing.T) {
	d, err := New(Config{Workers: 4, MaxQueueLength: 1000}, echoProcessor, nil)
	require.NoError(t, err)
	defer d.Close()

	const n = 500
	reply := make(chan Result, n)
	for i := 0; i < n; i++ {
		require.NoError(t, d.Submit(testQuery(t, fmt.Sprintf("q%d.example.com", i), uint16(i)), reply))
	}

	seen := make(map[uint16]int, n)
	for i := 0; i < n; i++ {
		select {
		case res := <-reply:
			require.NoError(t, res.Err)
			require.NotNil(t, res.Answer)
			assert.Equal(t, res.Query.ID, res.Answer.Msg.Id)
			seen[res.Query.ID]++
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d results delivered", i, n)
		}
	}

	for i := 0; i < n; i++ {
		assert.Equal(t, 1, seen[uint16(i)], "query %d", i)
	}

	select {
	case res := <-reply:
		t.Fatalf("unexpected extra result for %s", res.Query)
	case <-time.After(50 * time.Millisecond):
	}

	waitFor(t, func() bool { return d.Depth() == 0 })
}

func TestSubmit_ShedsWhenFull(t *testing.T) {
	g := newGate()
	d, err := New(Config{Workers: 1, MaxQueueLength: 2}, g.process, nil)
	require.NoError(t, err)
	defer d.Close()

	reply := make(chan Result, 10)

	// First job is taken by the single worker, the next two fill the queue
	require.NoError(t, d.Submit(testQuery(t, "a.example.com", 1), reply))
	<-g.started
	require.NoError(t, d.Submit(testQuery(t, "b.example.com", 2), reply))
	require.NoError(t, d.Submit(testQuery(t, "c.example.com", 3), reply))

	assert.Equal(t, 3, d.Depth())
	assert.True(t, d.IsOverloaded())

	err = d.Submit(testQuery(t, "d.example.com", 4), reply)
	assert.ErrorIs(t, err, ErrOverloaded)
	assert.False(t, IsFatal(err))
	assert.Equal(t, 3, d.Depth(), "shed query must not count toward depth")

	close(g.release)
	got := map[uint16]bool{}
	for i := 0; i < 3; i++ {
		select {
		case res := <-reply:
			got[res.Query.ID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}
	assert.Equal(t, map[uint16]bool{1: true, 2: true, 3: true}, got)
	waitFor(t, func() bool { return d.Depth() == 0 })
	assert.False(t, d.IsOverloaded())
}

func TestDepth_CountsInFlight(t *testing.T) {
	g := newGate()
	d, err := New(Config{Workers: 2, MaxQueueLength: 10}, g.process, nil)
	require.NoError(t, err)
	defer d.Close()

	reply := make(chan Result, 10)
	require.NoError(t, d.Submit(testQuery(t, "a.example.com", 1), reply))
	require.NoError(t, d.Submit(testQuery(t, "b.example.com", 2), reply))
	<-g.started
	<-g.started

	// Both are being processed, none queued: still part of the backlog
	assert.Equal(t, 2, d.Depth())

	close(g.release)
	<-reply
	<-reply
	waitFor(t, func() bool { return d.Depth() == 0 })
}

func TestCacheOnly(t *testing.T) {
	g := newGate()
	d, err := New(Config{Workers: 1, MaxQueueLength: 10, OverloadQueueLength: 2}, g.process, nil)
	require.NoError(t, err)
	defer d.Close()

	reply := make(chan Result, 10)
	assert.False(t, d.CacheOnly())

	require.NoError(t, d.Submit(testQuery(t, "a.example.com", 1), reply))
	<-g.started
	assert.False(t, d.CacheOnly())

	require.NoError(t, d.Submit(testQuery(t, "b.example.com", 2), reply))
	assert.True(t, d.CacheOnly())
	assert.False(t, d.IsOverloaded())

	close(g.release)
	<-reply
	<-reply
	waitFor(t, func() bool { return !d.CacheOnly() })
}

func TestCacheOnly_DisabledByZero(t *testing.T) {
	g := newGate()
	d, err := New(Config{Workers: 1, MaxQueueLength: 3}, g.process, nil)
	require.NoError(t, err)
	defer d.Close()

	reply := make(chan Result, 10)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Submit(testQuery(t, "a.example.com", uint16(i)), reply))
	}
	<-g.started
	assert.True(t, d.IsOverloaded())
	assert.False(t, d.CacheOnly())
	close(g.release)
}

func TestPerQueryFailure_BecomesServfail(t *testing.T) {
	backendErr := errors.New("backend unavailable")
	proc := func(ctx context.Context, q *query.Query) (*query.Answer, error) {
		switch q.ID {
		case 1:
			return nil, backendErr
		case 2:
			panic("backend bug")
		case 3:
			return nil, nil
		}
		return echoProcessor(ctx, q)
	}

	d, err := New(Config{Workers: 1, MaxQueueLength: 10}, proc, nil)
	require.NoError(t, err)
	defer d.Close()

	reply := make(chan Result, 10)
	for id := uint16(1); id <= 4; id++ {
		require.NoError(t, d.Submit(testQuery(t, "fail.example.com", id), reply))
	}

	results := map[uint16]Result{}
	for i := 0; i < 4; i++ {
		res := <-reply
		results[res.Query.ID] = res
	}

	assert.ErrorIs(t, results[1].Err, backendErr)
	assert.ErrorIs(t, results[2].Err, ErrWorkerPanic)
	assert.ErrorIs(t, results[3].Err, ErrNoAnswer)
	for id := uint16(1); id <= 3; id++ {
		require.NotNil(t, results[id].Answer)
		assert.Equal(t, dns.RcodeServerFailure, results[id].Answer.Rcode(), "query %d", id)
		assert.Equal(t, id, results[id].Answer.Msg.Id)
	}

	assert.NoError(t, results[4].Err)
	assert.Equal(t, dns.RcodeSuccess, results[4].Answer.Rcode())

	// Per-query failures leave the pool usable
	assert.NoError(t, d.Err())
	require.NoError(t, d.Submit(testQuery(t, "ok.example.com", 5), reply))
	res := <-reply
	assert.NoError(t, res.Err)
}

func TestFatal_PoolFaultIsReported(t *testing.T) {
	d, err := New(Config{Workers: 1, MaxQueueLength: 10}, echoProcessor, nil)
	require.NoError(t, err)
	defer d.Close()

	// Delivering to a closed reply channel panics outside per-query isolation
	broken := make(chan Result)
	close(broken)
	require.NoError(t, d.Submit(testQuery(t, "a.example.com", 1), broken))

	select {
	case <-d.Fatal():
	case <-time.After(2 * time.Second):
		t.Fatal("pool fault was not reported")
	}

	require.Error(t, d.Err())
	err = d.Submit(testQuery(t, "b.example.com", 2), make(chan Result, 1))
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 0, fe.Worker)
	assert.Contains(t, fe.Error(), "worker 0")
}

func TestSubmitAfterClose(t *testing.T) {
	d, err := New(Config{Workers: 2, MaxQueueLength: 10}, echoProcessor, nil)
	require.NoError(t, err)
	d.Close()
	d.Close()

	err = d.Submit(testQuery(t, "a.example.com", 1), make(chan Result, 1))
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubmit_Concurrent(t *testing.T) {
	d, err := New(Config{Workers: 3, MaxQueueLength: 5000}, echoProcessor, nil)
	require.NoError(t, err)
	defer d.Close()

	const submitters = 4
	const perSubmitter = 200
	reply := make(chan Result, submitters*perSubmitter)

	queries := make([]*query.Query, submitters*perSubmitter)
	for i := range queries {
		queries[i] = testQuery(t, "c.example.com", uint16(i))
	}

	var wg sync.WaitGroup
	for s := 0; s < submitters; s++ {
		wg.Add(1)
		go func(batch []*query.Query) {
			defer wg.Done()
			for _, q := range batch {
				assert.NoError(t, d.Submit(q, reply))
			}
		}(queries[s*perSubmitter : (s+1)*perSubmitter])
	}
	wg.Wait()

	for i := 0; i < submitters*perSubmitter; i++ {
		<-reply
	}
	waitFor(t, func() bool { return d.Depth() == 0 })
}

func TestRegistry(t *testing.T) {
	g := newGate()
	r := NewRegistry(3)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 0, r.TotalDepth())
	assert.Nil(t, r.Get(0))
	assert.Nil(t, r.Get(7))

	for i := 0; i < 2; i++ {
		d, err := New(Config{ID: i, Workers: 1, MaxQueueLength: 10}, g.process, nil)
		require.NoError(t, err)
		r.Set(i, d)
	}
	defer r.Close()

	reply := make(chan Result, 10)
	require.NoError(t, r.Get(0).Submit(testQuery(t, "a.example.com", 1), reply))
	require.NoError(t, r.Get(0).Submit(testQuery(t, "b.example.com", 2), reply))
	require.NoError(t, r.Get(1).Submit(testQuery(t, "c.example.com", 3), reply))

	assert.Equal(t, 3, r.TotalDepth())
	assert.Equal(t, 1, r.Get(1).ID())
	assert.NoError(t, r.Err())

	close(g.release)
	for i := 0; i < 3; i++ {
		<-reply
	}
	waitFor(t, func() bool { return r.TotalDepth() == 0 })

	var nilRegistry *Registry
	assert.Equal(t, 0, nilRegistry.TotalDepth())
	assert.Equal(t, 0, nilRegistry.Len())
}
