package stats

import (
	"sync"
	"testing"

	"authdns/pkg/query"

	"github.com/stretchr/testify/assert"
)

func TestNewDeclaresAll(t *testing.T) {
	c := New()
	snap := c.Snapshot()

	assert.Len(t, snap, len(Names()))
	for _, name := range Names() {
		assert.Contains(t, snap, name)
		assert.Zero(t, snap[name])
		assert.NotEmpty(t, Describe(name), "counter %s needs a description", name)
	}
}

func TestUndeclaredCounterPanics(t *testing.T) {
	c := New()
	assert.Panics(t, func() { c.Inc("no-such-counter") })
}

func TestCountReceived(t *testing.T) {
	c := New()

	c.CountReceived(&query.Query{Family: query.FamilyV4, DO: true, RD: true})
	c.CountReceived(&query.Query{Family: query.FamilyV6, Cookie: true})

	assert.Equal(t, uint64(2), c.Get(UDPQueries))
	assert.Equal(t, uint64(1), c.Get(UDP4Queries))
	assert.Equal(t, uint64(1), c.Get(UDP6Queries))
	assert.Equal(t, uint64(1), c.Get(UDPDoQueries))
	assert.Equal(t, uint64(1), c.Get(UDPCookieQueries))
	assert.Equal(t, uint64(1), c.Get(RDQueries))
}

func TestCountAnswer(t *testing.T) {
	c := New()

	c.CountAnswer(query.FamilyV4, 100)
	c.CountAnswer(query.FamilyV6, 50)

	assert.Equal(t, uint64(2), c.Get(UDPAnswers))
	assert.Equal(t, uint64(150), c.Get(UDPAnswersBytes))
	assert.Equal(t, uint64(100), c.Get(UDP4AnswersBytes))
	assert.Equal(t, uint64(50), c.Get(UDP6AnswersBytes))
	assert.Equal(t, uint64(1), c.Get(UDP4Answers))
	assert.Equal(t, uint64(1), c.Get(UDP6Answers))
}

func TestConcurrentIncrements(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c.Inc(OverloadDrops)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(16000), c.Get(OverloadDrops))
}
