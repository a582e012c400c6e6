package balancer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/we-make-money/midjourney-proxy/internal/balancer"
)

type fakeCandidate struct {
	id      string
	core    int
	weight  int
	running int
	queued  int
}

func (f *fakeCandidate) ID() string              { return f.id }
func (f *fakeCandidate) EffectiveCoreSize() int  { return f.core }
func (f *fakeCandidate) Weight() int             { return f.weight }
func (f *fakeCandidate) RunningFutureCount() int { return f.running }
func (f *fakeCandidate) QueueLen() int           { return f.queued }

func candidates(cs ...*fakeCandidate) []balancer.Candidate {
	out := make([]balancer.Candidate, len(cs))
	for n, c := range cs {
		out[n] = c
	}
	return out
}

func TestBestWaitIdle_PicksMostIdleCapacity(t *testing.T) {
	a := &fakeCandidate{id: "a", core: 3, running: 3, queued: 2}
	b := &fakeCandidate{id: "b", core: 3, running: 1, queued: 0}
	c := &fakeCandidate{id: "c", core: 3, running: 2, queued: 0}

	chosen := balancer.BestWaitIdle{}.Choose(candidates(a, b, c))
	assert.Equal(t, "b", chosen.ID())
}

func TestBestWaitIdle_BacklogDoesNotMaskFreeSlots(t *testing.T) {
	// a's deep backlog is irrelevant while it still has more free slots
	// than b; only running work consumes capacity.
	a := &fakeCandidate{id: "a", core: 4, running: 1, queued: 4}
	b := &fakeCandidate{id: "b", core: 4, running: 2, queued: 0}

	chosen := balancer.BestWaitIdle{}.Choose(candidates(a, b))
	assert.Equal(t, "a", chosen.ID())
}

func TestBestWaitIdle_SaturatedPrefersLowerRelativeLoad(t *testing.T) {
	// No free slots anywhere. a carries (2+2)/2 = 2.0 load per slot,
	// b carries (8+4)/8 = 1.5, so the bigger instance wins even though
	// its absolute backlog is larger.
	a := &fakeCandidate{id: "a", core: 2, running: 2, queued: 2}
	b := &fakeCandidate{id: "b", core: 8, running: 8, queued: 4}

	chosen := balancer.BestWaitIdle{}.Choose(candidates(a, b))
	assert.Equal(t, "b", chosen.ID())
}

func TestBestWaitIdle_FreeSlotThenLoadRatio(t *testing.T) {
	// One free slot anywhere beats any load comparison.
	a := &fakeCandidate{id: "a", core: 4, running: 4, queued: 0}
	b := &fakeCandidate{id: "b", core: 2, running: 1, queued: 0}
	assert.Equal(t, "b", balancer.BestWaitIdle{}.Choose(candidates(a, b)).ID())

	// Saturate b too: a's (4+0)/4 = 1.0 beats b's (2+10)/2 = 6.0.
	b.running, b.queued = 2, 10
	assert.Equal(t, "a", balancer.BestWaitIdle{}.Choose(candidates(a, b)).ID())
}

func TestBestWaitIdle_TieKeepsFirstRegistered(t *testing.T) {
	a := &fakeCandidate{id: "a", core: 3, running: 1}
	b := &fakeCandidate{id: "b", core: 3, running: 1}

	chosen := balancer.BestWaitIdle{}.Choose(candidates(a, b))
	assert.Equal(t, "a", chosen.ID())
}

func TestRoundRobin_CyclesFromFirst(t *testing.T) {
	a := &fakeCandidate{id: "a"}
	b := &fakeCandidate{id: "b"}
	c := &fakeCandidate{id: "c"}
	set := candidates(a, b, c)

	rr := balancer.NewRoundRobin()
	var picked []string
	for i := 0; i < 7; i++ {
		picked = append(picked, rr.Choose(set).ID())
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a"}, picked)
}

func TestRandom_UsesInjectedSource(t *testing.T) {
	a := &fakeCandidate{id: "a"}
	b := &fakeCandidate{id: "b"}
	set := candidates(a, b)

	r := balancer.NewRandom(func(n int) int {
		require.Equal(t, 2, n)
		return 1
	})
	assert.Equal(t, "b", r.Choose(set).ID())
}

func TestWeight_PrefixSumBuckets(t *testing.T) {
	a := &fakeCandidate{id: "a", weight: 2}
	b := &fakeCandidate{id: "b", weight: 1}
	c := &fakeCandidate{id: "c", weight: 3}
	set := candidates(a, b, c)

	// Tickets land in buckets [0,2) -> a, [2,3) -> b, [3,6) -> c.
	for ticket, want := range map[int]string{0: "a", 1: "a", 2: "b", 3: "c", 5: "c"} {
		w := balancer.NewWeight(func(int) int { return ticket })
		assert.Equal(t, want, w.Choose(set).ID(), "ticket %d", ticket)
	}
}

func TestWeight_DoubleWeightDrawsTwiceAsOften(t *testing.T) {
	a := &fakeCandidate{id: "a", weight: 2}
	b := &fakeCandidate{id: "b", weight: 1}
	set := candidates(a, b)

	counts := map[string]int{}
	ticket := 0
	w := balancer.NewWeight(func(n int) int {
		v := ticket % n
		ticket++
		return v
	})
	for i := 0; i < 3000; i++ {
		counts[w.Choose(set).ID()]++
	}
	assert.Equal(t, 2000, counts["a"])
	assert.Equal(t, 1000, counts["b"])
}

func TestWeight_AllZeroFallsThroughToLast(t *testing.T) {
	a := &fakeCandidate{id: "a"}
	b := &fakeCandidate{id: "b"}

	w := balancer.NewWeight(func(int) int {
		t.Fatal("source must not be consulted when total weight is zero")
		return 0
	})
	assert.Equal(t, "b", w.Choose(candidates(a, b)).ID())
}

func TestChoose_EmptySet(t *testing.T) {
	assert.Nil(t, balancer.Choose(balancer.BestWaitIdle{}, nil))
}

func TestFromName(t *testing.T) {
	for _, name := range []string{
		"", balancer.PolicyBestWaitIdle, balancer.PolicyRoundRobin,
		balancer.PolicyRandom, balancer.PolicyWeight,
	} {
		rule, err := balancer.FromName(name)
		require.NoError(t, err, "policy %q", name)
		require.NotNil(t, rule)
	}

	_, err := balancer.FromName("least_conn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "least_conn")
}
