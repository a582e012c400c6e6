// Package balancer selects which upstream instance receives a new task.
// Policies see candidates through a narrow interface so selection logic
// stays independent of the instance runtime.
package balancer

import (
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/we-make-money/midjourney-proxy/pkg/telemetry"
)

// Policy names accepted in configuration.
const (
	PolicyBestWaitIdle = "best_wait_idle"
	PolicyRoundRobin   = "round_robin"
	PolicyRandom       = "random"
	PolicyWeight       = "weight"
)

// Candidate is one selectable instance. Implementations must be safe for
// concurrent use.
type Candidate interface {
	ID() string
	EffectiveCoreSize() int
	Weight() int
	RunningFutureCount() int
	QueueLen() int
}

// Rule picks one candidate out of a non-empty alive set.
type Rule interface {
	Name() string
	Choose(candidates []Candidate) Candidate
}

// Choose applies the rule and records the decision. Returns nil when the
// candidate set is empty.
func Choose(rule Rule, candidates []Candidate) Candidate {
	if len(candidates) == 0 {
		return nil
	}
	chosen := rule.Choose(candidates)
	if chosen != nil {
		telemetry.BalancerChoicesTotal.WithLabelValues(rule.Name(), chosen.ID()).Inc()
	}
	return chosen
}

// BestWaitIdle routes to spare capacity first: the candidate with the most
// free execution slots wins, queued work not counted. When every slot
// everywhere is taken it falls back to the lowest total load per slot.
// Ties keep the earliest-registered instance in both phases.
type BestWaitIdle struct{}

func (BestWaitIdle) Name() string { return PolicyBestWaitIdle }

func (BestWaitIdle) Choose(candidates []Candidate) Candidate {
	best := candidates[0]
	bestFree := freeSlots(best)
	for _, c := range candidates[1:] {
		if free := freeSlots(c); free > bestFree {
			best, bestFree = c, free
		}
	}
	if bestFree > 0 {
		return best
	}

	best = candidates[0]
	for _, c := range candidates[1:] {
		if lessLoaded(c, best) {
			best = c
		}
	}
	return best
}

func freeSlots(c Candidate) int {
	return c.EffectiveCoreSize() - c.RunningFutureCount()
}

// lessLoaded compares (running+queued)/coreSize cross-multiplied so the
// ratio comparison stays in integers.
func lessLoaded(a, b Candidate) bool {
	return (a.RunningFutureCount()+a.QueueLen())*b.EffectiveCoreSize() <
		(b.RunningFutureCount()+b.QueueLen())*a.EffectiveCoreSize()
}

// RoundRobin cycles through candidates in order. The counter starts below
// zero so the first pick is the first candidate.
type RoundRobin struct {
	n atomic.Int64
}

// NewRoundRobin creates a round robin rule positioned before the first
// candidate.
func NewRoundRobin() *RoundRobin {
	r := &RoundRobin{}
	r.n.Store(-1)
	return r
}

func (r *RoundRobin) Name() string { return PolicyRoundRobin }

func (r *RoundRobin) Choose(candidates []Candidate) Candidate {
	idx := r.n.Add(1) % int64(len(candidates))
	return candidates[idx]
}

// Random picks uniformly. The integer source is injectable for
// deterministic tests.
type Random struct {
	intn func(n int) int
}

// NewRandom creates a uniform rule; a nil source uses math/rand.
func NewRandom(intn func(n int) int) *Random {
	if intn == nil {
		intn = rand.Intn
	}
	return &Random{intn: intn}
}

func (r *Random) Name() string { return PolicyRandom }

func (r *Random) Choose(candidates []Candidate) Candidate {
	return candidates[r.intn(len(candidates))]
}

// Weight picks proportionally to candidate weights by walking the prefix
// sums of the weight vector. When every weight is zero the last candidate
// wins, matching the walk falling through all buckets.
type Weight struct {
	intn func(n int) int
}

// NewWeight creates a weighted rule; a nil source uses math/rand.
func NewWeight(intn func(n int) int) *Weight {
	if intn == nil {
		intn = rand.Intn
	}
	return &Weight{intn: intn}
}

func (w *Weight) Name() string { return PolicyWeight }

func (w *Weight) Choose(candidates []Candidate) Candidate {
	total := 0
	for _, c := range candidates {
		total += c.Weight()
	}
	if total > 0 {
		ticket := w.intn(total)
		acc := 0
		for _, c := range candidates {
			acc += c.Weight()
			if ticket < acc {
				return c
			}
		}
	}
	return candidates[len(candidates)-1]
}

// FromName builds the rule configured under the given policy name. An
// empty name selects the idle-capacity rule.
func FromName(name string) (Rule, error) {
	switch name {
	case PolicyBestWaitIdle, "":
		return BestWaitIdle{}, nil
	case PolicyRoundRobin:
		return NewRoundRobin(), nil
	case PolicyRandom:
		return NewRandom(nil), nil
	case PolicyWeight:
		return NewWeight(nil), nil
	default:
		return nil, fmt.Errorf("unknown balancing policy %q", name)
	}
}
