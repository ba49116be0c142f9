// Package sched defines the pluggable task-selection policies used when a
// worker claims its next task. A strategy is a pure ordering/selection rule
// over the store's eligible-task window; it holds no state of its own.
package sched

import (
	"fmt"
	"math/rand"
	"strings"
)

// Candidate is the projection of a queued task a strategy selects over.
type Candidate struct {
	ID        int64
	Priority  int
	CreatedAt int64
}

// Strategy picks one task out of the eligible window. OrderBy returns the SQL
// ordering applied when the window is read; Pick chooses an index into the
// ordered, capability-filtered window. The window is never empty when Pick is
// called.
type Strategy interface {
	Name() string
	OrderBy() string
	Pick(candidates []Candidate) int
}

type fifo struct{}

func (fifo) Name() string    { return "fifo" }
func (fifo) OrderBy() string { return "created_at ASC, id ASC" }
func (fifo) Pick(candidates []Candidate) int {
	return 0
}

type lifo struct{}

func (lifo) Name() string    { return "lifo" }
func (lifo) OrderBy() string { return "created_at DESC, id DESC" }
func (lifo) Pick(candidates []Candidate) int {
	return 0
}

type priority struct{}

func (priority) Name() string    { return "priority" }
func (priority) OrderBy() string { return "priority ASC, created_at ASC, id ASC" }
func (priority) Pick(candidates []Candidate) int {
	return 0
}

// weightedRandom draws from the window with weight 1/(1+priority), so urgent
// tasks are favoured without the strict ordering of the other strategies.
type weightedRandom struct {
	intn func(n int) int
	f64  func() float64
}

func (weightedRandom) Name() string    { return "wrandom" }
func (weightedRandom) OrderBy() string { return "id ASC" }

func (w weightedRandom) Pick(candidates []Candidate) int {
	if len(candidates) == 1 {
		return 0
	}
	var total float64
	weights := make([]float64, len(candidates))
	for i, c := range candidates {
		p := c.Priority
		if p < 0 {
			p = 0
		}
		weights[i] = 1.0 / float64(1+p)
		total += weights[i]
	}
	if total <= 0 {
		return w.intn(len(candidates))
	}
	target := w.f64() * total
	for i, weight := range weights {
		target -= weight
		if target < 0 {
			return i
		}
	}
	return len(candidates) - 1
}

func FIFO() Strategy     { return fifo{} }
func LIFO() Strategy     { return lifo{} }
func Priority() Strategy { return priority{} }

func WeightedRandom() Strategy {
	return weightedRandom{intn: rand.Intn, f64: rand.Float64}
}

// Parse maps a configured strategy name to its implementation.
func Parse(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fifo":
		return FIFO(), nil
	case "lifo":
		return LIFO(), nil
	case "priority":
		return Priority(), nil
	case "wrandom", "weighted-random", "weighted_random":
		return WeightedRandom(), nil
	default:
		return nil, fmt.Errorf("unknown scheduling strategy: %q", name)
	}
}
