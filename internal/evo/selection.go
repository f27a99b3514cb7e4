package evo

import (
	"fmt"
	"math/rand"
)

// Ranked pairs a member with its selection key. Lower keys are better.
type Ranked struct {
	Candidate Candidate
	Key       float64
}

// Selector draws n distinct parents from a ranking sorted best first.
type Selector interface {
	Name() string
	Select(rng *rand.Rand, ranked []Ranked, n int) ([]Candidate, error)
}

func checkSelect(rng *rand.Rand, ranked []Ranked, n int) error {
	if rng == nil {
		return fmt.Errorf("random source is required")
	}
	if n <= 0 || n > len(ranked) {
		return fmt.Errorf("cannot select %d parents from %d members", n, len(ranked))
	}
	return nil
}

// TournamentSelector repeatedly samples Size members from those not yet
// chosen and keeps the one with the lowest key.
type TournamentSelector struct {
	Size int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) Select(rng *rand.Rand, ranked []Ranked, n int) ([]Candidate, error) {
	if err := checkSelect(rng, ranked, n); err != nil {
		return nil, err
	}
	size := s.Size
	if size <= 0 {
		size = 3
	}
	remaining := make([]int, len(ranked))
	for i := range remaining {
		remaining[i] = i
	}
	out := make([]Candidate, 0, n)
	for len(out) < n {
		k := size
		if k > len(remaining) {
			k = len(remaining)
		}
		bestPos := rng.Intn(len(remaining))
		for i := 1; i < k; i++ {
			pos := rng.Intn(len(remaining))
			if ranked[remaining[pos]].Key < ranked[remaining[bestPos]].Key {
				bestPos = pos
			}
		}
		out = append(out, ranked[remaining[bestPos]].Candidate)
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}
	return out, nil
}

// RankSelector picks with probability proportional to N-rank, removing each
// pick before the next draw.
type RankSelector struct{}

func (RankSelector) Name() string {
	return "rank"
}

func (RankSelector) Select(rng *rand.Rand, ranked []Ranked, n int) ([]Candidate, error) {
	if err := checkSelect(rng, ranked, n); err != nil {
		return nil, err
	}
	remaining := make([]int, len(ranked))
	for i := range remaining {
		remaining[i] = i
	}
	out := make([]Candidate, 0, n)
	for len(out) < n {
		total := 0.0
		for _, idx := range remaining {
			total += float64(len(ranked) - idx)
		}
		pick := rng.Float64() * total
		acc := 0.0
		chosen := len(remaining) - 1
		for pos, idx := range remaining {
			acc += float64(len(ranked) - idx)
			if pick < acc {
				chosen = pos
				break
			}
		}
		out = append(out, ranked[remaining[chosen]].Candidate)
		remaining = append(remaining[:chosen], remaining[chosen+1:]...)
	}
	return out, nil
}

func SelectorFromName(name string) (Selector, error) {
	switch name {
	case "", "tournament":
		return TournamentSelector{}, nil
	case "rank":
		return RankSelector{}, nil
	default:
		return nil, fmt.Errorf("unsupported selection: %s", name)
	}
}
