package evo

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"xtalsearch/internal/similarity"
	"xtalsearch/internal/structure"
)

type Outcome string

const (
	OutcomeAppended            Outcome = "appended"
	OutcomeReplacedWorst       Outcome = "replaced_worst"
	OutcomeReplacedDuplicate   Outcome = "replaced_duplicate"
	OutcomeRejectedDuplicate   Outcome = "rejected_duplicate"
	OutcomeRejectedWorse       Outcome = "rejected_worse"
	OutcomeRejectedComposition Outcome = "rejected_composition"
)

type InsertResult struct {
	Outcome   Outcome
	EvictedID string
}

func (r InsertResult) Accepted() bool {
	switch r.Outcome {
	case OutcomeAppended, OutcomeReplacedWorst, OutcomeReplacedDuplicate:
		return true
	default:
		return false
	}
}

type PopulationConfig struct {
	Capacity int
	Target   structure.Composition
	Oracle   similarity.Oracle
	Selector Selector
	// NonConvergedPenalty is added to the fitness of unconverged members when
	// ranking parents. Insertion always compares raw fitness.
	NonConvergedPenalty float64
	// AllowCompositionChange admits members with the target's atom count and
	// any mix of the target's species.
	AllowCompositionChange bool
}

// Population is the bounded, deduplicated set of candidates of one run.
type Population struct {
	mu      sync.Mutex
	cfg     PopulationConfig
	members []Candidate
}

func NewPopulation(cfg PopulationConfig) (*Population, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("population size must be > 0")
	}
	if err := cfg.Target.Validate(); err != nil {
		return nil, fmt.Errorf("target composition: %w", err)
	}
	if cfg.NonConvergedPenalty < 0 {
		return nil, fmt.Errorf("nonconverged penalty must be >= 0")
	}
	if cfg.Oracle == (similarity.Oracle{}) {
		cfg.Oracle = similarity.NewOracle(similarity.DefaultTolerance)
	}
	if cfg.Selector == nil {
		cfg.Selector = TournamentSelector{}
	}
	return &Population{cfg: cfg, members: make([]Candidate, 0, cfg.Capacity)}, nil
}

func (p *Population) Capacity() int { return p.cfg.Capacity }

func (p *Population) Oracle() similarity.Oracle { return p.cfg.Oracle }

func (p *Population) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

func (p *Population) admits(c structure.Composition) bool {
	if !p.cfg.AllowCompositionChange {
		return c.Equal(p.cfg.Target)
	}
	if c.Total() != p.cfg.Target.Total() {
		return false
	}
	for sp := range c {
		if _, ok := p.cfg.Target[sp]; !ok {
			return false
		}
	}
	return true
}

// Insert applies the replacement policy to c. Ties keep the existing member.
func (p *Population) Insert(c Candidate) InsertResult {
	if !p.admits(c.Structure.Composition()) {
		return InsertResult{Outcome: OutcomeRejectedComposition}
	}
	if c.Fingerprint.Vector == nil {
		c.Fingerprint = p.cfg.Oracle.Fingerprint(c.Structure)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var equivalent []int
	for i, m := range p.members {
		if p.cfg.Oracle.EquivalentFingerprints(c.Fingerprint, m.Fingerprint) {
			equivalent = append(equivalent, i)
		}
	}
	if len(equivalent) > 0 {
		if len(equivalent) == 1 && c.Fitness < p.members[equivalent[0]].Fitness {
			evicted := p.members[equivalent[0]].ID
			p.members[equivalent[0]] = c
			return InsertResult{Outcome: OutcomeReplacedDuplicate, EvictedID: evicted}
		}
		return InsertResult{Outcome: OutcomeRejectedDuplicate}
	}

	if len(p.members) < p.cfg.Capacity {
		p.members = append(p.members, c)
		return InsertResult{Outcome: OutcomeAppended}
	}

	worst := p.worstIndex()
	if c.Fitness < p.members[worst].Fitness {
		evicted := p.members[worst].ID
		p.members[worst] = c
		return InsertResult{Outcome: OutcomeReplacedWorst, EvictedID: evicted}
	}
	return InsertResult{Outcome: OutcomeRejectedWorse}
}

// worstIndex prefers, among equally bad members, the newest one.
func (p *Population) worstIndex() int {
	worst := 0
	for i := 1; i < len(p.members); i++ {
		a, b := p.members[i], p.members[worst]
		switch {
		case a.Fitness > b.Fitness:
			worst = i
		case a.Fitness == b.Fitness && (a.Generation > b.Generation || (a.Generation == b.Generation && a.ID > b.ID)):
			worst = i
		}
	}
	return worst
}

// ContainsEquivalent reports whether any member matches fp.
func (p *Population) ContainsEquivalent(fp similarity.Fingerprint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.members {
		if p.cfg.Oracle.EquivalentFingerprints(fp, m.Fingerprint) {
			return true
		}
	}
	return false
}

func lessCandidate(a, b Candidate) bool {
	if a.Fitness != b.Fitness {
		return a.Fitness < b.Fitness
	}
	if a.Generation != b.Generation {
		return a.Generation < b.Generation
	}
	return a.ID < b.ID
}

// Members returns a copy sorted by fitness, best first.
func (p *Population) Members() []Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]Candidate(nil), p.members...)
	sort.Slice(out, func(i, j int) bool { return lessCandidate(out[i], out[j]) })
	return out
}

func (p *Population) Best() (Candidate, bool) {
	members := p.Members()
	if len(members) == 0 {
		return Candidate{}, false
	}
	return members[0], true
}

func (p *Population) ranked() []Ranked {
	members := p.Members()
	ranked := make([]Ranked, len(members))
	for i, m := range members {
		key := m.Fitness
		if !m.Converged {
			key += p.cfg.NonConvergedPenalty
		}
		ranked[i] = Ranked{Candidate: m, Key: key}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Key < ranked[j].Key })
	return ranked
}

// SelectParents draws n distinct members.
func (p *Population) SelectParents(rng *rand.Rand, n int) ([]Candidate, error) {
	return p.cfg.Selector.Select(rng, p.ranked(), n)
}

// Restore replaces the members with candidates, enforcing capacity,
// composition and uniqueness of IDs.
func (p *Population) Restore(candidates []Candidate) error {
	if len(candidates) > p.cfg.Capacity {
		return fmt.Errorf("restore %d candidates exceeds capacity %d", len(candidates), p.cfg.Capacity)
	}
	seen := make(map[string]struct{}, len(candidates))
	restored := make([]Candidate, 0, p.cfg.Capacity)
	for _, c := range candidates {
		if !p.admits(c.Structure.Composition()) {
			return fmt.Errorf("restore candidate %s: composition %s not admitted", c.ID, c.Structure.Composition())
		}
		if _, ok := seen[c.ID]; ok {
			return fmt.Errorf("restore candidate %s: duplicate id", c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.Fingerprint.Vector == nil {
			c.Fingerprint = p.cfg.Oracle.Fingerprint(c.Structure)
		}
		restored = append(restored, c)
	}
	p.mu.Lock()
	p.members = restored
	p.mu.Unlock()
	return nil
}
