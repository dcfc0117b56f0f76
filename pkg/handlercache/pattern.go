package handlercache

import (
	"container/list"
	"sync"

	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/felt"
)

// memberKind tags a PatternMember as a fixed constant or a value derived
// from the triggering event (§4.7 "tagged members: either constant(value)
// or derived(path-into-event)").
type memberKind int

const (
	memberConstant memberKind = iota
	memberDerived
)

// PatternMember is one positional argument (or the contract address) of a
// recorded call pattern.
type PatternMember struct {
	kind  memberKind
	value felt.Felt // memberConstant
	path  eventPath // memberDerived
}

// Pattern describes how one observed call's address and args were derived
// from the triggering event, recovered the next time a same-named event
// arrives (§4.7 "profile-based prefetch").
type Pattern struct {
	Method  string
	Address PatternMember
	Args    []PatternMember

	hasConstant bool
	seenCount   int
	element     *list.Element // non-nil only when hasConstant (LRU-tracked)
}

// matches reports whether a concrete call agrees with this pattern: same
// method, same arg count, and every constant member holds (§4.7 "A pattern
// matches a concrete call iff address, function, and arg positions agree").
func (p *Pattern) matches(method string, address felt.Felt, args []felt.Felt) bool {
	if p.Method != method || len(p.Args) != len(args) {
		return false
	}
	if p.Address.kind == memberConstant && p.Address.value != address {
		return false
	}
	for i, m := range p.Args {
		if m.kind == memberConstant && m.value != args[i] {
			return false
		}
	}
	return true
}

// recover reconstructs concrete call parameters from this pattern against
// an upcoming event, returning ok=false if any derived member's path is
// absent on this event (§4.7 "recover concrete request parameters from
// each known pattern").
func (p *Pattern) recover(ev chain.Event) (address felt.Felt, args []felt.Felt, ok bool) {
	address, ok = p.Address.resolve(ev)
	if !ok {
		return felt.Zero, nil, false
	}
	args = make([]felt.Felt, len(p.Args))
	for i, m := range p.Args {
		v, ok2 := m.resolve(ev)
		if !ok2 {
			return felt.Zero, nil, false
		}
		args[i] = v
	}
	return address, args, true
}

func (m PatternMember) resolve(ev chain.Event) (felt.Felt, bool) {
	if m.kind == memberConstant {
		return m.value, true
	}
	return m.path.resolve(ev)
}

// patternSet is the per-event-name pattern store: constant-bearing
// patterns are bounded and LRU-evicted, constant-free patterns are kept
// unbounded (§4.7 "keep up to ~10 patterns that include any constants,
// evicting least-recently-seen; patterns without constants are kept
// unbounded").
type patternSet struct {
	mu sync.Mutex

	withConstants *list.List // of *Pattern, front = most recently seen
	withoutConst  []*Pattern

	maxConstantPatterns int
}

func newPatternSet(maxConstantPatterns int) *patternSet {
	return &patternSet{withConstants: list.New(), maxConstantPatterns: maxConstantPatterns}
}

// record folds a newly observed concrete call into the set: bumping an
// existing matching pattern's recency, or inserting a new one and evicting
// the least-recently-seen constant-bearing pattern if the bound is
// exceeded.
func (s *patternSet) record(method string, address felt.Felt, args []felt.Felt, derive func(felt.Felt) (eventPath, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for e := s.withConstants.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Pattern)
		if p.matches(method, address, args) {
			p.seenCount++
			s.withConstants.MoveToFront(e)
			return
		}
	}
	for _, p := range s.withoutConst {
		if p.matches(method, address, args) {
			p.seenCount++
			return
		}
	}

	p := buildPattern(method, address, args, derive)
	if p.hasConstant {
		p.element = s.withConstants.PushFront(p)
		for s.withConstants.Len() > s.maxConstantPatterns {
			oldest := s.withConstants.Back()
			if oldest == nil {
				break
			}
			s.withConstants.Remove(oldest)
		}
		return
	}
	s.withoutConst = append(s.withoutConst, p)
}

func buildPattern(method string, address felt.Felt, args []felt.Felt, derive func(felt.Felt) (eventPath, bool)) *Pattern {
	p := &Pattern{Method: method, seenCount: 1}
	p.Address, p.hasConstant = buildMember(address, derive, p.hasConstant)
	p.Args = make([]PatternMember, len(args))
	for i, a := range args {
		p.Args[i], p.hasConstant = buildMember(a, derive, p.hasConstant)
	}
	return p
}

func buildMember(value felt.Felt, derive func(felt.Felt) (eventPath, bool), hasConstant bool) (PatternMember, bool) {
	if path, ok := derive(value); ok {
		return PatternMember{kind: memberDerived, path: path}, hasConstant
	}
	return PatternMember{kind: memberConstant, value: value}, true
}

// candidates returns every known pattern for this event name, weighted by
// observed frequency (§4.7 "weight each by its frequency").
func (s *patternSet) candidates() []weightedPattern {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int
	all := make([]*Pattern, 0, s.withConstants.Len()+len(s.withoutConst))
	for e := s.withConstants.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Pattern)
		all = append(all, p)
		total += p.seenCount
	}
	for _, p := range s.withoutConst {
		all = append(all, p)
		total += p.seenCount
	}
	if total == 0 {
		return nil
	}
	out := make([]weightedPattern, len(all))
	for i, p := range all {
		out[i] = weightedPattern{pattern: p, weight: float64(p.seenCount) / float64(total)}
	}
	return out
}

type weightedPattern struct {
	pattern *Pattern
	weight  float64
}
