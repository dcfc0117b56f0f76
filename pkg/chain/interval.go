package chain

import "sort"

// Interval is an inclusive [Low, High] pair of block numbers (§3).
type Interval struct {
	Low, High uint64
}

// Len returns the number of blocks covered, inclusive.
func (iv Interval) Len() uint64 {
	if iv.High < iv.Low {
		return 0
	}
	return iv.High - iv.Low + 1
}

// Overlaps reports whether iv and other share at least one block, or are
// adjacent (so they can be merged into one run).
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Low <= other.High+1 && other.Low <= iv.High+1
}

// Intersect returns the overlap of iv and other, and whether one exists.
func (iv Interval) Intersect(other Interval) (Interval, bool) {
	lo := iv.Low
	if other.Low > lo {
		lo = other.Low
	}
	hi := iv.High
	if other.High < hi {
		hi = other.High
	}
	if lo > hi {
		return Interval{}, false
	}
	return Interval{Low: lo, High: hi}, true
}

// IntervalSet is a normalized (sorted, non-overlapping, merged) union of
// intervals — the "completed intervals" persisted per fragment (§3, §4.4).
type IntervalSet struct {
	ranges []Interval
}

// NewIntervalSet builds a normalized set from arbitrary (possibly
// overlapping/unsorted) intervals.
func NewIntervalSet(ranges ...Interval) *IntervalSet {
	s := &IntervalSet{}
	for _, r := range ranges {
		s.Add(r)
	}
	return s
}

// Add merges iv into the set, coalescing with any overlapping/adjacent
// intervals — the upsert behind `insertIntervals` (§4.4 step 7).
func (s *IntervalSet) Add(iv Interval) {
	if iv.High < iv.Low {
		return
	}
	merged := make([]Interval, 0, len(s.ranges)+1)
	inserted := false
	for _, r := range s.ranges {
		if !inserted && iv.Overlaps(r) {
			iv = mergeTwo(iv, r)
			continue
		}
		if !inserted && iv.High+1 < r.Low {
			merged = append(merged, iv, r)
			inserted = true
			continue
		}
		if !inserted && r.High+1 < iv.Low {
			merged = append(merged, r)
			continue
		}
		if inserted {
			merged = append(merged, r)
		}
	}
	if !inserted {
		merged = append(merged, iv)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Low < merged[j].Low })
	s.ranges = coalesce(merged)
}

func mergeTwo(a, b Interval) Interval {
	lo := a.Low
	if b.Low < lo {
		lo = b.Low
	}
	hi := a.High
	if b.High > hi {
		hi = b.High
	}
	return Interval{Low: lo, High: hi}
}

func coalesce(sorted []Interval) []Interval {
	if len(sorted) == 0 {
		return sorted
	}
	out := []Interval{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Low <= last.High+1 {
			if r.High > last.High {
				last.High = r.High
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Ranges returns the normalized intervals in ascending order.
func (s *IntervalSet) Ranges() []Interval {
	return append([]Interval(nil), s.ranges...)
}

// Contains reports whether the entire interval iv is already covered.
func (s *IntervalSet) Contains(iv Interval) bool {
	return len(s.Missing(iv)) == 0
}

// Missing computes the set difference of iv against the completed
// intervals — the "diff the working interval against completedIntervals"
// step of §4.4. The result is itself a normalized, sorted slice.
func (s *IntervalSet) Missing(iv Interval) []Interval {
	if iv.High < iv.Low {
		return nil
	}
	cursor := iv.Low
	var missing []Interval
	for _, r := range s.ranges {
		if r.High < cursor {
			continue
		}
		if r.Low > iv.High {
			break
		}
		if r.Low > cursor {
			hi := r.Low - 1
			if hi > iv.High {
				hi = iv.High
			}
			missing = append(missing, Interval{Low: cursor, High: hi})
		}
		if r.High+1 > cursor {
			cursor = r.High + 1
		}
		if cursor > iv.High {
			return missing
		}
	}
	if cursor <= iv.High {
		missing = append(missing, Interval{Low: cursor, High: iv.High})
	}
	return missing
}

// Fragment is the minimal persistable slice of a filter used as the
// caching key for completed-interval bookkeeping (§3). Two filters that
// produce the same Fragment ID share completed work.
type Fragment struct {
	ID string
}
