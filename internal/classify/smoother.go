// SPDX-License-Identifier: MIT
package classify

// Smoother applies majority-vote hysteresis to raw labels. It keeps the last
// size labels; the output only changes when another label holds at least
// votes entries of the history. Until a label is established the plurality
// label is adopted.
type Smoother struct {
	size    int
	votes   int
	history []Label
	next    int
	current Label
}

// NewSmoother returns a smoother over size labels that switches at votes.
func NewSmoother(size, votes int) *Smoother {
	return &Smoother{size: size, votes: votes, history: make([]Label, 0, size), current: Undetermined}
}

// Push records a raw label and returns the smoothed label with the share of
// the history that agrees with it.
func (s *Smoother) Push(raw Label) (Label, float64) {
	if len(s.history) < s.size {
		s.history = append(s.history, raw)
	} else {
		s.history[s.next] = raw
		s.next = (s.next + 1) % s.size
	}

	counts := make(map[Label]int, 2)
	for _, l := range s.history {
		counts[l]++
	}

	if s.current == Undetermined {
		// Plurality, ties go to the newest label.
		best := raw
		for l, n := range counts {
			if n > counts[best] {
				best = l
			}
		}
		s.current = best
	} else {
		best, bestN := s.current, 0
		for l, n := range counts {
			if l != s.current && n >= s.votes && n > bestN {
				best, bestN = l, n
			}
		}
		s.current = best
	}
	return s.current, float64(counts[s.current]) / float64(len(s.history))
}

// Current returns the smoothed label without pushing.
func (s *Smoother) Current() Label { return s.current }

// Reset clears the history.
func (s *Smoother) Reset() {
	s.history = s.history[:0]
	s.next = 0
	s.current = Undetermined
}
