package join

import "math"

// Sum is a compensated (Neumaier) float64 accumulator. Its result does not
// drift with the number or magnitude spread of the terms the way a naive
// running total does.
type Sum struct {
	sum, c float64
}

// Add adds x to the running total.
func (s *Sum) Add(x float64) {
	t := s.sum + x
	if math.Abs(s.sum) >= math.Abs(x) {
		s.c += (s.sum - t) + x
	} else {
		s.c += (x - t) + s.sum
	}
	s.sum = t
}

// Value returns the compensated total.
func (s *Sum) Value() float64 { return s.sum + s.c }
