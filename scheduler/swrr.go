package scheduler

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// WeightTotal is the sum active channel weights are normalized to.
const WeightTotal = 65536

// WeightMode selects how raw channel weights are derived.
type WeightMode int

const (
	// WeightEqual gives every active channel the same weight.
	WeightEqual WeightMode = iota
	// WeightManual uses the configured channel weights.
	WeightManual
	// WeightProportional weights channels by their locally available count.
	WeightProportional
)

func (m WeightMode) String() string {
	switch m {
	case WeightEqual:
		return "equal"
	case WeightManual:
		return "manual"
	case WeightProportional:
		return "proportional"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseWeightMode parses a mode name.
func ParseWeightMode(s string) (WeightMode, error) {
	switch strings.ToLower(s) {
	case "", "equal":
		return WeightEqual, nil
	case "manual":
		return WeightManual, nil
	case "proportional":
		return WeightProportional, nil
	}
	return 0, fmt.Errorf("unknown weight mode %q", s)
}

// normalizeWeights scales raw so the positive entries sum to WeightTotal,
// distributing rounding remainders to the largest fractions first. Every
// positive raw weight maps to at least 1, which can push the sum past
// WeightTotal only when there are more channels than WeightTotal.
func normalizeWeights(raw []int) []int {
	out := make([]int, len(raw))
	sum := 0
	for _, w := range raw {
		if w > 0 {
			sum += w
		}
	}
	if sum == 0 {
		return out
	}

	type rem struct {
		i    int
		frac int
	}
	var rems []rem
	assigned := 0
	for i, w := range raw {
		if w <= 0 {
			continue
		}
		scaled := w * WeightTotal
		out[i] = scaled / sum
		assigned += out[i]
		rems = append(rems, rem{i: i, frac: scaled % sum})
	}
	for i, w := range raw {
		if w > 0 && out[i] == 0 {
			out[i] = 1
			assigned++
		}
	}
	// Stable so ties go to the earlier channel.
	slices.SortStableFunc(rems, func(a, b rem) int {
		return cmp.Compare(b.frac, a.frac)
	})
	for j := 0; assigned < WeightTotal; j = (j + 1) % len(rems) {
		out[rems[j].i]++
		assigned++
	}
	return out
}

// swrr is a smooth weighted round robin over a fixed set of slots.
type swrr struct {
	weights []int
	current []int
}

// reset installs new weights and clears accumulated credit.
func (s *swrr) reset(weights []int) {
	s.weights = weights
	s.current = make([]int, len(weights))
}

// next returns the selected slot, or -1 when no slot has weight. Ties go
// to the lowest slot.
func (s *swrr) next() int {
	best, total := -1, 0
	for i, w := range s.weights {
		if w <= 0 {
			continue
		}
		s.current[i] += w
		total += w
		if best < 0 || s.current[i] > s.current[best] {
			best = i
		}
	}
	if best >= 0 {
		s.current[best] -= total
	}
	return best
}
