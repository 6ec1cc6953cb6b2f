package solver

import (
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const unbounded = math.MaxInt

// penalty holds the weighted violation of the soft constraints, one entry per soft Strength,
// compared lexicographically.
type penalty [numStrengths - 1]int

func (p penalty) less(other penalty) bool {
	for i := range p {
		if p[i] != other[i] {
			return p[i] < other[i]
		}
	}
	return false
}

func (p penalty) sub(other penalty) penalty {
	for i := range p {
		p[i] -= other[i]
	}
	return p
}

// domain of one variable: its required bounds and its soft constraints.
type domain struct {
	lo, hi int
	soft   []Constraint
}

func (d *domain) cost(x int) (p penalty) {
	for _, c := range d.soft {
		var violation int
		switch c.Op {
		case EQ:
			violation = x - c.Constant
			if violation < 0 {
				violation = -violation
			}
		case GE:
			violation = max(0, c.Constant-x)
		case LE:
			violation = max(0, x-c.Constant)
		}
		p[c.Strength-1] += violation * c.weight()
	}
	return p
}

// step returns how the penalty changes when moving x by delta.
func (d *domain) step(x, delta int) penalty {
	return d.cost(x + delta).sub(d.cost(x))
}

// optimum returns the smallest value within the bounds that minimizes the variable's own penalty.
// The penalty is convex and piecewise linear, so it is enough to check the bounds and the
// constants of the soft constraints.
func (d *domain) optimum() int {
	best := d.lo
	bestCost := d.cost(best)
	consider := func(x int) {
		x = min(max(x, d.lo), d.hi)
		cost := d.cost(x)
		if cost.less(bestCost) || (cost == bestCost && x < best) {
			best, bestCost = x, cost
		}
	}
	if d.hi != unbounded {
		consider(d.hi)
	}
	for _, c := range d.soft {
		consider(c.Constant)
	}
	return best
}

// Tiered is an exact integer Solver for separable systems: any number of single-variable
// constraints of any Strength, plus at most one Required EQ constraint over a sum of variables.
// Variables are non-negative.
//
// It resolves the tiers lexicographically: the required constraints hold exactly, then the
// weighted violation of the Strong constraints is minimized, then that of the Medium ones.
// Remaining ties are broken fairly: when the sum forces variables to grow, the smallest grow
// first; when it forces them to shrink, the largest shrink first.
type Tiered struct{}

// Compile time assert that Tiered implements Solver.
var _ Solver = &Tiered{}

// NewTiered creates a Tiered solver.
func NewTiered() *Tiered {
	return &Tiered{}
}

// Solve implements Solver.
func (t *Tiered) Solve(sys *System) (Solution, error) {
	domains := make([]domain, len(sys.vars))
	for i := range domains {
		domains[i].hi = unbounded
	}
	var sum *Constraint
	for _, c := range sys.constraints {
		if c.Strength < Required || c.Strength >= numStrengths {
			return Solution{}, errors.Wrapf(ErrUnsupported, "%s: unknown strength", c)
		}
		for _, v := range c.Terms {
			if v.index >= len(sys.vars) || sys.vars[v.index] != v {
				return Solution{}, errors.Wrapf(ErrUnsupported, "%s: variable %q is not part of the system", c, v.Name)
			}
		}
		switch len(c.Terms) {
		case 0:
			return Solution{}, errors.Wrapf(ErrUnsupported, "%s: constraint without variables", c)
		case 1:
			d := &domains[c.Terms[0].index]
			if c.Strength != Required {
				d.soft = append(d.soft, c)
				continue
			}
			switch c.Op {
			case EQ:
				d.lo, d.hi = max(d.lo, c.Constant), min(d.hi, c.Constant)
			case GE:
				d.lo = max(d.lo, c.Constant)
			case LE:
				d.hi = min(d.hi, c.Constant)
			}
		default:
			if c.Strength != Required || c.Op != EQ {
				return Solution{}, errors.Wrapf(ErrUnsupported, "%s: only required equalities over sums are supported", c)
			}
			if sum != nil {
				return Solution{}, errors.Wrapf(ErrUnsupported, "%s: only one sum constraint is supported, already have %s", c, *sum)
			}
			sum = &c
		}
	}
	klog.V(2).Infof("solver: %d variables, %d constraints", len(sys.vars), len(sys.constraints))

	values := make([]int, len(domains))
	for i := range domains {
		d := &domains[i]
		if d.lo > d.hi {
			return Solution{}, errors.Wrapf(ErrUnsatisfiable, "%d <= %s <= %d", d.lo, sys.vars[i].Name, d.hi)
		}
		values[i] = d.optimum()
	}
	if sum != nil {
		if err := distribute(domains, values, *sum); err != nil {
			return Solution{}, err
		}
	}
	if klog.V(3).Enabled() {
		for i, v := range sys.vars {
			klog.Infof("solver: %s = %d", v.Name, values[i])
		}
	}
	return Solution{values: values}, nil
}

// move of one variable along a stretch of constant marginal penalty. level is the value seen
// in the direction of the move (x when growing, -x when shrinking).
type move struct {
	idx             int
	level, capacity int
	moved           int
}

// segment returns the marginal penalty of moving x by delta (±1), and how many consecutive moves
// keep that marginal penalty within the bounds: the penalty only bends at the bounds and at the
// constants of the soft constraints.
func (d *domain) segment(x, delta int) (penalty, int) {
	marginal := d.step(x, delta)
	if delta > 0 {
		capacity := unbounded
		if d.hi != unbounded {
			capacity = d.hi - x
		}
		for _, c := range d.soft {
			if c.Constant > x {
				capacity = min(capacity, c.Constant-x)
			}
		}
		return marginal, capacity
	}
	capacity := x - d.lo
	for _, c := range d.soft {
		if c.Constant < x {
			capacity = min(capacity, x-c.Constant)
		}
	}
	return marginal, capacity
}

// distribute moves the values of the sum's variables until the sum holds.
//
// Units go first to the variables whose penalty changes the least; among those, the smallest grow
// first (the largest shrink first), then the first in the sum. Since penalties are convex, moves are
// taken a whole segment of constant marginal penalty at a time, so the work depends on the number
// of variables and constraints, not on the values.
func distribute(domains []domain, values []int, sum Constraint) error {
	members := make([]int, 0, len(sum.Terms))
	seen := make(map[int]bool, len(sum.Terms))
	var minTotal, maxTotal, current int
	maxUnbounded := false
	for _, v := range sum.Terms {
		if seen[v.index] {
			return errors.Wrapf(ErrUnsupported, "%s: variable %q repeated in sum", sum, v.Name)
		}
		seen[v.index] = true
		members = append(members, v.index)
		d := domains[v.index]
		minTotal += d.lo
		if d.hi == unbounded {
			maxUnbounded = true
		} else {
			maxTotal += d.hi
		}
		current += values[v.index]
	}
	if sum.Constant < minTotal || (!maxUnbounded && sum.Constant > maxTotal) {
		if maxUnbounded {
			return errors.Wrapf(ErrUnsatisfiable, "%s: sum must be at least %d", sum, minTotal)
		}
		return errors.Wrapf(ErrUnsatisfiable, "%s: sum must be within [%d, %d]", sum, minTotal, maxTotal)
	}

	var group []move
	for current != sum.Constant {
		delta, remaining := 1, sum.Constant-current
		if remaining < 0 {
			delta, remaining = -1, -remaining
		}

		// Variables sharing the lowest marginal penalty, in the order of the sum.
		group = group[:0]
		var lowest penalty
		for _, idx := range members {
			x := values[idx]
			d := &domains[idx]
			if (delta > 0 && x >= d.hi) || (delta < 0 && x <= d.lo) {
				continue
			}
			marginal, capacity := d.segment(x, delta)
			m := move{idx: idx, level: delta * x, capacity: capacity}
			switch {
			case len(group) == 0 || marginal.less(lowest):
				group, lowest = append(group[:0], m), marginal
			case marginal == lowest:
				group = append(group, m)
			}
		}
		if len(group) == 0 {
			return errors.Wrapf(ErrUnsatisfiable, "%s: no variable can move to reach the sum", sum)
		}

		moved := fill(group, remaining)
		for _, m := range group {
			values[m.idx] += delta * m.moved
		}
		current += delta * moved
	}
	return nil
}

// fill spreads up to remaining units over the group, raising the lowest levels first and giving
// the last units to the first variables in the group. It sets each move's moved count and returns
// the total.
func fill(group []move, remaining int) int {
	total := 0
	for _, m := range group {
		if m.capacity == unbounded || total > remaining {
			total = unbounded
			break
		}
		total += m.capacity
	}
	if total <= remaining {
		for i := range group {
			group[i].moved = group[i].capacity
		}
		return total
	}

	// Binary search the highest water level whose filling fits in remaining.
	filled := func(level int) int {
		n := 0
		for _, m := range group {
			n += min(max(0, level-m.level), m.capacity)
		}
		return n
	}
	low, high := math.MaxInt, math.MinInt
	for _, m := range group {
		low = min(low, m.level)
		high = max(high, m.level+min(m.capacity, remaining+1))
	}
	for high-low > 1 {
		mid := low + (high-low)/2
		if filled(mid) <= remaining {
			low = mid
		} else {
			high = mid
		}
	}

	left := remaining - filled(low)
	for i := range group {
		m := &group[i]
		m.moved = min(max(0, low-m.level), m.capacity)
		if left > 0 && m.level+m.moved == low && m.moved < m.capacity {
			m.moved++
			left--
		}
	}
	return remaining
}
