package segments

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Resolution holds the lengths resolved for the leaves of a tree against a budget.
//
// The tree is not modified: lengths live in the Resolution, keyed by leaf. Segments not resolved
// (branches, empty leaves, or segments of another tree) keep their unconstrained length. A nil or
// released Resolution is the unconstrained view of any tree.
//
// A Resolution is not safe for concurrent use while being released.
type Resolution struct {
	root     *Segment
	budget   int
	cfg      Config
	system   *System
	lengths  map[*Segment]int
	released bool
}

// Resolve builds the constraint system of root for budget, solves it and returns the resolved
// lengths. The caller owns the Resolution and should Release it when done; Constrain does that
// automatically.
//
// Resolving the same tree again creates an independent Resolution: there is no nesting, and
// releasing one Resolution doesn't affect the others.
func Resolve(root *Segment, budget int, cfg Config) (*Resolution, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sys, err := BuildSystem(root, budget, cfg)
	if err != nil {
		return nil, err
	}
	solution, err := cfg.solver().Solve(sys.System)
	if err != nil {
		return nil, errors.WithMessagef(err, "while resolving %d leaves to %d tokens (budget %d)", len(sys.Leaves), sys.Total, budget)
	}
	r := &Resolution{
		root:    root,
		budget:  budget,
		cfg:     cfg,
		system:  sys,
		lengths: make(map[*Segment]int, len(sys.Leaves)),
	}
	for _, leaf := range sys.Leaves {
		r.lengths[leaf] = solution.Value(sys.Vars[leaf])
	}
	klog.V(1).Infof("segments: resolved %d leaves to %d of %d tokens (budget=%d, naive=%v, tiers=%s)",
		len(sys.Leaves), sys.Total, root.NumTokens(), budget, cfg.Naive, cfg.Tiers)
	return r, nil
}

// Constrain resolves root against budget, calls fn with the Resolution, and releases it on every
// exit path, including when fn returns an error or panics.
func Constrain(root *Segment, budget int, cfg Config, fn func(r *Resolution) error) error {
	r, err := Resolve(root, budget, cfg)
	if err != nil {
		return err
	}
	defer r.Release()
	return fn(r)
}

// Release discards the resolved lengths: afterwards r is the unconstrained view. It is idempotent.
func (r *Resolution) Release() {
	if r == nil || r.released {
		return
	}
	r.released = true
	r.lengths = nil
	r.system = nil
	klog.V(2).Infof("segments: released resolution of budget %d", r.budget)
}

// Active reports whether r holds resolved lengths.
func (r *Resolution) Active() bool {
	return r != nil && !r.released
}

// Budget the resolution was made for.
func (r *Resolution) Budget() int {
	if r == nil {
		return -1
	}
	return r.budget
}

// Naive reports whether r is an active naive (cutoff-only) resolution.
func (r *Resolution) Naive() bool {
	return r.Active() && r.cfg.Naive
}

// System returns the constraint system solved, or nil if r is not active.
func (r *Resolution) System() *System {
	if !r.Active() {
		return nil
	}
	return r.system
}

// Len returns the effective length of s:
//
//   - In naive mode: min(UnconstrainedLength, MinLength), or UnconstrainedLength if s has a
//     preferred length. This applies to branches too.
//   - Otherwise the resolved length of the leaf, or UnconstrainedLength if s has no resolved
//     length (branches, empty leaves) or it resolved to 0.
func (r *Resolution) Len(s *Segment) int {
	unconstrained := s.UnconstrainedLength()
	if !r.Active() {
		return unconstrained
	}
	if r.cfg.Naive {
		if s.preferred == 0 {
			return min(unconstrained, r.cfg.MinLength)
		}
		return unconstrained
	}
	length := r.lengths[s]
	if length == 0 {
		return unconstrained
	}
	return length
}

// cutoff returns the maximum number of tokens yielded in naive mode, or -1.
func (r *Resolution) cutoff() int {
	if r.Naive() {
		return r.budget
	}
	return -1
}
