package segments

import (
	"fmt"

	"github.com/gomlx/go-tokenpack/solver"
	"github.com/pkg/errors"
)

// System is the constraint system of one tree and budget, as built by BuildSystem.
type System struct {
	*solver.System

	// Total is the sum required of the leaf lengths: min(budget, root.NumTokens()).
	Total int

	// Leaves holds the leaves with a length variable, in tree order. Empty leaves have none.
	Leaves []*Segment

	// Vars maps each leaf in Leaves to its length variable.
	Vars map[*Segment]*solver.Variable

	// Required, Medium and Strong hold the constraints of each tier. Medium is always built, but
	// only registered in the solver system with TiersDocumented.
	Required, Medium, Strong []solver.Constraint
}

// BuildSystem creates a length variable for every non-empty leaf under root, and the constraints
// fitting them to budget:
//
//   - Required: 1 <= length <= UnconstrainedLength for every leaf, and the sum of all lengths
//     equals min(budget, root.NumTokens()).
//   - Medium: per leaf, length >= UnconstrainedLength, length == UnconstrainedLength and
//     length >= MinLength.
//   - Strong: per leaf, length == PreferredLength (with PreferredWeight) if set, otherwise
//     length == MinLength.
//
// A leaf can appear only once in the tree, otherwise it fails with ErrInvalidShape.
func BuildSystem(root *Segment, budget int, cfg Config) (*System, error) {
	sys := &System{
		System: solver.NewSystem(),
		Total:  min(budget, root.NumTokens()),
		Vars:   make(map[*Segment]*solver.Variable),
	}
	var lengths []*solver.Variable
	for leaf := range root.Leaves() {
		if _, found := sys.Vars[leaf]; found {
			return nil, errors.Wrapf(ErrInvalidShape, "%s appears more than once in the tree", leaf)
		}
		natural := leaf.UnconstrainedLength()
		if natural == 0 {
			continue
		}
		length := sys.NewVariable(fmt.Sprintf("leaf#%d", len(sys.Leaves)))
		sys.Leaves = append(sys.Leaves, leaf)
		sys.Vars[leaf] = length
		lengths = append(lengths, length)

		sys.Required = append(sys.Required,
			solver.Bound(length, solver.GE, 1, solver.Required),
			solver.Bound(length, solver.LE, natural, solver.Required),
		)
		sys.Medium = append(sys.Medium,
			solver.Bound(length, solver.GE, natural, solver.Medium),
			solver.Bound(length, solver.EQ, natural, solver.Medium),
			solver.Bound(length, solver.GE, cfg.MinLength, solver.Medium),
		)
		if leaf.preferred > 0 {
			sys.Strong = append(sys.Strong,
				solver.Bound(length, solver.EQ, leaf.preferred, solver.Strong).WithWeight(PreferredWeight))
		} else {
			sys.Strong = append(sys.Strong, solver.Bound(length, solver.EQ, cfg.MinLength, solver.Strong))
		}
	}
	if len(lengths) > 0 {
		sys.Required = append(sys.Required, solver.Sum(lengths, solver.EQ, sys.Total, solver.Required))
	}

	sys.Add(sys.Required...)
	switch cfg.Tiers {
	case TiersAsImplemented:
		sys.Add(sys.Strong...)
		sys.Add(sys.Strong...)
	default:
		sys.Add(sys.Medium...)
		sys.Add(sys.Strong...)
	}
	return sys, nil
}
