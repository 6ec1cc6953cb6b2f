// Package solver resolves integer values for a set of variables under prioritized linear constraints.
//
// A System holds variables and constraints. Each constraint has a Strength: Required constraints
// must hold exactly, while Strong and Medium constraints are soft and are satisfied as well as
// possible, with every Strong constraint taking precedence over any Medium one.
//
// The Solver interface lets callers plug any linear-arithmetic solver with those priority tiers.
// Tiered is the default implementation: an exact integer solver for separable systems, that is,
// single-variable constraints plus at most one required sum.
//
// Example:
//
//	sys := solver.NewSystem()
//	a, b := sys.NewVariable("a"), sys.NewVariable("b")
//	sys.Add(
//		solver.Bound(a, solver.LE, 5, solver.Required),
//		solver.Bound(b, solver.LE, 3, solver.Required),
//		solver.Sum([]*solver.Variable{a, b}, solver.EQ, 5, solver.Required),
//		solver.Bound(b, solver.EQ, 2, solver.Strong).WithWeight(10),
//	)
//	solution, err := solver.NewTiered().Solve(sys)
//	fmt.Println(solution.Value(a), solution.Value(b)) // 3 2
package solver

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrUnsatisfiable is returned when the required constraints can't all hold.
	ErrUnsatisfiable = errors.New("required constraints are unsatisfiable")

	// ErrUnsupported is returned when a solver can't represent a constraint.
	ErrUnsupported = errors.New("unsupported constraint")
)

// Strength of a constraint. Lower values take precedence.
type Strength int

const (
	// Required constraints must hold exactly.
	Required Strength = iota

	// Strong constraints are soft, and always preferred over Medium ones.
	Strong

	// Medium constraints are soft, and only break ties left by the Strong ones.
	Medium

	numStrengths
)

// String implements fmt.Stringer.
func (s Strength) String() string {
	switch s {
	case Required:
		return "required"
	case Strong:
		return "strong"
	case Medium:
		return "medium"
	default:
		return fmt.Sprintf("Strength(%d)", int(s))
	}
}

// Op is the relation of a constraint: expression == constant, >= constant or <= constant.
type Op int

const (
	EQ Op = iota
	GE
	LE
)

// String implements fmt.Stringer.
func (op Op) String() string {
	switch op {
	case EQ:
		return "=="
	case GE:
		return ">="
	case LE:
		return "<="
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

// Variable is an integer unknown of a System.
type Variable struct {
	Name  string
	index int
}

// Index of the variable in its System.
func (v *Variable) Index() int {
	return v.index
}

// Constraint is a linear relation "sum(Terms) Op Constant" with a Strength.
// Weight scales the penalty of a soft constraint within its Strength; zero means 1.
type Constraint struct {
	Terms    []*Variable
	Op       Op
	Constant int
	Strength Strength
	Weight   int
}

// Bound creates a constraint over a single variable.
func Bound(v *Variable, op Op, constant int, strength Strength) Constraint {
	return Constraint{Terms: []*Variable{v}, Op: op, Constant: constant, Strength: strength}
}

// Sum creates a constraint over the sum of the given variables.
func Sum(vars []*Variable, op Op, constant int, strength Strength) Constraint {
	return Constraint{Terms: vars, Op: op, Constant: constant, Strength: strength}
}

// WithWeight returns a copy of the constraint with the given weight.
func (c Constraint) WithWeight(weight int) Constraint {
	c.Weight = weight
	return c
}

func (c Constraint) weight() int {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

// String implements fmt.Stringer.
func (c Constraint) String() string {
	names := make([]string, len(c.Terms))
	for i, v := range c.Terms {
		names[i] = v.Name
	}
	s := fmt.Sprintf("%s %s %d | %s", strings.Join(names, " + "), c.Op, c.Constant, c.Strength)
	if c.Weight > 1 {
		s += fmt.Sprintf(" x%d", c.Weight)
	}
	return s
}

// System is a set of variables and the constraints over them.
type System struct {
	vars        []*Variable
	constraints []Constraint
}

// NewSystem creates an empty System.
func NewSystem() *System {
	return &System{}
}

// NewVariable adds a new variable to the system.
func (s *System) NewVariable(name string) *Variable {
	v := &Variable{Name: name, index: len(s.vars)}
	s.vars = append(s.vars, v)
	return v
}

// Add registers constraints, in order.
func (s *System) Add(constraints ...Constraint) {
	s.constraints = append(s.constraints, constraints...)
}

// Variables returns the variables of the system, in creation order.
func (s *System) Variables() []*Variable {
	return s.vars
}

// Constraints returns the registered constraints, in registration order.
func (s *System) Constraints() []Constraint {
	return s.constraints
}

// Solution holds the value of every variable of a solved System.
type Solution struct {
	values []int
}

// Value of the variable v.
func (s Solution) Value(v *Variable) int {
	return s.values[v.index]
}

// Values returns the values indexed by Variable.Index.
func (s Solution) Values() []int {
	return s.values
}

// Solver resolves a System.
type Solver interface {
	Solve(sys *System) (Solution, error)
}
