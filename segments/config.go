package segments

import (
	"fmt"
	"strings"

	"github.com/gomlx/go-tokenpack/solver"
	"github.com/pkg/errors"
)

// DefaultMinLength is the default Config.MinLength.
const DefaultMinLength = 100

// PreferredWeight is the weight of the strong constraint pulling a leaf to its preferred length,
// relative to the strong constraint pulling leaves without a preference to MinLength.
const PreferredWeight = 10

// Tiers selects which soft constraint tiers are registered with the solver.
type Tiers int

const (
	// TiersDocumented registers the three tiers: required, medium and strong.
	TiersDocumented Tiers = iota

	// TiersAsImplemented builds the medium tier but doesn't register it: only the required tier and,
	// twice, the strong tier are registered. It reproduces the behavior of earlier packers.
	TiersAsImplemented
)

// String implements fmt.Stringer.
func (t Tiers) String() string {
	switch t {
	case TiersDocumented:
		return "documented"
	case TiersAsImplemented:
		return "as_implemented"
	default:
		return fmt.Sprintf("Tiers(%d)", int(t))
	}
}

// ParseTiers converts a name, as returned by Tiers.String, to Tiers. An empty name is TiersDocumented.
func ParseTiers(name string) (Tiers, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "documented", "":
		return TiersDocumented, nil
	case "as_implemented", "as-implemented", "two_tier":
		return TiersAsImplemented, nil
	}
	return TiersDocumented, errors.Errorf("unknown tiers %q, valid values are \"documented\" and \"as_implemented\"", name)
}

// Config of a resolution.
type Config struct {
	// MinLength is the length leaves without a preferred length are pulled towards, and the
	// cutoff of each segment in naive mode. It must be at least 1.
	MinLength int

	// Naive selects the cutoff-only mode: segments without a preferred length are cut to
	// MinLength, and the token stream is cut to the budget.
	Naive bool

	// Tiers selects the constraint tiers registered with the solver.
	Tiers Tiers

	// Solver resolves the constraints. If nil, solver.NewTiered() is used.
	Solver solver.Solver
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{MinLength: DefaultMinLength}
}

// Validate returns an error if the configuration can't be used.
func (c Config) Validate() error {
	if c.MinLength < 1 {
		return errors.Errorf("MinLength must be at least 1, got %d", c.MinLength)
	}
	if c.Tiers != TiersDocumented && c.Tiers != TiersAsImplemented {
		return errors.Errorf("unknown %s", c.Tiers)
	}
	return nil
}

func (c Config) solver() solver.Solver {
	if c.Solver == nil {
		return solver.NewTiered()
	}
	return c.Solver
}
