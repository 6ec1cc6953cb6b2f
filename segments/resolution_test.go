package segments

import (
	"testing"

	"github.com/gomlx/go-tokenpack/solver"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resolveLeaf resolves a single leaf against budget, so its length is min(budget, unconstrained).
func resolveLeaf(t *testing.T, leaf *Segment, budget int) []int {
	var tokens []int
	err := Constrain(leaf, budget, DefaultConfig(), func(r *Resolution) error {
		var err error
		tokens, err = r.Tokens(leaf)
		return err
	})
	require.NoError(t, err)
	return tokens
}

func TestUnconstrainedView(t *testing.T) {
	leaf := MustLeaf([]int{5, 6, 7}, WithSeparator(1), WithEOS(2))
	var r *Resolution
	tokens, err := r.Tokens(leaf)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5, 6, 7, 2}, tokens)
	assert.Len(t, tokens, leaf.UnconstrainedLength())

	for _, trim := range []Trim{KeepEnd, KeepStart, KeepMiddle} {
		leaf := MustLeaf(seq(0, 10), WithTrim(trim))
		tokens, err := r.Tokens(leaf)
		require.NoError(t, err)
		assert.Equal(t, seq(0, 10), tokens, trim.String())
	}
}

func TestTrimPolicies(t *testing.T) {
	tokens := seq(0, 10)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, resolveLeaf(t, MustLeaf(tokens, WithTrim(KeepEnd)), 6))
	assert.Equal(t, []int{4, 5, 6, 7, 8, 9}, resolveLeaf(t, MustLeaf(tokens, WithTrim(KeepStart)), 6))
	assert.Equal(t, []int{2, 3, 4, 5, 6, 7}, resolveLeaf(t, MustLeaf(tokens, WithTrim(KeepMiddle)), 6))
	assert.Equal(t, []int{2, 3, 4, 5, 6}, resolveLeaf(t, MustLeaf(tokens, WithTrim(KeepMiddle)), 5))
}

func TestSeparatorAndEOSArePinned(t *testing.T) {
	for _, trim := range []Trim{KeepEnd, KeepStart, KeepMiddle} {
		leaf := MustLeaf(seq(10, 20), WithSeparator(1), WithEOS(2), WithTrim(trim))
		for budget := 2; budget <= leaf.UnconstrainedLength(); budget++ {
			tokens := resolveLeaf(t, leaf, budget)
			require.Len(t, tokens, budget, "trim=%s budget=%d", trim, budget)
			assert.Equal(t, 1, tokens[0], "trim=%s budget=%d", trim, budget)
			assert.Equal(t, 2, tokens[len(tokens)-1], "trim=%s budget=%d", trim, budget)
		}
	}

	assert.Equal(t, []int{1, 10, 11, 2}, resolveLeaf(t, MustLeaf(seq(10, 20), WithSeparator(1), WithEOS(2)), 4))
	// The separator evicts the last kept token, even when trimming the start.
	assert.Equal(t, []int{1, 16, 17, 2}, resolveLeaf(t, MustLeaf(seq(10, 20), WithSeparator(1), WithEOS(2), WithTrim(KeepStart)), 4))
	assert.Equal(t, []int{2}, resolveLeaf(t, MustLeaf(seq(10, 20), WithSeparator(1), WithEOS(2)), 1))
}

func TestTrimAndSpliceUnknownPolicy(t *testing.T) {
	_, err := trimAndSplice([]int{1, 2}, nil, nil, 1, 2, Trim(9))
	assert.True(t, errors.Is(err, ErrInvariant))
}

func TestEndToEnd(t *testing.T) {
	first := MustLeaf([]int{1, 2, 3, 4, 5}, WithTags(1))
	second := MustLeaf([]int{10, 20, 30}, WithTags(2), WithPreferredLength(2))
	tree := MustBranch([]*Segment{first, second}, WithTrim(KeepEnd))

	for _, tiers := range []Tiers{TiersDocumented, TiersAsImplemented} {
		cfg := DefaultConfig()
		cfg.Tiers = tiers
		err := Constrain(tree, 5, cfg, func(r *Resolution) error {
			assert.Equal(t, 3, r.Len(first))
			assert.Equal(t, 2, r.Len(second))

			rec, err := Serialize(tree, r, true)
			require.NoError(t, err)
			assert.Equal(t, []int{1, 2, 3, 10, 20}, rec.Tokens)
			require.Len(t, rec.Levels, 1)
			assert.Equal(t, []int{1, 1, 1, 2, 2}, rec.Levels[0].Tags)
			assert.Equal(t, []float32{1, 1, 1, 1, 1}, rec.Levels[0].Mask)
			assert.Equal(t, map[int]int{1: 3, 2: 2}, rec.Stats)
			return nil
		})
		require.NoError(t, err, tiers.String())
	}
}

func TestResolvedLengthsFitBudget(t *testing.T) {
	leaves := []*Segment{
		MustLeaf(seq(0, 120)),
		MustLeaf(seq(0, 80), WithSeparator(1)),
		MustLeaf(seq(0, 300), WithPreferredLength(40)),
		MustLeaf(seq(0, 10), WithEOS(2)),
	}
	tree := MustBranch([]*Segment{leaves[0], MustBranch(leaves[1:3]), leaves[3]})
	require.Equal(t, 512, tree.NumTokens())

	for _, budget := range []int{4, 50, 250, 511, 512, 1000} {
		r, err := Resolve(tree, budget, DefaultConfig())
		require.NoError(t, err)
		total := 0
		for _, leaf := range leaves {
			length := r.Len(leaf)
			assert.GreaterOrEqual(t, length, 1)
			assert.LessOrEqual(t, length, leaf.UnconstrainedLength())
			total += length
		}
		assert.Equal(t, min(budget, tree.NumTokens()), total, "budget=%d", budget)

		tokens, err := r.Tokens(tree)
		require.NoError(t, err)
		assert.Len(t, tokens, total)
		r.Release()
	}

	// With room for everyone's preference, the preferred leaf gets exactly its preferred length.
	r, err := Resolve(tree, 250, DefaultConfig())
	require.NoError(t, err)
	defer r.Release()
	assert.Equal(t, 40, r.Len(leaves[2]))
	assert.Equal(t, 11, r.Len(leaves[3]))
}

func TestConstrainReleases(t *testing.T) {
	leaf := MustLeaf(seq(0, 10))
	var captured *Resolution

	err := Constrain(leaf, 4, DefaultConfig(), func(r *Resolution) error {
		captured = r
		assert.True(t, r.Active())
		assert.Equal(t, 4, r.Len(leaf))
		return errors.New("callback failed")
	})
	require.Error(t, err)
	assert.False(t, captured.Active())
	assert.Equal(t, 10, captured.Len(leaf))

	captured = nil
	assert.Panics(t, func() {
		_ = Constrain(leaf, 4, DefaultConfig(), func(r *Resolution) error {
			captured = r
			panic("boom")
		})
	})
	require.NotNil(t, captured)
	assert.False(t, captured.Active())
	tokens, err := captured.Tokens(leaf)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 10), tokens)
	assert.Nil(t, captured.System())
}

func TestResolveTwice(t *testing.T) {
	leaf := MustLeaf(seq(0, 10))
	first, err := Resolve(leaf, 3, DefaultConfig())
	require.NoError(t, err)
	second, err := Resolve(leaf, 7, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Len(leaf))
	assert.Equal(t, 7, second.Len(leaf))

	second.Release()
	second.Release()
	assert.Equal(t, 10, second.Len(leaf))
	assert.Equal(t, 3, first.Len(leaf))
	first.Release()
}

func TestNaiveMode(t *testing.T) {
	long := MustLeaf(seq(0, 150))
	short := MustLeaf(seq(0, 50))
	preferred := MustLeaf(seq(0, 130), WithPreferredLength(10))
	tree := MustBranch([]*Segment{long, short, preferred})

	cfg := DefaultConfig()
	cfg.Naive = true
	err := Constrain(tree, 1000, cfg, func(r *Resolution) error {
		assert.True(t, r.Naive())
		assert.Equal(t, 100, r.Len(long))
		assert.Equal(t, 50, r.Len(short))
		assert.Equal(t, 130, r.Len(preferred), "naive mode doesn't trim segments with a preferred length")
		tokens, err := r.Tokens(tree)
		require.NoError(t, err)
		assert.Len(t, tokens, 280)
		return nil
	})
	require.NoError(t, err)

	// The token stream is cut to the budget.
	err = Constrain(tree, 120, cfg, func(r *Resolution) error {
		var count int
		for range r.TokenSegments(tree) {
			count++
		}
		assert.Equal(t, 120, count)
		rec, err := Serialize(tree, r, false)
		require.NoError(t, err)
		assert.Equal(t, append(seq(0, 100), seq(0, 20)...), rec.Tokens)
		return nil
	})
	require.NoError(t, err)
}

func TestEmptyLeavesAndErrors(t *testing.T) {
	empty := MustLeaf(nil)
	full := MustLeaf(seq(0, 3))
	tree := MustBranch([]*Segment{empty, full})
	err := Constrain(tree, 2, DefaultConfig(), func(r *Resolution) error {
		assert.Equal(t, 0, r.Len(empty))
		assert.Equal(t, 2, r.Len(full))
		assert.Len(t, r.System().Leaves, 1)
		return nil
	})
	require.NoError(t, err)

	// Each live leaf needs at least one token.
	_, err = Resolve(MustBranch([]*Segment{full, MustLeaf(seq(0, 3))}), 1, DefaultConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, solver.ErrUnsatisfiable))

	// A leaf can't appear twice.
	_, err = Resolve(MustBranch([]*Segment{full, full}), 4, DefaultConfig())
	assert.True(t, errors.Is(err, ErrInvalidShape))

	_, err = Resolve(full, 2, Config{})
	assert.Error(t, err)
}

func TestBuildSystemTiers(t *testing.T) {
	first := MustLeaf(seq(0, 5))
	second := MustLeaf(seq(0, 3), WithPreferredLength(2))
	tree := MustBranch([]*Segment{first, second})

	sys, err := BuildSystem(tree, 5, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 5, sys.Total)
	assert.Len(t, sys.Required, 5)
	assert.Len(t, sys.Medium, 6)
	assert.Len(t, sys.Strong, 2)
	assert.Len(t, sys.Constraints(), 13)
	assert.Equal(t, "leaf#1 == 2 | strong x10", sys.Strong[1].String())
	assert.Equal(t, "leaf#0 == 100 | strong", sys.Strong[0].String())

	cfg := DefaultConfig()
	cfg.Tiers = TiersAsImplemented
	sys, err = BuildSystem(tree, 5, cfg)
	require.NoError(t, err)
	assert.Len(t, sys.Medium, 6, "the medium tier is built ...")
	assert.Len(t, sys.Constraints(), 9, "... but not registered")
}

func TestBranchSeparatorAndTags(t *testing.T) {
	inner := MustLeaf([]int{1, 2}, WithTags(5))
	tree := MustBranch([]*Segment{inner}, WithSeparator(9), WithEOS(8), WithTags(3))

	var tokens []int
	var paths [][]int
	for token, tags := range (*Resolution)(nil).TokenSegments(tree) {
		tokens = append(tokens, token)
		paths = append(paths, append([]int(nil), tags...))
	}
	assert.Equal(t, []int{9, 1, 2, 8}, tokens)
	assert.Equal(t, [][]int{{3}, {3, 5}, {3, 5}, {3}}, paths)

	view, err := (*Resolution)(nil).View(tree)
	require.NoError(t, err)
	assert.Equal(t, []int{9, 8}, view)
}
