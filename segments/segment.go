// Package segments packs trees of pre-tokenized sequences into a fixed token budget.
//
// A Segment is either a leaf, holding a run of token ids, or a branch, holding child Segments.
// Every Segment carries metadata: a tag path (provenance ids applied to all tokens under it),
// optional separator and end-of-sequence tokens, a trim policy and an optional preferred length.
//
// Packing resolves, for every leaf, how many tokens it keeps so the whole tree fits the budget.
// The lengths come from a prioritized system of linear constraints (see BuildSystem), solved by a
// solver.Solver, and are held in a Resolution: the tree itself never changes, so it can be shared
// and resolved against several budgets.
//
// Example:
//
//	tree := segments.MustBranch([]*segments.Segment{
//		segments.MustLeaf([]int{1, 2, 3, 4, 5}, segments.WithTags(1)),
//		segments.MustLeaf([]int{10, 20, 30}, segments.WithTags(2), segments.WithPreferredLength(2)),
//	})
//	err := segments.Constrain(tree, 5, segments.DefaultConfig(), func(r *segments.Resolution) error {
//		record, err := segments.Serialize(tree, r, false)
//		if err != nil {
//			return err
//		}
//		fmt.Println(record.Tokens) // [1 2 3 10 20]
//		return nil
//	})
package segments

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidShape is returned when building a Segment from elements that are neither all
	// tokens nor all Segments, or with tags that are not integers.
	ErrInvalidShape = errors.New("invalid segment shape")

	// ErrInvariant is returned when an internal invariant is broken, e.g. an unknown Trim policy.
	ErrInvariant = errors.New("internal invariant violation")
)

// Trim policy: which part of a segment's tokens survives when it has to be shortened.
type Trim int

const (
	// KeepEnd trims the end of the segment, keeping its leading tokens. This is the default.
	KeepEnd Trim = iota

	// KeepStart trims the start of the segment, keeping its trailing tokens.
	KeepStart

	// KeepMiddle trims both ends evenly, keeping a centered window.
	KeepMiddle
)

var trimNames = []string{"keep_end", "keep_start", "keep_middle"}

// String implements fmt.Stringer.
func (t Trim) String() string {
	if t < 0 || int(t) >= len(trimNames) {
		return fmt.Sprintf("Trim(%d)", int(t))
	}
	return trimNames[t]
}

// ParseTrim converts a name to a Trim. Besides the String() names, it accepts "end", "start"
// and "middle", naming the part that is trimmed.
func ParseTrim(name string) (Trim, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "keep_end", "keepend", "end", "":
		return KeepEnd, nil
	case "keep_start", "keepstart", "start":
		return KeepStart, nil
	case "keep_middle", "keepmiddle", "middle":
		return KeepMiddle, nil
	}
	return KeepEnd, errors.Errorf("unknown trim policy %q, valid values are %q", name, trimNames)
}

// optionalToken is a token id that may be unset.
type optionalToken struct {
	id  int
	set bool
}

// Segment is an immutable node of the packing tree: a leaf holding token ids, or a branch holding
// child Segments. Create it with NewLeaf, NewBranch or New.
type Segment struct {
	tokens   []int
	children []*Segment
	branch   bool

	tags      []int
	separator optionalToken
	eos       optionalToken
	trim      Trim
	preferred int
}

// Option configures a Segment at construction.
type Option func(s *Segment) error

// WithTags sets the tag path of the segment: provenance ids applied to every token under it.
func WithTags(tags ...int) Option {
	return func(s *Segment) error {
		s.tags = slices.Clone(tags)
		return nil
	}
}

// WithTagValues is like WithTags, but for dynamically typed tags, e.g. decoded from a
// configuration. It fails with ErrInvalidShape if a tag is not an integer.
func WithTagValues(tags ...any) Option {
	return func(s *Segment) error {
		s.tags = make([]int, 0, len(tags))
		for _, tag := range tags {
			id, ok := asInt(tag)
			if !ok {
				return errors.Wrapf(ErrInvalidShape, "tag %v (%T) must be an integer", tag, tag)
			}
			s.tags = append(s.tags, id)
		}
		return nil
	}
}

// WithSeparator sets a token always rendered first in the segment.
func WithSeparator(id int) Option {
	return func(s *Segment) error {
		s.separator = optionalToken{id: id, set: true}
		return nil
	}
}

// WithEOS sets an end-of-sequence token always rendered last in the segment.
func WithEOS(id int) Option {
	return func(s *Segment) error {
		s.eos = optionalToken{id: id, set: true}
		return nil
	}
}

// WithTrim sets the trim policy. The default is KeepEnd.
func WithTrim(trim Trim) Option {
	return func(s *Segment) error {
		if trim < KeepEnd || trim > KeepMiddle {
			return errors.Wrapf(ErrInvariant, "unknown trim policy %s", trim)
		}
		s.trim = trim
		return nil
	}
}

// WithPreferredLength sets the length the segment is resolved towards with high priority.
// Zero means no preference.
func WithPreferredLength(length int) Option {
	return func(s *Segment) error {
		if length < 0 {
			return errors.Wrapf(ErrInvariant, "preferred length must be non-negative, got %d", length)
		}
		s.preferred = length
		return nil
	}
}

// NewLeaf creates a leaf Segment holding the given tokens.
func NewLeaf(tokens []int, opts ...Option) (*Segment, error) {
	s := &Segment{tokens: slices.Clone(tokens)}
	return s.apply(opts)
}

// NewBranch creates a branch Segment holding the given children, in order.
func NewBranch(children []*Segment, opts ...Option) (*Segment, error) {
	for i, child := range children {
		if child == nil {
			return nil, errors.Wrapf(ErrInvalidShape, "child #%d is nil", i)
		}
	}
	s := &Segment{children: slices.Clone(children), branch: true}
	return s.apply(opts)
}

// New creates a Segment from dynamically typed elements: either all integers (a leaf) or all
// *Segment (a branch). Mixing them fails with ErrInvalidShape. With no elements it creates an
// empty leaf.
func New(elems []any, opts ...Option) (*Segment, error) {
	if len(elems) == 0 {
		return NewLeaf(nil, opts...)
	}
	if _, isSegment := elems[0].(*Segment); isSegment {
		children := make([]*Segment, len(elems))
		for i, elem := range elems {
			child, ok := elem.(*Segment)
			if !ok {
				return nil, errors.Wrapf(ErrInvalidShape, "element #%d is %T, expected all tokens or all segments", i, elem)
			}
			children[i] = child
		}
		return NewBranch(children, opts...)
	}
	tokens := make([]int, len(elems))
	for i, elem := range elems {
		id, ok := asInt(elem)
		if !ok {
			return nil, errors.Wrapf(ErrInvalidShape, "element #%d is %T, expected all tokens or all segments", i, elem)
		}
		tokens[i] = id
	}
	return NewLeaf(tokens, opts...)
}

// MustLeaf is like NewLeaf, but panics on error.
func MustLeaf(tokens []int, opts ...Option) *Segment {
	s, err := NewLeaf(tokens, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// MustBranch is like NewBranch, but panics on error.
func MustBranch(children []*Segment, opts ...Option) *Segment {
	s, err := NewBranch(children, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Segment) apply(opts []Option) (*Segment, error) {
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	}
	return 0, false
}

// IsLeaf reports whether the segment holds tokens rather than children.
func (s *Segment) IsLeaf() bool {
	return !s.branch
}

// Tokens returns a copy of the raw tokens of a leaf, without separator or eos. It is empty for a branch.
func (s *Segment) Tokens() []int {
	return slices.Clone(s.tokens)
}

// Children returns a copy of the children of a branch. It is empty for a leaf.
func (s *Segment) Children() []*Segment {
	return slices.Clone(s.children)
}

// Tags returns a copy of the segment's own tag path.
func (s *Segment) Tags() []int {
	return slices.Clone(s.tags)
}

// Separator returns the separator token, if set.
func (s *Segment) Separator() (int, bool) {
	return s.separator.id, s.separator.set
}

// EOS returns the end-of-sequence token, if set.
func (s *Segment) EOS() (int, bool) {
	return s.eos.id, s.eos.set
}

// Trim returns the trim policy.
func (s *Segment) Trim() Trim {
	return s.trim
}

// PreferredLength returns the preferred length, or 0 if unset.
func (s *Segment) PreferredLength() int {
	return s.preferred
}

// extras is the number of separator and eos tokens.
func (s *Segment) extras() int {
	n := 0
	if s.separator.set {
		n++
	}
	if s.eos.set {
		n++
	}
	return n
}

// UnconstrainedLength is the number of elements of the segment when nothing is trimmed: tokens
// (or children, for a branch) plus the separator and eos, if set.
func (s *Segment) UnconstrainedLength() int {
	if s.branch {
		return len(s.children) + s.extras()
	}
	return len(s.tokens) + s.extras()
}

// NumTokens is the total number of tokens the tree under s can contribute to the budget: the sum
// over the children for a branch, or UnconstrainedLength for a leaf. A branch whose children
// contribute nothing falls back to its own UnconstrainedLength.
func (s *Segment) NumTokens() int {
	total := 0
	for _, child := range s.children {
		total += child.NumTokens()
	}
	if total == 0 {
		total = s.UnconstrainedLength()
	}
	return total
}

// Leaves iterates over the leaves under s (s itself if it is a leaf), depth-first, in order.
func (s *Segment) Leaves() iter.Seq[*Segment] {
	return func(yield func(*Segment) bool) {
		s.walkLeaves(yield)
	}
}

func (s *Segment) walkLeaves(yield func(*Segment) bool) bool {
	if !s.branch {
		return yield(s)
	}
	for _, child := range s.children {
		if !child.walkLeaves(yield) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer, with a compact description of the segment.
func (s *Segment) String() string {
	var sb strings.Builder
	if s.branch {
		fmt.Fprintf(&sb, "Branch(children=%d", len(s.children))
	} else {
		fmt.Fprintf(&sb, "Leaf(tokens=%d", len(s.tokens))
	}
	if len(s.tags) > 0 {
		fmt.Fprintf(&sb, ", tags=%v", s.tags)
	}
	if s.separator.set {
		fmt.Fprintf(&sb, ", sep=%d", s.separator.id)
	}
	if s.eos.set {
		fmt.Fprintf(&sb, ", eos=%d", s.eos.id)
	}
	fmt.Fprintf(&sb, ", trim=%s", s.trim)
	if s.preferred > 0 {
		fmt.Fprintf(&sb, ", preferred=%d", s.preferred)
	}
	sb.WriteString(")")
	return sb.String()
}
