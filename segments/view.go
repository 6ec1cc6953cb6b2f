package segments

import (
	"iter"
	"slices"

	"github.com/pkg/errors"
)

// element of a segment's constrained view: a token, or a child of a branch.
type element struct {
	token int
	child *Segment
}

// trimAndSplice selects the elements kept from raw, given the resolved length and the
// unconstrained length (raw plus separator and eos), then splices the separator and eos in.
//
// The separator always takes the first slot and the eos the last, evicting kept elements if needed.
func trimAndSplice[E any](raw []E, separator, eos *E, length, unconstrained int, trim Trim) ([]E, error) {
	n := len(raw)
	var kept []E
	switch trim {
	case KeepEnd:
		kept = raw[:min(length, n)]
	case KeepStart:
		kept = raw[max(0, n-length):]
	case KeepMiddle:
		remaining := unconstrained - length
		start := min(remaining/2, n)
		end := max(start, n-(remaining-remaining/2))
		kept = raw[start:end]
	default:
		return nil, errors.Wrapf(ErrInvariant, "unknown trim policy %s", trim)
	}

	sequence := make([]E, 0, len(kept)+2)
	if separator != nil {
		sequence = append(sequence, *separator)
	}
	sequence = append(sequence, kept...)
	if separator != nil && len(sequence) > length {
		sequence = sequence[:length]
	}
	if eos != nil {
		if len(sequence)+1 > length {
			sequence = sequence[:max(0, length-1)]
		}
		sequence = append(sequence, *eos)
	}
	return sequence, nil
}

// view returns the constrained elements of s.
func (r *Resolution) view(s *Segment) ([]element, error) {
	var raw []element
	if s.branch {
		raw = make([]element, len(s.children))
		for i, child := range s.children {
			raw[i] = element{child: child}
		}
	} else {
		raw = make([]element, len(s.tokens))
		for i, token := range s.tokens {
			raw[i] = element{token: token}
		}
	}
	var separator, eos *element
	if s.separator.set {
		separator = &element{token: s.separator.id}
	}
	if s.eos.set {
		eos = &element{token: s.eos.id}
	}
	return trimAndSplice(raw, separator, eos, r.Len(s), s.UnconstrainedLength(), s.trim)
}

// View returns the constrained tokens of a leaf, including separator and eos. For a branch it
// returns only the branch's own separator and eos tokens that survive; use Tokens for the
// flattened tree.
func (r *Resolution) View(s *Segment) ([]int, error) {
	elems, err := r.view(s)
	if err != nil {
		return nil, err
	}
	tokens := make([]int, 0, len(elems))
	for _, elem := range elems {
		if elem.child == nil {
			tokens = append(tokens, elem.token)
		}
	}
	return tokens, nil
}

// errStop interrupts a walk without error.
var errStop = errors.New("stop walking")

// Walk calls fn for every token of the constrained tree under s, in order, with the tag path of
// the token: the concatenation, root first, of the tags of s and of every segment down to the
// token. The tag path slice is shared between tokens and must not be modified.
//
// In naive mode the walk stops after Budget tokens. If fn returns an error the walk stops and
// returns it.
func (r *Resolution) Walk(s *Segment, fn func(token int, tags []int) error) error {
	limit := r.cutoff()
	count := 0
	err := r.walk(s, nil, func(token int, tags []int) error {
		if limit >= 0 && count >= limit {
			return errStop
		}
		count++
		return fn(token, tags)
	})
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

func (r *Resolution) walk(s *Segment, prefix []int, fn func(token int, tags []int) error) error {
	path := prefix
	if len(s.tags) > 0 {
		path = slices.Concat(prefix, s.tags)
	}
	elems, err := r.view(s)
	if err != nil {
		return err
	}
	for _, elem := range elems {
		if elem.child != nil {
			err = r.walk(elem.child, path, fn)
		} else {
			err = fn(elem.token, path)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// TokenSegments iterates over the tokens of the constrained tree under s and their tag paths,
// like Walk. It panics on an internal invariant violation, which can't happen for segments
// created with this package.
func (r *Resolution) TokenSegments(s *Segment) iter.Seq2[int, []int] {
	return func(yield func(int, []int) bool) {
		err := r.Walk(s, func(token int, tags []int) error {
			if !yield(token, tags) {
				return errStop
			}
			return nil
		})
		if err != nil {
			panic(err)
		}
	}
}

// Tokens returns the flattened tokens of the constrained tree under s.
func (r *Resolution) Tokens(s *Segment) ([]int, error) {
	var tokens []int
	err := r.Walk(s, func(token int, _ []int) error {
		tokens = append(tokens, token)
		return nil
	})
	return tokens, err
}
