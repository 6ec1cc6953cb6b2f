package segments

import (
	"maps"
	"slices"

	"github.com/gomlx/go-tokenpack/indexed"
	"github.com/pkg/errors"
)

// Level holds, for one depth of the tag paths, the tag of every token and whether it has one.
// Tokens whose tag path is shorter than the depth get Mask 0 and tag 0.
type Level struct {
	Mask []float32
	Tags []int
}

// Record is a flattened, packed tree: its tokens, one Level per tag depth, aligned to the tokens,
// and optionally the number of positions each tag appears in.
type Record struct {
	Tokens []int
	Levels []Level
	Stats  map[int]int
}

// Serialize flattens the constrained tree under root (see Resolution.Walk) into a Record.
// A nil Resolution serializes the unconstrained tree.
//
// If withStats is set, Stats counts, for each tag, the positions whose tag path contains it; a
// tag repeated within one path counts once.
func Serialize(root *Segment, r *Resolution, withStats bool) (*Record, error) {
	rec := &Record{}
	var paths [][]int
	depth := 0
	err := r.Walk(root, func(token int, tags []int) error {
		rec.Tokens = append(rec.Tokens, token)
		paths = append(paths, tags)
		depth = max(depth, len(tags))
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while serializing %s", root)
	}

	rec.Levels = make([]Level, depth)
	for d := range rec.Levels {
		level := Level{
			Mask: make([]float32, len(paths)),
			Tags: make([]int, len(paths)),
		}
		for i, path := range paths {
			if d < len(path) {
				level.Mask[i] = 1
				level.Tags[i] = path[d]
			}
		}
		rec.Levels[d] = level
	}

	if withStats {
		rec.Stats = make(map[int]int)
		seen := make(map[int]bool)
		for _, path := range paths {
			clear(seen)
			for _, tag := range path {
				if !seen[tag] {
					seen[tag] = true
					rec.Stats[tag]++
				}
			}
		}
	}
	return rec, nil
}

// Len returns the number of tokens.
func (rec *Record) Len() int {
	return len(rec.Tokens)
}

// Depth returns the number of tag levels.
func (rec *Record) Depth() int {
	return len(rec.Levels)
}

// StatTags returns the tags counted in Stats, sorted.
func (rec *Record) StatTags() *indexed.Set[int, int] {
	return indexed.NewOrderedSet(slices.Collect(maps.Keys(rec.Stats))...)
}

// Pad returns a copy of the record extended to length tokens with padToken. Padding positions have
// mask 0 and tag 0 at every level. Records already at least length long are only copied.
func (rec *Record) Pad(length, padToken int) *Record {
	n := max(length, len(rec.Tokens))
	padded := &Record{
		Tokens: make([]int, n),
		Levels: make([]Level, len(rec.Levels)),
	}
	copy(padded.Tokens, rec.Tokens)
	for i := len(rec.Tokens); i < n; i++ {
		padded.Tokens[i] = padToken
	}
	for d, level := range rec.Levels {
		padded.Levels[d] = Level{
			Mask: make([]float32, n),
			Tags: make([]int, n),
		}
		copy(padded.Levels[d].Mask, level.Mask)
		copy(padded.Levels[d].Tags, level.Tags)
	}
	if rec.Stats != nil {
		padded.Stats = maps.Clone(rec.Stats)
	}
	return padded
}
