package segments

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Tensors of a Record, ready to feed a model.
type Tensors struct {
	// Tokens is an int32 tensor shaped [length].
	Tokens *tensors.Tensor

	// Mask is a float32 tensor shaped [depth, length].
	Mask *tensors.Tensor

	// Tags is an int32 tensor shaped [depth, length].
	Tags *tensors.Tensor
}

// Tensors converts the record to GoMLX tensors.
// It fails if a token or tag doesn't fit an int32.
func (rec *Record) Tensors() (Tensors, error) {
	n, depth := len(rec.Tokens), len(rec.Levels)
	tokens, err := ToInt32(rec.Tokens)
	if err != nil {
		return Tensors{}, errors.WithMessage(err, "tokens")
	}
	mask := make([]float32, 0, depth*n)
	tags := make([]int32, 0, depth*n)
	for i, level := range rec.Levels {
		mask = append(mask, level.Mask...)
		levelTags, err := ToInt32(level.Tags)
		if err != nil {
			return Tensors{}, errors.WithMessagef(err, "tags of level #%d", i)
		}
		tags = append(tags, levelTags...)
	}
	return Tensors{
		Tokens: tensors.FromFlatDataAndDimensions(tokens, n),
		Mask:   tensors.FromFlatDataAndDimensions(mask, depth, n),
		Tags:   tensors.FromFlatDataAndDimensions(tags, depth, n),
	}, nil
}

// ToInt32 converts token ids or tags to int32, the width used by tensors and files.
func ToInt32(values []int) ([]int32, error) {
	converted := make([]int32, len(values))
	for i, v := range values {
		if v < math.MinInt32 || v > math.MaxInt32 {
			return nil, errors.Errorf("value %d at position %d doesn't fit int32", v, i)
		}
		converted[i] = int32(v)
	}
	return converted, nil
}
