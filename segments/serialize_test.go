package segments

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taggedTree() *Segment {
	return MustBranch([]*Segment{
		MustLeaf([]int{11, 12}, WithTags(1)),
		MustLeaf([]int{13}, WithTags(7)),
		MustLeaf([]int{14}),
	}, WithTags(7))
}

func TestSerializeLevelsAndStats(t *testing.T) {
	rec, err := Serialize(taggedTree(), nil, true)
	require.NoError(t, err)

	assert.Equal(t, []int{11, 12, 13, 14}, rec.Tokens)
	require.Equal(t, 2, rec.Depth())
	assert.Equal(t, []int{7, 7, 7, 7}, rec.Levels[0].Tags)
	assert.Equal(t, []float32{1, 1, 1, 1}, rec.Levels[0].Mask)
	assert.Equal(t, []int{1, 1, 7, 0}, rec.Levels[1].Tags)
	assert.Equal(t, []float32{1, 1, 1, 0}, rec.Levels[1].Mask)

	// Tag 7 appears twice in the path of token 13, but counts once.
	assert.Equal(t, map[int]int{7: 4, 1: 2}, rec.Stats)
	assert.Equal(t, []int{1, 7}, rec.StatTags().Values())
}

func TestSerializeWithoutStats(t *testing.T) {
	rec, err := Serialize(MustLeaf([]int{1, 2, 3}), nil, false)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Len())
	assert.Equal(t, 0, rec.Depth())
	assert.Nil(t, rec.Stats)

	rec, err = Serialize(MustLeaf(nil), nil, true)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Len())
	assert.Empty(t, rec.Stats)
}

func TestRecordPad(t *testing.T) {
	rec, err := Serialize(taggedTree(), nil, true)
	require.NoError(t, err)

	padded := rec.Pad(6, 0)
	assert.Equal(t, []int{11, 12, 13, 14, 0, 0}, padded.Tokens)
	assert.Equal(t, []float32{1, 1, 1, 1, 0, 0}, padded.Levels[0].Mask)
	assert.Equal(t, []int{1, 1, 7, 0, 0, 0}, padded.Levels[1].Tags)
	assert.Equal(t, rec.Stats, padded.Stats)
	assert.Len(t, rec.Tokens, 4, "padding doesn't modify the original")

	same := rec.Pad(2, 0)
	assert.Equal(t, rec.Tokens, same.Tokens)
}

func TestRecordTensors(t *testing.T) {
	rec, err := Serialize(taggedTree(), nil, false)
	require.NoError(t, err)

	tensors, err := rec.Tensors()
	require.NoError(t, err)
	assert.Equal(t, []int{4}, tensors.Tokens.Shape().Dimensions)
	assert.Equal(t, dtypes.Int32, tensors.Tokens.Shape().DType)
	assert.Equal(t, []int{2, 4}, tensors.Mask.Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, tensors.Mask.Shape().DType)
	assert.Equal(t, []int{2, 4}, tensors.Tags.Shape().Dimensions)
	assert.Equal(t, dtypes.Int32, tensors.Tags.Shape().DType)

	rec.Tokens[1] = 1 << 40
	_, err = rec.Tensors()
	assert.ErrorContains(t, err, "doesn't fit int32")
	rec.Tokens[1] = 12
	rec.Levels[1].Tags[0] = math.MinInt32 - 1
	_, err = rec.Tensors()
	assert.ErrorContains(t, err, "level #1")

	converted, err := ToInt32([]int{math.MinInt32, 0, math.MaxInt32})
	require.NoError(t, err)
	assert.Equal(t, []int32{math.MinInt32, 0, math.MaxInt32}, converted)
}
