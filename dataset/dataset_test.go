package dataset

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/gomlx/go-tokenpack/segments"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packedRecords(t *testing.T) []*segments.Record {
	first := segments.MustBranch([]*segments.Segment{
		segments.MustLeaf([]int{11, 12}, segments.WithTags(1)),
		segments.MustLeaf([]int{13}, segments.WithTags(2)),
	}, segments.WithTags(7))
	second := segments.MustLeaf([]int{21, 22, 23}, segments.WithTags(7))

	var records []*segments.Record
	for _, root := range []*segments.Segment{first, second} {
		rec, err := segments.Serialize(root, nil, true)
		require.NoError(t, err)
		records = append(records, rec)
	}
	return records
}

func TestShardRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	records := packedRecords(t)
	path, err := WriteShard(ctx, dir, records)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))

	shards, err := Shards(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, shards)

	read, err := ReadShard(path)
	require.NoError(t, err)
	require.Len(t, read, len(records))
	for i, rec := range records {
		assert.Equal(t, rec.Tokens, read[i].Tokens)
		assert.Equal(t, rec.Stats, read[i].Stats)
		require.Equal(t, rec.Depth(), read[i].Depth())
		for level := range rec.Levels {
			assert.Equal(t, rec.Levels[level].Mask, read[i].Levels[level].Mask)
			assert.Equal(t, rec.Levels[level].Tags, read[i].Levels[level].Tags)
		}
	}

	// Every shard gets a new name.
	second, err := WriteShard(ctx, dir, records[:1])
	require.NoError(t, err)
	assert.NotEqual(t, path, second)
	shards, err = Shards(dir)
	require.NoError(t, err)
	assert.Len(t, shards, 2)

	_, err = WriteShard(ctx, dir, nil)
	assert.Error(t, err)
}

func TestRowRecordErrors(t *testing.T) {
	_, err := Row{Tokens: []int32{1}, StatTags: []int32{1}}.Record()
	assert.Error(t, err)
	_, err = Row{Tokens: []int32{1}, Levels: []LevelRow{{Mask: []float32{1}}}}.Record()
	assert.Error(t, err)

	rec, err := Row{Tokens: []int32{4, 5}}.Record()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, rec.Tokens)
	assert.Nil(t, rec.Stats)
}

func TestSafetensorsRoundTrip(t *testing.T) {
	ctx := context.Background()
	batch, err := NewBatch(packedRecords(t), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, batch.Tokens.Shape().Dimensions)
	assert.Equal(t, []int{2, 2, 3}, batch.Mask.Shape().Dimensions)
	assert.Equal(t, map[int]int{1: 2, 2: 1, 7: 6}, batch.Stats)

	path := filepath.Join(t.TempDir(), "out", "batch.safetensors")
	require.NoError(t, WriteSafetensors(ctx, path, batch))
	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err), "lock file is removed")

	read, err := ReadSafetensors(path)
	require.NoError(t, err)
	assert.Equal(t, batch.Stats, read.Stats)
	assert.Equal(t, dtypes.Int32, read.Tokens.Shape().DType)
	assert.Equal(t, dtypes.Float32, read.Mask.Shape().DType)
	assert.Equal(t, []int{2, 2, 3}, read.Tags.Shape().Dimensions)

	var tokens [6]int32
	read.Tokens.MutableBytes(func(data []byte) {
		for i := range tokens {
			tokens[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
		}
	})
	assert.Equal(t, [6]int32{11, 12, 13, 21, 22, 23}, tokens)

	// Second record has a single level: its second level is masked out.
	var mask [12]float32
	read.Mask.MutableBytes(func(data []byte) {
		for i := range mask {
			mask[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	})
	assert.Equal(t, [12]float32{1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 0, 0}, mask)

	var tags [12]int32
	read.Tags.MutableBytes(func(data []byte) {
		for i := range tags {
			tags[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
		}
	})
	assert.Equal(t, [12]int32{7, 7, 7, 1, 1, 2, 7, 7, 7, 0, 0, 0}, tags)

	// Overwrites.
	batch, err = NewBatch(packedRecords(t)[1:], 0)
	require.NoError(t, err)
	require.NoError(t, WriteSafetensors(ctx, path, batch))
	read, err = ReadSafetensors(path)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, read.Tokens.Shape().Dimensions)

	_, err = NewBatch(nil, 0)
	assert.Error(t, err)
}

func TestReadSafetensorsErrors(t *testing.T) {
	dir := t.TempDir()
	foreign := filepath.Join(dir, "foreign.safetensors")
	header := []byte(`{"x":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`)
	data := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	data = append(data, header...)
	data = append(data, 0, 0, 0, 0)
	require.NoError(t, os.WriteFile(foreign, data, 0o644))
	_, err := ReadSafetensors(foreign)
	assert.Error(t, err)

	_, err = ReadSafetensors(filepath.Join(dir, "missing.safetensors"))
	assert.Error(t, err)
}

func TestLockedWrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "a", "file.txt")
	write := func(content string) func(string) error {
		return func(tmpPath string) error {
			return os.WriteFile(tmpPath, []byte(content), 0o644)
		}
	}
	require.NoError(t, lockedWrite(ctx, path, false, write("first")))
	require.NoError(t, lockedWrite(ctx, path, false, write("second")))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(content), "existing files are kept")

	require.NoError(t, lockedWrite(ctx, path, true, write("third")))
	content, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "third", string(content))

	failing := errors.New("disk full")
	err = lockedWrite(ctx, path, true, func(tmpPath string) error {
		require.NoError(t, os.WriteFile(tmpPath, []byte("partial"), 0o644))
		return failing
	})
	assert.True(t, errors.Is(err, failing))
	_, err = os.Stat(path + ".writing")
	assert.True(t, os.IsNotExist(err), "temporary file is removed")
	content, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "third", string(content))
}

func TestLockedWriteWaitsForLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	other := flock.New(path + ".lock")
	require.NoError(t, other.Lock())

	var called bool
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := lockedWrite(ctx, path, false, func(tmpPath string) error {
		called = true
		return os.WriteFile(tmpPath, []byte("late"), 0o644)
	})
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.False(t, called)
	assert.False(t, fileExists(path))

	// Once released, the write goes through.
	done := make(chan error, 1)
	go func() {
		done <- lockedWrite(context.Background(), path, false, func(tmpPath string) error {
			return os.WriteFile(tmpPath, []byte("first"), 0o644)
		})
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, other.Unlock())
	require.NoError(t, <-done)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(content))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = WriteShard(cancelled, t.TempDir(), packedRecords(t))
	assert.NoError(t, err, "an unlocked shard doesn't wait")
}

func TestWideValuesAreRejected(t *testing.T) {
	ctx := context.Background()
	records := packedRecords(t)
	records[1].Tokens[0] = 1 << 40

	_, err := NewRow(records[1])
	assert.ErrorContains(t, err, "doesn't fit int32")
	_, err = NewBatch(records, 0)
	assert.ErrorContains(t, err, "record #1")
	short, err := segments.Serialize(segments.MustLeaf([]int{5}), nil, false)
	require.NoError(t, err)
	_, err = NewBatch(append(packedRecords(t), short), math.MaxInt32+1)
	assert.ErrorContains(t, err, "record #2", "padding token is checked too")

	dir := t.TempDir()
	_, err = WriteShard(ctx, dir, records)
	assert.ErrorContains(t, err, "record #1")
	shards, err := Shards(dir)
	require.NoError(t, err)
	assert.Empty(t, shards)

	records = packedRecords(t)
	records[0].Stats[math.MinInt32-1] = 1
	_, err = NewRow(records[0])
	assert.ErrorContains(t, err, "stat tags")
}
