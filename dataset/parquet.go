// Package dataset persists packed records: parquet shards, one row per record, and safetensors
// files with the records batched into padded tensors.
//
// Files are written to a temporary path and moved into place under a file lock, so concurrent
// writers (e.g. several packing jobs sharing an output directory) never observe partial files.
package dataset

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"

	"github.com/gomlx/go-tokenpack/segments"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ShardPrefix and ShardSuffix frame the names of parquet shards: packed-<uuid>.parquet.
const (
	ShardPrefix = "packed-"
	ShardSuffix = ".parquet"
)

// LevelRow is one tag depth of a Row.
type LevelRow struct {
	Mask []float32 `parquet:"mask"`
	Tags []int32   `parquet:"tags"`
}

// Row is the parquet representation of a segments.Record.
// Stats are stored as parallel StatTags/StatCounts columns, sorted by tag.
type Row struct {
	Tokens     []int32    `parquet:"tokens"`
	Levels     []LevelRow `parquet:"levels"`
	StatTags   []int32    `parquet:"stat_tags"`
	StatCounts []int64    `parquet:"stat_counts"`
}

// NewRow converts a record to a Row. It fails if a token or tag doesn't fit an int32.
func NewRow(rec *segments.Record) (Row, error) {
	tokens, err := segments.ToInt32(rec.Tokens)
	if err != nil {
		return Row{}, errors.WithMessage(err, "tokens")
	}
	row := Row{Tokens: tokens, Levels: make([]LevelRow, len(rec.Levels))}
	for i, level := range rec.Levels {
		tags, err := segments.ToInt32(level.Tags)
		if err != nil {
			return Row{}, errors.WithMessagef(err, "tags of level #%d", i)
		}
		row.Levels[i] = LevelRow{Mask: slices.Clone(level.Mask), Tags: tags}
	}
	statTags := slices.Sorted(maps.Keys(rec.Stats))
	row.StatTags, err = segments.ToInt32(statTags)
	if err != nil {
		return Row{}, errors.WithMessage(err, "stat tags")
	}
	for _, tag := range statTags {
		row.StatCounts = append(row.StatCounts, int64(rec.Stats[tag]))
	}
	return row, nil
}

// Record converts the row back to a segments.Record. Stats is nil if the row has no stats.
func (row Row) Record() (*segments.Record, error) {
	if len(row.StatTags) != len(row.StatCounts) {
		return nil, errors.Errorf("row has %d stat tags but %d stat counts", len(row.StatTags), len(row.StatCounts))
	}
	rec := &segments.Record{
		Tokens: fromInt32(row.Tokens),
		Levels: make([]segments.Level, len(row.Levels)),
	}
	for i, level := range row.Levels {
		if len(level.Mask) != len(row.Tokens) || len(level.Tags) != len(row.Tokens) {
			return nil, errors.Errorf("level #%d has %d masks and %d tags for %d tokens",
				i, len(level.Mask), len(level.Tags), len(row.Tokens))
		}
		rec.Levels[i] = segments.Level{Mask: slices.Clone(level.Mask), Tags: fromInt32(level.Tags)}
	}
	if len(row.StatTags) > 0 {
		rec.Stats = make(map[int]int, len(row.StatTags))
		for i, tag := range row.StatTags {
			rec.Stats[int(tag)] = int(row.StatCounts[i])
		}
	}
	return rec, nil
}

// WriteShard writes the records as a new parquet shard in dir, and returns its path.
func WriteShard(ctx context.Context, dir string, records []*segments.Record) (string, error) {
	if len(records) == 0 {
		return "", errors.New("no records to write")
	}
	rows := make([]Row, len(records))
	for i, rec := range records {
		var err error
		rows[i], err = NewRow(rec)
		if err != nil {
			return "", errors.WithMessagef(err, "record #%d", i)
		}
	}
	path := filepath.Join(dir, fmt.Sprintf("%s%s%s", ShardPrefix, uuid.New(), ShardSuffix))
	err := lockedWrite(ctx, path, false, func(tmpPath string) error {
		return parquet.WriteFile(tmpPath, rows)
	})
	if err != nil {
		return "", errors.WithMessagef(err, "failed to write shard with %d records", len(records))
	}
	klog.V(1).Infof("wrote %d records to %s", len(records), path)
	return path, nil
}

// ReadShard reads the records of a parquet shard.
func ReadShard(path string) ([]*segments.Record, error) {
	rows, err := parquet.ReadFile[Row](path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read shard %s", path)
	}
	records := make([]*segments.Record, len(rows))
	for i, row := range rows {
		records[i], err = row.Record()
		if err != nil {
			return nil, errors.WithMessagef(err, "shard %s, row #%d", path, i)
		}
	}
	return records, nil
}

// Shards lists the parquet shards in dir, sorted by name.
func Shards(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, ShardPrefix+"*"+ShardSuffix))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list shards in %s", dir)
	}
	slices.Sort(paths)
	return paths, nil
}

func fromInt32(values []int32) []int {
	converted := make([]int, len(values))
	for i, v := range values {
		converted[i] = int(v)
	}
	return converted
}
