package dataset

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"

	"github.com/gomlx/go-tokenpack/segments"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
	"k8s.io/klog/v2"
)

// Names of the tensors in a safetensors file written by WriteSafetensors.
const (
	TokensTensor = "tokens"
	MaskTensor   = "mask"
	TagsTensor   = "tags"
)

// metadataFormat is stored under "format" in the __metadata__ of the files written.
const metadataFormat = "tokenpack"

// maxHeaderSize is a sanity check on the size of the JSON header read.
const maxHeaderSize = 100 * 1024 * 1024

// TensorMetadata describes one tensor in the safetensors header.
type TensorMetadata struct {
	Name        string   `json:"-"`            // Tensor name (from map key)
	Dtype       string   `json:"dtype"`        // Data type: F32, I32, etc.
	Shape       []int    `json:"shape"`        // Tensor dimensions
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end) byte offsets after the header
}

// Header represents the JSON header of a safetensors file.
type Header struct {
	Tensors  map[string]*TensorMetadata // Tensor name -> metadata
	Metadata map[string]string          // Optional __metadata__ field
}

var safetensorDTypes = map[string]dtypes.DType{
	"I32": dtypes.Int32,
	"I64": dtypes.Int64,
	"F32": dtypes.Float32,
}

func dtypeName(dtype dtypes.DType) (string, error) {
	for name, candidate := range safetensorDTypes {
		if candidate == dtype {
			return name, nil
		}
	}
	return "", errors.Errorf("dtype %s not supported", dtype)
}

// Batch is a set of records padded to the same length and depth, as tensors:
// Tokens is int32[n, length], Mask is float32[n, depth, length] and Tags is int32[n, depth, length].
type Batch struct {
	Tokens, Mask, Tags *tensors.Tensor

	// Stats sums the stats of the records.
	Stats map[int]int
}

// NewBatch pads the records with padToken and stacks them. Levels missing in shallower records are
// masked out.
func NewBatch(records []*segments.Record, padToken int) (*Batch, error) {
	if len(records) == 0 {
		return nil, errors.New("no records to batch")
	}
	var length, depth int
	for _, rec := range records {
		length = max(length, rec.Len())
		depth = max(depth, rec.Depth())
	}
	n := len(records)
	tokens := make([]int32, n*length)
	mask := make([]float32, n*depth*length)
	tags := make([]int32, n*depth*length)
	stats := make(map[int]int)
	for i, rec := range records {
		rec = rec.Pad(length, padToken)
		recTokens, err := segments.ToInt32(rec.Tokens)
		if err != nil {
			return nil, errors.WithMessagef(err, "tokens of record #%d", i)
		}
		copy(tokens[i*length:], recTokens)
		for level := range rec.Levels {
			offset := (i*depth + level) * length
			copy(mask[offset:], rec.Levels[level].Mask)
			levelTags, err := segments.ToInt32(rec.Levels[level].Tags)
			if err != nil {
				return nil, errors.WithMessagef(err, "tags of record #%d, level #%d", i, level)
			}
			copy(tags[offset:], levelTags)
		}
		for tag, count := range rec.Stats {
			stats[tag] += count
		}
	}
	return &Batch{
		Tokens: tensors.FromFlatDataAndDimensions(tokens, n, length),
		Mask:   tensors.FromFlatDataAndDimensions(mask, n, depth, length),
		Tags:   tensors.FromFlatDataAndDimensions(tags, n, depth, length),
		Stats:  stats,
	}, nil
}

func (b *Batch) named() []namedTensor {
	return []namedTensor{{TokensTensor, b.Tokens}, {MaskTensor, b.Mask}, {TagsTensor, b.Tags}}
}

type namedTensor struct {
	name   string
	tensor *tensors.Tensor
}

// WriteSafetensors writes the batch to path, replacing any previous file. Stats are stored in the
// header metadata, as a JSON object from tag to count.
func WriteSafetensors(ctx context.Context, path string, batch *Batch) error {
	header := map[string]any{}
	metadata := map[string]string{"format": metadataFormat}
	if len(batch.Stats) > 0 {
		stats := make(map[string]int, len(batch.Stats))
		for tag, count := range batch.Stats {
			stats[strconv.Itoa(tag)] = count
		}
		statsJSON, err := json.Marshal(stats)
		if err != nil {
			return errors.Wrap(err, "failed to encode stats")
		}
		metadata["stats"] = string(statsJSON)
	}
	header["__metadata__"] = metadata

	var offset int64
	for _, nt := range batch.named() {
		shape := nt.tensor.Shape()
		name, err := dtypeName(shape.DType)
		if err != nil {
			return errors.WithMessagef(err, "tensor %s", nt.name)
		}
		size := int64(shape.Size()) * int64(shape.DType.Size())
		header[nt.name] = &TensorMetadata{Dtype: name, Shape: shape.Dimensions, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode header")
	}

	err = lockedWrite(ctx, path, true, func(tmpPath string) error {
		f, err := os.Create(tmpPath)
		if err != nil {
			return err
		}
		w := bufio.NewWriter(f)
		if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
			_ = f.Close()
			return err
		}
		if _, err := w.Write(headerJSON); err != nil {
			_ = f.Close()
			return err
		}
		for _, nt := range batch.named() {
			var writeErr error
			nt.tensor.MutableBytes(func(data []byte) {
				_, writeErr = w.Write(data)
			})
			if writeErr != nil {
				_ = f.Close()
				return errors.Wrapf(writeErr, "failed to write tensor %s", nt.name)
			}
		}
		if err := w.Flush(); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		return err
	}
	klog.V(1).Infof("wrote batch %s to %s", batch.Tokens.Shape(), path)
	return nil
}

// parseHeader reads and parses the header from a safetensors file.
// Safetensor format:
//
//	[8 bytes: header size as little-endian u64]
//	[header_size bytes: JSON header]
//	[remaining bytes: tensor data]
func parseHeader(reader io.ReaderAt) (*Header, int64, error) {
	var sizeBytes [8]byte
	if _, err := reader.ReadAt(sizeBytes[:], 0); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read header size")
	}
	headerSize := binary.LittleEndian.Uint64(sizeBytes[:])
	if headerSize > maxHeaderSize {
		return nil, 0, errors.Errorf("header size too large: %d bytes", headerSize)
	}
	headerBytes := make([]byte, headerSize)
	if _, err := reader.ReadAt(headerBytes, 8); err != nil && err != io.EOF {
		return nil, 0, errors.Wrap(err, "failed to read header JSON")
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, 0, errors.Wrap(err, "failed to parse header JSON")
	}
	header := &Header{
		Tensors:  make(map[string]*TensorMetadata),
		Metadata: make(map[string]string),
	}
	for key, value := range rawHeader {
		if key == "__metadata__" {
			if err := json.Unmarshal(value, &header.Metadata); err != nil {
				return nil, 0, errors.Wrap(err, "failed to parse __metadata__")
			}
			continue
		}
		var tm TensorMetadata
		if err := json.Unmarshal(value, &tm); err != nil {
			return nil, 0, errors.Wrapf(err, "failed to parse tensor metadata for %s", key)
		}
		tm.Name = key
		header.Tensors[key] = &tm
	}
	return header, int64(8 + headerSize), nil
}

// ReadSafetensors reads a batch written by WriteSafetensors, through a memory map.
func ReadSafetensors(path string) (*Batch, error) {
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap %s", path)
	}
	defer reader.Close()

	header, dataOffset, err := parseHeader(reader)
	if err != nil {
		return nil, errors.WithMessagef(err, "file %s", path)
	}
	if header.Metadata["format"] != metadataFormat {
		return nil, errors.Errorf("%s was not written by WriteSafetensors, its format is %q", path, header.Metadata["format"])
	}

	batch := &Batch{Stats: make(map[int]int)}
	for _, target := range []struct {
		name   string
		tensor **tensors.Tensor
	}{{TokensTensor, &batch.Tokens}, {MaskTensor, &batch.Mask}, {TagsTensor, &batch.Tags}} {
		meta, found := header.Tensors[target.name]
		if !found {
			return nil, errors.Errorf("tensor %s not found in %s, it has %v", target.name, path,
				slices.Sorted(maps.Keys(header.Tensors)))
		}
		*target.tensor, err = readTensor(reader, dataOffset, meta)
		if err != nil {
			return nil, errors.WithMessagef(err, "file %s", path)
		}
	}

	if statsJSON, found := header.Metadata["stats"]; found {
		var stats map[string]int
		if err := json.Unmarshal([]byte(statsJSON), &stats); err != nil {
			return nil, errors.Wrapf(err, "failed to parse stats of %s", path)
		}
		for key, count := range stats {
			tag, err := strconv.Atoi(key)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid stats tag %q in %s", key, path)
			}
			batch.Stats[tag] = count
		}
	}
	return batch, nil
}

func readTensor(reader *mmap.ReaderAt, dataOffset int64, meta *TensorMetadata) (*tensors.Tensor, error) {
	dtype, found := safetensorDTypes[meta.Dtype]
	if !found {
		return nil, errors.Errorf("tensor %s: dtype %q not supported", meta.Name, meta.Dtype)
	}
	t := tensors.FromShape(shapes.Make(dtype, meta.Shape...))
	var readErr error
	t.MutableBytes(func(data []byte) {
		if int64(len(data)) != meta.DataOffsets[1]-meta.DataOffsets[0] {
			readErr = errors.Errorf("tensor %s: shape %s expects %d bytes, header has %d bytes",
				meta.Name, t.Shape(), len(data), meta.DataOffsets[1]-meta.DataOffsets[0])
			return
		}
		_, readErr = reader.ReadAt(data, dataOffset+meta.DataOffsets[0])
		if readErr == io.EOF {
			readErr = nil
		}
		if readErr != nil {
			readErr = errors.Wrapf(readErr, "failed to read tensor %s", meta.Name)
		}
	})
	if readErr != nil {
		return nil, readErr
	}
	return t, nil
}
