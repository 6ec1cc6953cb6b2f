// Package corpus reads pre-tokenized corpora: flat files of little-endian int32 token ids, accessed
// through a memory map, optionally split into documents by an index file.
//
// The index file (the corpus path plus IndexSuffix) holds little-endian int64 token offsets: the
// first is 0, the last is the number of tokens, and document i spans [offset[i], offset[i+1]).
// Without an index the whole file is a single document.
//
// Example:
//
//	f, err := corpus.Open("/data/wiki.tokens")
//	if err != nil {
//		panic(err)
//	}
//	defer f.Close()
//	leaf, err := f.Leaf(3, segments.WithTags(3), segments.WithTrim(segments.KeepMiddle))
package corpus

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/gomlx/go-tokenpack/segments"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// IndexSuffix is appended to the corpus path to find its document index.
const IndexSuffix = ".idx"

const tokenSize = 4

// ErrCorrupt is returned for corpus or index files with an invalid layout.
var ErrCorrupt = errors.New("corrupt corpus file")

// File is an open, memory-mapped corpus.
type File struct {
	path   string
	reader *mmap.ReaderAt
	bounds []int64
}

// Open memory-maps the corpus at path and reads its index, if there is one.
func Open(path string) (*File, error) {
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap %s", path)
	}
	if reader.Len()%tokenSize != 0 {
		_ = reader.Close()
		return nil, errors.Wrapf(ErrCorrupt, "%s has %d bytes, not a multiple of %d", path, reader.Len(), tokenSize)
	}
	f := &File{path: path, reader: reader}
	f.bounds, err = readIndex(path+IndexSuffix, f.Len())
	if err != nil {
		_ = reader.Close()
		return nil, err
	}
	return f, nil
}

func readIndex(indexPath string, numTokens int) ([]int64, error) {
	data, err := os.ReadFile(indexPath)
	if os.IsNotExist(err) {
		return []int64{0, int64(numTokens)}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read index %s", indexPath)
	}
	if len(data)%8 != 0 || len(data) < 16 {
		return nil, errors.Wrapf(ErrCorrupt, "index %s has %d bytes", indexPath, len(data))
	}
	bounds := make([]int64, len(data)/8)
	for i := range bounds {
		bounds[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
	}
	if bounds[0] != 0 || bounds[len(bounds)-1] != int64(numTokens) {
		return nil, errors.Wrapf(ErrCorrupt, "index %s spans [%d, %d], corpus has %d tokens",
			indexPath, bounds[0], bounds[len(bounds)-1], numTokens)
	}
	for i := 1; i < len(bounds); i++ {
		if bounds[i] < bounds[i-1] {
			return nil, errors.Wrapf(ErrCorrupt, "index %s: offset #%d (%d) before offset #%d (%d)",
				indexPath, i, bounds[i], i-1, bounds[i-1])
		}
	}
	return bounds, nil
}

// Path of the corpus file.
func (f *File) Path() string {
	return f.path
}

// Len returns the number of tokens in the corpus.
func (f *File) Len() int {
	return f.reader.Len() / tokenSize
}

// NumDocuments returns the number of documents in the corpus.
func (f *File) NumDocuments() int {
	return len(f.bounds) - 1
}

// Tokens returns the tokens in [start, end).
func (f *File) Tokens(start, end int) ([]int, error) {
	if start < 0 || end < start || end > f.Len() {
		return nil, errors.Errorf("token range [%d, %d) out of bounds for %s with %d tokens", start, end, f.path, f.Len())
	}
	data := make([]byte, (end-start)*tokenSize)
	if _, err := f.reader.ReadAt(data, int64(start*tokenSize)); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "failed to read tokens [%d, %d) of %s", start, end, f.path)
	}
	tokens := make([]int, end-start)
	for i := range tokens {
		tokens[i] = int(int32(binary.LittleEndian.Uint32(data[i*tokenSize:])))
	}
	return tokens, nil
}

// Document returns the tokens of document idx.
func (f *File) Document(idx int) ([]int, error) {
	if idx < 0 || idx >= f.NumDocuments() {
		return nil, errors.Errorf("document #%d out of bounds for %s with %d documents", idx, f.path, f.NumDocuments())
	}
	return f.Tokens(int(f.bounds[idx]), int(f.bounds[idx+1]))
}

// Leaf creates a leaf Segment with the tokens of document idx.
func (f *File) Leaf(idx int, opts ...segments.Option) (*segments.Segment, error) {
	tokens, err := f.Document(idx)
	if err != nil {
		return nil, err
	}
	return segments.NewLeaf(tokens, opts...)
}

// Close unmaps the corpus.
func (f *File) Close() error {
	return f.reader.Close()
}

// Write creates a corpus at path with the given documents, and its index.
func Write(path string, documents ...[]int) error {
	bounds := make([]int64, 1, len(documents)+1)
	if err := writeFile(path, func(w *bufio.Writer) error {
		var buf [tokenSize]byte
		for i, document := range documents {
			for _, token := range document {
				if token < math.MinInt32 || token > math.MaxInt32 {
					return errors.Errorf("document #%d: token %d doesn't fit int32", i, token)
				}
				binary.LittleEndian.PutUint32(buf[:], uint32(int32(token)))
				if _, err := w.Write(buf[:]); err != nil {
					return err
				}
			}
			bounds = append(bounds, bounds[len(bounds)-1]+int64(len(document)))
		}
		return nil
	}); err != nil {
		return err
	}
	return writeFile(path+IndexSuffix, func(w *bufio.Writer) error {
		return binary.Write(w, binary.LittleEndian, bounds)
	})
}

func writeFile(path string, fn func(w *bufio.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to flush %s", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %s", path)
}
