// Package layout describes packing trees declaratively, in YAML or TOML files, and builds them into
// segments.Segment trees ready to be resolved against a budget.
//
// A YAML layout looks like:
//
//	budget: 512
//	min_length: 64
//	special_tokens: {separator: 3, end_of_sentence: 2}
//	root:
//	  name: prompt
//	  eos: end_of_sentence
//	  children:
//	    - name: system
//	      tags: [1]
//	      tokens: [101, 102, 103]
//	    - name: document
//	      tags: [2]
//	      separator: sep
//	      trim: keep_middle
//	      preferred_length: 300
//	      corpus: {path: wiki.tokens, document: 7}
//
// Separator and eos ids can be given as integers or as special token names (see
// api.ParseSpecialToken), resolved with the layout's special_tokens table and the resolver
// given to Build or Load.
package layout

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/gomlx/go-tokenpack/tokenizers/api"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidLayout is returned for layouts that can't be built into a packing tree.
var ErrInvalidLayout = errors.New("invalid layout")

// Format of a layout file.
type Format int

const (
	FormatYAML Format = iota
	FormatTOML
)

// String implements fmt.Stringer.
func (f Format) String() string {
	if f == FormatTOML {
		return "toml"
	}
	return "yaml"
}

// FormatFromPath returns the Format matching the extension of path.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return FormatYAML, errors.Errorf("unknown layout format for %q, expected a .yaml, .yml or .toml file", path)
}

// File is the decoded contents of a layout file.
type File struct {
	// Budget is the total number of tokens the tree is packed into.
	Budget int `yaml:"budget" toml:"budget"`

	// MinLength overrides segments.DefaultMinLength, if not 0.
	MinLength int    `yaml:"min_length" toml:"min_length"`
	Naive     bool   `yaml:"naive" toml:"naive"`
	Tiers     string `yaml:"tiers" toml:"tiers"`

	// SpecialTokens maps special token names to ids of the vocabulary.
	SpecialTokens map[string]int `yaml:"special_tokens" toml:"special_tokens"`

	Root *Node `yaml:"root" toml:"root"`
}

// Node of the layout tree. A node with children is a branch, otherwise it is a leaf with either
// literal Tokens or tokens read from a Corpus.
type Node struct {
	// Name is optional. Named nodes are listed in Layout.Sections, and names must be unique.
	Name string `yaml:"name" toml:"name"`

	Tags            []int    `yaml:"tags" toml:"tags"`
	Separator       TokenRef `yaml:"separator" toml:"separator"`
	EOS             TokenRef `yaml:"eos" toml:"eos"`
	Trim            string   `yaml:"trim" toml:"trim"`
	PreferredLength int      `yaml:"preferred_length" toml:"preferred_length"`

	Tokens   []int      `yaml:"tokens" toml:"tokens"`
	Corpus   *CorpusRef `yaml:"corpus" toml:"corpus"`
	Children []*Node    `yaml:"children" toml:"children"`
}

// CorpusRef points to tokens stored in a corpus file (see package corpus).
//
// If Document is set, the leaf holds that document. Otherwise it holds the tokens in [Start, End),
// where a missing End means the end of the corpus.
type CorpusRef struct {
	// Path of the corpus, relative to the layout file.
	Path     string `yaml:"path" toml:"path"`
	Document *int   `yaml:"document" toml:"document"`
	Start    int    `yaml:"start" toml:"start"`
	End      *int   `yaml:"end" toml:"end"`
}

// TokenRef is a token id given either as an integer or as a special token name.
type TokenRef struct {
	ID   int
	Name string
	set  bool
}

// TokenID returns a TokenRef to a literal token id.
func TokenID(id int) TokenRef {
	return TokenRef{ID: id, set: true}
}

// SpecialTokenRef returns a TokenRef to a special token, by name.
func SpecialTokenRef(name string) TokenRef {
	return TokenRef{Name: name, set: true}
}

// IsSet returns whether the token was given.
func (t TokenRef) IsSet() bool {
	return t.set
}

// Resolve returns the token id, looking up special token names with resolver.
func (t TokenRef) Resolve(resolver api.SpecialTokenResolver) (int, error) {
	if t.Name == "" {
		return t.ID, nil
	}
	token, err := api.ParseSpecialToken(t.Name)
	if err != nil {
		return 0, err
	}
	if resolver == nil {
		return 0, errors.Errorf("no special tokens available to resolve %s", token)
	}
	return resolver.SpecialTokenID(token)
}

// UnmarshalYAML implements yaml.Unmarshaler to accept both an integer id and a special token name.
func (t *TokenRef) UnmarshalYAML(value *yaml.Node) error {
	var id int
	if err := value.Decode(&id); err == nil {
		*t = TokenID(id)
		return nil
	}
	var name string
	if err := value.Decode(&name); err == nil && name != "" {
		*t = SpecialTokenRef(name)
		return nil
	}
	return errors.Errorf("line %d: token must be an integer id or a special token name", value.Line)
}

// UnmarshalTOML implements toml.Unmarshaler to accept both an integer id and a special token name.
func (t *TokenRef) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case int64:
		*t = TokenID(int(v))
		return nil
	case string:
		if v != "" {
			*t = SpecialTokenRef(v)
			return nil
		}
	}
	return errors.Errorf("token must be an integer id or a special token name, got %v", data)
}

// Decode parses the contents of a layout file. Unknown fields are rejected.
func Decode(data []byte, format Format) (*File, error) {
	f := &File{}
	switch format {
	case FormatYAML:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(f); err != nil {
			if err == io.EOF {
				return nil, errors.Wrap(ErrInvalidLayout, "empty layout")
			}
			return nil, errors.Wrap(err, "failed to parse YAML layout")
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), f)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse TOML layout")
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Wrapf(ErrInvalidLayout, "unknown fields %q", undecoded)
		}
	default:
		return nil, errors.Errorf("unknown layout %s", format)
	}
	return f, nil
}

// Load reads, decodes and builds the layout file at path. Corpus paths are relative to the
// directory of the layout file. The returned Layout must be closed.
func Load(path string, resolver api.SpecialTokenResolver) (*Layout, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read layout %s", path)
	}
	f, err := Decode(data, format)
	if err != nil {
		return nil, errors.WithMessagef(err, "layout %s", path)
	}
	l, err := f.Build(resolver, filepath.Dir(path))
	if err != nil {
		return nil, errors.WithMessagef(err, "layout %s", path)
	}
	return l, nil
}
