package layout

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/gomlx/go-tokenpack/corpus"
	"github.com/gomlx/go-tokenpack/indexed"
	"github.com/gomlx/go-tokenpack/segments"
	"github.com/gomlx/go-tokenpack/tokenizers/api"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Layout is a built packing tree, with the budget and configuration to resolve it.
type Layout struct {
	Budget int
	Config segments.Config
	Root   *segments.Segment

	// Sections holds the named nodes, children before their parents.
	Sections *indexed.Dict[string, *segments.Segment]

	corpora map[string]*corpus.File
}

// Close releases the corpus files opened while building the layout.
func (l *Layout) Close() error {
	var firstErr error
	for path, f := range l.corpora {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close corpus %s", path)
		}
	}
	l.corpora = nil
	return firstErr
}

// invalidError is an ErrInvalidLayout caused by another error, which errors.Is still matches.
type invalidError struct {
	context string
	cause   error
}

func invalid(cause error, format string, args ...any) error {
	return &invalidError{context: fmt.Sprintf(format, args...), cause: cause}
}

func (e *invalidError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.context, ErrInvalidLayout, e.cause)
}

func (e *invalidError) Unwrap() []error {
	return []error{ErrInvalidLayout, e.cause}
}

// chainResolver tries each resolver in order.
type chainResolver []api.SpecialTokenResolver

func (c chainResolver) SpecialTokenID(token api.SpecialToken) (int, error) {
	for _, resolver := range c {
		if resolver == nil {
			continue
		}
		if id, err := resolver.SpecialTokenID(token); err == nil {
			return id, nil
		}
	}
	return 0, errors.Errorf("special token %s not registered", token)
}

// builder holds the state of a Build call.
type builder struct {
	resolver api.SpecialTokenResolver
	baseDir  string
	layout   *Layout
	sections []indexed.Pair[string, *segments.Segment]
	names    map[string]bool
}

// Build creates the packing tree described by f.
//
// Special token names are resolved first with f.SpecialTokens, then with resolver, which may be nil.
// Relative corpus paths are joined to baseDir. The returned Layout must be closed.
func (f *File) Build(resolver api.SpecialTokenResolver, baseDir string) (l *Layout, err error) {
	if f.Budget <= 0 {
		return nil, errors.Wrapf(ErrInvalidLayout, "budget must be positive, got %d", f.Budget)
	}
	if f.Root == nil {
		return nil, errors.Wrap(ErrInvalidLayout, "missing root")
	}
	cfg := segments.DefaultConfig()
	if f.MinLength != 0 {
		cfg.MinLength = f.MinLength
	}
	cfg.Naive = f.Naive
	cfg.Tiers, err = segments.ParseTiers(f.Tiers)
	if err != nil {
		return nil, invalid(err, "tiers")
	}
	if err := cfg.Validate(); err != nil {
		return nil, invalid(err, "config")
	}

	fileTokens := make(api.SpecialTokens, len(f.SpecialTokens))
	for name, id := range f.SpecialTokens {
		token, err := api.ParseSpecialToken(name)
		if err != nil {
			return nil, invalid(err, "special_tokens")
		}
		fileTokens[token] = id
	}

	b := &builder{
		resolver: chainResolver{fileTokens, resolver},
		baseDir:  baseDir,
		layout:   &Layout{Budget: f.Budget, Config: cfg, corpora: make(map[string]*corpus.File)},
		names:    make(map[string]bool),
	}
	defer func() {
		if err != nil {
			_ = b.layout.Close()
		}
	}()
	b.layout.Root, err = b.build(f.Root, "root")
	if err != nil {
		return nil, err
	}
	b.layout.Sections = indexed.NewDict(b.sections...)
	klog.V(1).Infof("built layout with %d sections, %d tokens for a budget of %d",
		b.layout.Sections.Len(), b.layout.Root.NumTokens(), b.layout.Budget)
	return b.layout, nil
}

func (b *builder) build(node *Node, path string) (*segments.Segment, error) {
	if node == nil {
		return nil, errors.Wrapf(ErrInvalidLayout, "%s: empty node", path)
	}
	if node.Name != "" {
		path = node.Name
	}
	opts, err := b.options(node, path)
	if err != nil {
		return nil, err
	}

	var seg *segments.Segment
	switch {
	case len(node.Children) > 0:
		if node.Tokens != nil || node.Corpus != nil {
			return nil, errors.Wrapf(ErrInvalidLayout, "%s: a node can't have both children and tokens", path)
		}
		children := make([]*segments.Segment, len(node.Children))
		for i, child := range node.Children {
			children[i], err = b.build(child, path+"/"+strconv.Itoa(i))
			if err != nil {
				return nil, err
			}
		}
		seg, err = segments.NewBranch(children, opts...)
	case node.Corpus != nil:
		if node.Tokens != nil {
			return nil, errors.Wrapf(ErrInvalidLayout, "%s: a node can't have both tokens and a corpus", path)
		}
		var tokens []int
		tokens, err = b.corpusTokens(node.Corpus)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s", path)
		}
		seg, err = segments.NewLeaf(tokens, opts...)
	default:
		seg, err = segments.NewLeaf(node.Tokens, opts...)
	}
	if err != nil {
		return nil, invalid(err, "%s", path)
	}

	if node.Name != "" {
		if b.names[node.Name] {
			return nil, errors.Wrapf(ErrInvalidLayout, "duplicate section name %q", node.Name)
		}
		b.names[node.Name] = true
		b.sections = append(b.sections, indexed.Pair[string, *segments.Segment]{Key: node.Name, Value: seg})
	}
	return seg, nil
}

func (b *builder) options(node *Node, path string) ([]segments.Option, error) {
	trim, err := segments.ParseTrim(node.Trim)
	if err != nil {
		return nil, invalid(err, "%s", path)
	}
	opts := []segments.Option{
		segments.WithTags(node.Tags...),
		segments.WithTrim(trim),
		segments.WithPreferredLength(node.PreferredLength),
	}
	if node.Separator.IsSet() {
		id, err := node.Separator.Resolve(b.resolver)
		if err != nil {
			return nil, invalid(err, "%s: separator", path)
		}
		opts = append(opts, segments.WithSeparator(id))
	}
	if node.EOS.IsSet() {
		id, err := node.EOS.Resolve(b.resolver)
		if err != nil {
			return nil, invalid(err, "%s: eos", path)
		}
		opts = append(opts, segments.WithEOS(id))
	}
	return opts, nil
}

// corpusTokens reads the tokens referred by ref. Each corpus file is opened once per layout.
func (b *builder) corpusTokens(ref *CorpusRef) ([]int, error) {
	if ref.Path == "" {
		return nil, errors.Wrap(ErrInvalidLayout, "corpus without a path")
	}
	path := ref.Path
	if !filepath.IsAbs(path) && b.baseDir != "" {
		path = filepath.Join(b.baseDir, path)
	}
	f, found := b.layout.corpora[path]
	if !found {
		var err error
		f, err = corpus.Open(path)
		if err != nil {
			return nil, err
		}
		b.layout.corpora[path] = f
	}
	if ref.Document != nil {
		if ref.End != nil || ref.Start != 0 {
			return nil, errors.Wrapf(ErrInvalidLayout, "corpus %s: document can't be combined with start/end", ref.Path)
		}
		return f.Document(*ref.Document)
	}
	end := f.Len()
	if ref.End != nil {
		end = *ref.End
	}
	return f.Tokens(ref.Start, end)
}
