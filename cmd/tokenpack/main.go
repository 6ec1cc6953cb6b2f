// tokenpack packs the segments described by a layout file into its token budget, and prints the
// packed tokens (JSON) or a summary of the lengths each section got.
//
// Usage:
//
//	tokenpack --layout=prompt.yaml [--budget=N] [--naive] [--format=json|summary]
//	  [--parquet-dir=DIR] [--safetensors=FILE] [--pad-length=N --pad-token=ID]
//
// The klog flags (e.g. -v=1) are also accepted.
package main

import (
	"context"
	"encoding/json"
	goflag "flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/go-tokenpack/dataset"
	"github.com/gomlx/go-tokenpack/layout"
	"github.com/gomlx/go-tokenpack/segments"
	"github.com/gomlx/go-tokenpack/tokenizers/api"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options holds the command line flags.
type options struct {
	layoutPath    string
	budget        int
	naive         bool
	minLength     int
	tiers         string
	format        string
	stats         bool
	padLength     int
	padToken      int
	parquetDir    string
	safetensors   string
	specialTokens []string
	flagSet       *pflag.FlagSet
}

func parseFlags(args []string, stdout io.Writer) (*options, error) {
	opts := &options{}
	flagSet := pflag.NewFlagSet("tokenpack", pflag.ContinueOnError)
	flagSet.SetOutput(stdout)
	flagSet.StringVar(&opts.layoutPath, "layout", "", "path to the layout file (.yaml, .yml or .toml)")
	flagSet.IntVar(&opts.budget, "budget", 0, "override the layout's token budget")
	flagSet.BoolVar(&opts.naive, "naive", false, "override the layout's naive mode")
	flagSet.IntVar(&opts.minLength, "min-length", segments.DefaultMinLength, "override the layout's min_length")
	flagSet.StringVar(&opts.tiers, "tiers", "", "override the layout's tiers: documented or as_implemented")
	flagSet.StringVar(&opts.format, "format", "json", "output format: json or summary")
	flagSet.BoolVar(&opts.stats, "stats", true, "include tag stats in the output")
	flagSet.IntVar(&opts.padLength, "pad-length", 0, "pad the packed tokens to this length")
	flagSet.IntVar(&opts.padToken, "pad-token", 0, "token id used for padding")
	flagSet.StringVar(&opts.parquetDir, "parquet-dir", "", "also write the packed record as a parquet shard in this directory")
	flagSet.StringVar(&opts.safetensors, "safetensors", "", "also write the packed record to this safetensors file")
	flagSet.StringSliceVar(&opts.specialTokens, "special-token", nil,
		"special token ids, as name=id (e.g. --special-token=eos=2), used by layouts naming special tokens")

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	flagSet.AddGoFlagSet(klogFlags)

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, errors.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	if opts.layoutPath == "" {
		return nil, errors.New("--layout is required")
	}
	if opts.format != "json" && opts.format != "summary" {
		return nil, errors.Errorf("unknown --format=%q, valid values are json and summary", opts.format)
	}
	opts.flagSet = flagSet
	return opts, nil
}

func (opts *options) resolver() (api.SpecialTokens, error) {
	tokens := make(api.SpecialTokens, len(opts.specialTokens))
	for _, spec := range opts.specialTokens {
		name, value, found := strings.Cut(spec, "=")
		if !found {
			return nil, errors.Errorf("invalid --special-token=%q, expected name=id", spec)
		}
		token, err := api.ParseSpecialToken(name)
		if err != nil {
			return nil, err
		}
		id, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid id in --special-token=%q", spec)
		}
		tokens[token] = id
	}
	return tokens, nil
}

// override applies the flags explicitly given to the layout.
func (opts *options) override(l *layout.Layout) error {
	if opts.flagSet.Changed("budget") {
		l.Budget = opts.budget
	}
	if opts.flagSet.Changed("naive") {
		l.Config.Naive = opts.naive
	}
	if opts.flagSet.Changed("min-length") {
		l.Config.MinLength = opts.minLength
	}
	if opts.flagSet.Changed("tiers") {
		tiers, err := segments.ParseTiers(opts.tiers)
		if err != nil {
			return err
		}
		l.Config.Tiers = tiers
	}
	if l.Budget <= 0 {
		return errors.Errorf("budget must be positive, got %d", l.Budget)
	}
	return l.Config.Validate()
}

func run(args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, stdout)
	if err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	resolver, err := opts.resolver()
	if err != nil {
		return err
	}
	l, err := layout.Load(opts.layoutPath, resolver)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Close(); err != nil {
			klog.Warningf("failed to close layout: %+v", err)
		}
	}()
	if err := opts.override(l); err != nil {
		return err
	}

	var rec *segments.Record
	var lengths []sectionLength
	err = segments.Constrain(l.Root, l.Budget, l.Config, func(r *segments.Resolution) error {
		var err error
		rec, err = segments.Serialize(l.Root, r, opts.stats)
		if err != nil {
			return err
		}
		lengths = sectionLengths(l, r)
		return nil
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to pack %s", opts.layoutPath)
	}
	if opts.padLength > 0 {
		rec = rec.Pad(opts.padLength, opts.padToken)
	}

	if opts.parquetDir != "" {
		path, err := dataset.WriteShard(context.Background(), opts.parquetDir, []*segments.Record{rec})
		if err != nil {
			return err
		}
		klog.Infof("wrote %s", path)
	}
	if opts.safetensors != "" {
		batch, err := dataset.NewBatch([]*segments.Record{rec}, opts.padToken)
		if err != nil {
			return err
		}
		if err := dataset.WriteSafetensors(context.Background(), opts.safetensors, batch); err != nil {
			return err
		}
		klog.Infof("wrote %s", opts.safetensors)
	}

	if opts.format == "summary" {
		_, err = fmt.Fprintln(stdout, renderSummary(l, rec, lengths))
		return err
	}
	return writeJSON(stdout, l.Budget, rec)
}

// sectionLength is the resolved length of a leaf.
type sectionLength struct {
	name                  string
	length, unconstrained int
	preferred             int
}

func sectionLengths(l *layout.Layout, r *segments.Resolution) []sectionLength {
	names := make(map[*segments.Segment]string, l.Sections.Len())
	for name, seg := range l.Sections.All() {
		names[seg] = name
	}
	var lengths []sectionLength
	var idx int
	for leaf := range l.Root.Leaves() {
		name, found := names[leaf]
		if !found {
			name = fmt.Sprintf("leaf#%d", idx)
		}
		lengths = append(lengths, sectionLength{
			name:          name,
			length:        r.Len(leaf),
			unconstrained: leaf.UnconstrainedLength(),
			preferred:     leaf.PreferredLength(),
		})
		idx++
	}
	return lengths
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	nameStyle    = lipgloss.NewStyle().Width(24)
	numberStyle  = lipgloss.NewStyle().Width(14).Align(lipgloss.Right)
	trimmedStyle = numberStyle.Foreground(lipgloss.Color("9"))
)

func renderSummary(l *layout.Layout, rec *segments.Record, lengths []sectionLength) string {
	rows := []string{
		titleStyle.Render(fmt.Sprintf("%d tokens packed into a budget of %d (%d before packing)",
			rec.Len(), l.Budget, l.Root.NumTokens())),
		lipgloss.JoinHorizontal(lipgloss.Top, nameStyle.Render("section"), numberStyle.Render("length"),
			numberStyle.Render("unconstrained"), numberStyle.Render("preferred")),
	}
	for _, section := range lengths {
		lengthStyle := numberStyle
		if section.length < section.unconstrained {
			lengthStyle = trimmedStyle
		}
		preferred := "-"
		if section.preferred > 0 {
			preferred = strconv.Itoa(section.preferred)
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top,
			nameStyle.Render(section.name),
			lengthStyle.Render(strconv.Itoa(section.length)),
			numberStyle.Render(strconv.Itoa(section.unconstrained)),
			numberStyle.Render(preferred)))
	}
	if len(rec.Stats) > 0 {
		stats := make([]string, 0, len(rec.Stats))
		for _, tag := range rec.StatTags().Values() {
			stats = append(stats, fmt.Sprintf("%d:%d", tag, rec.Stats[tag]))
		}
		rows = append(rows, "tags "+strings.Join(stats, " "))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// jsonLevel and jsonRecord are the JSON output.
type jsonLevel struct {
	Mask []float32 `json:"mask"`
	Tags []int     `json:"tags"`
}

type jsonRecord struct {
	Budget int         `json:"budget"`
	Tokens []int       `json:"tokens"`
	Levels []jsonLevel `json:"levels"`
	Stats  map[int]int `json:"stats,omitempty"`
}

func writeJSON(w io.Writer, budget int, rec *segments.Record) error {
	out := jsonRecord{Budget: budget, Tokens: rec.Tokens, Levels: make([]jsonLevel, len(rec.Levels)), Stats: rec.Stats}
	for i, level := range rec.Levels {
		out.Levels[i] = jsonLevel{Mask: level.Mask, Tags: level.Tags}
	}
	return errors.Wrap(json.NewEncoder(w).Encode(out), "failed to write JSON")
}
