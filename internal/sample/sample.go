// Package sample models pipeline input samples and discovers them from
// the configured source. A sample is an identifier plus its associated
// input files (e.g. paired reads) and is immutable once ingested; it flows
// through the stage graph keyed by its identifier.
package sample

import (
	"context"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/vk/sampleflow/internal/config"
	"github.com/vk/sampleflow/internal/ctxlog"
	"github.com/vk/sampleflow/internal/runerr"
)

// Sample is one unit of parallelism: an identifier and its input files.
type Sample struct {
	ID    string
	Files []string
}

// pairToken matches the read-pair suffix of a file name, e.g. "_R1",
// "_R2", "_1" or "_2", optionally followed by a dotted extension chain.
var pairToken = regexp.MustCompile(`_(?:R)?([12])(?:[._]|$)`)

// Discover resolves the run's sample source into an ordered sample list.
// Explicit samples are taken as-is; glob matches are grouped into samples
// by their shared pair prefix. Zero discovered samples or a duplicate
// sample ID is a ConfigError, raised before any stage instance exists.
func Discover(ctx context.Context, src config.Source) ([]Sample, error) {
	logger := ctxlog.FromContext(ctx)

	byID := make(map[string]*Sample)
	var order []string

	add := func(id string, files ...string) {
		s, ok := byID[id]
		if !ok {
			s = &Sample{ID: id}
			byID[id] = s
			order = append(order, id)
		}
		s.Files = append(s.Files, files...)
	}

	for _, es := range src.Samples {
		if _, exists := byID[es.ID]; exists {
			return nil, runerr.Configf("duplicate sample id %q", es.ID)
		}
		add(es.ID, es.Files...)
	}

	if src.Glob != "" {
		matches, err := globWithBraces(src.Glob)
		if err != nil {
			return nil, runerr.Configf("invalid sample glob %q: %v", src.Glob, err)
		}
		if len(matches) == 0 && len(src.Samples) == 0 {
			return nil, runerr.Configf("sample glob %q matched no files", src.Glob)
		}
		sort.Strings(matches)
		for _, path := range matches {
			add(pairKey(filepath.Base(path)), path)
		}
	}

	if len(order) == 0 {
		return nil, runerr.Configf("no input samples discovered")
	}

	samples := make([]Sample, 0, len(order))
	for _, id := range order {
		s := byID[id]
		sort.Strings(s.Files)
		samples = append(samples, *s)
	}
	logger.Info("Samples discovered.", "count", len(samples))
	return samples, nil
}

// pairKey derives the sample id from a file name by cutting it at the
// read-pair token; a name without one keeps its extension-less base.
func pairKey(base string) string {
	if loc := pairToken.FindStringIndex(base); loc != nil {
		return base[:loc[0]]
	}
	if dot := strings.IndexByte(base, '.'); dot > 0 {
		return base[:dot]
	}
	return base
}

// globWithBraces expands a single {a,b,...} alternation before globbing,
// since filepath.Glob has no brace support. Patterns without braces pass
// straight through.
func globWithBraces(pattern string) ([]string, error) {
	open := strings.IndexByte(pattern, '{')
	if open < 0 {
		return filepath.Glob(pattern)
	}
	close := strings.IndexByte(pattern[open:], '}')
	if close < 0 {
		return filepath.Glob(pattern)
	}
	close += open

	prefix, alts, suffix := pattern[:open], pattern[open+1:close], pattern[close+1:]
	seen := make(map[string]struct{})
	var out []string
	for _, alt := range strings.Split(alts, ",") {
		matches, err := globWithBraces(prefix + alt + suffix)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}
