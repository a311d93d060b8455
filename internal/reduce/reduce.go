// Package reduce combines many per-sample partial outputs (one column per
// sample) into a single aggregate table without exceeding a configured
// ceiling of simultaneously open resources. The core is a pure function
// of (ordered partial list, batch size): inputs are partitioned into
// batches of at most batchSize, each batch is merged into an intermediate
// aggregate preserving per-item order, and the intermediates are merged
// into the final table with the feature column taken from exactly one
// representative (the first). Column order always equals input order,
// whatever the batch size.
package reduce

import (
	"fmt"

	"github.com/vk/sampleflow/internal/runerr"
)

// Partial is one sample's partial output: its feature sequence and the
// per-feature values forming that sample's column.
type Partial struct {
	Sample   string
	Features []string
	Values   []string
}

// Column is one sample's value column within an aggregate table.
type Column struct {
	Sample string
	Values []string
}

// Table is an aggregate: one feature column plus one value column per
// input sample, in input order.
type Table struct {
	Features []string
	Columns  []Column
}

// Merge aggregates partials in batches of at most batchSize. Every input
// must carry the same feature sequence as the first one. Zero inputs is a
// configuration error: an aggregate with no data columns is never emitted
// silently.
func Merge(parts []Partial, batchSize int) (*Table, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", batchSize)
	}
	if len(parts) == 0 {
		return nil, runerr.Configf("aggregation received zero data columns")
	}

	var intermediates []*Table
	for start := 0; start < len(parts); start += batchSize {
		end := min(start+batchSize, len(parts))
		batch, err := mergeBatch(parts[start:end])
		if err != nil {
			return nil, err
		}
		intermediates = append(intermediates, batch)
	}

	// Final pass: concatenate the intermediates. Their count is
	// ceil(N/batchSize), far below N, so this never multiplies open
	// resources. The feature column comes from the first representative.
	final := intermediates[0]
	for _, t := range intermediates[1:] {
		if err := sameFeatures(final.Features, t.Features); err != nil {
			return nil, err
		}
		final.Columns = append(final.Columns, t.Columns...)
	}
	return final, nil
}

// mergeBatch merges one batch of partials, verifying feature agreement
// against the batch's first member.
func mergeBatch(parts []Partial) (*Table, error) {
	t := &Table{Features: parts[0].Features}
	for _, p := range parts {
		if len(p.Values) != len(p.Features) {
			return nil, fmt.Errorf("sample %q has %d values for %d features", p.Sample, len(p.Values), len(p.Features))
		}
		if err := sameFeatures(t.Features, p.Features); err != nil {
			return nil, fmt.Errorf("sample %q: %w", p.Sample, err)
		}
		t.Columns = append(t.Columns, Column{Sample: p.Sample, Values: p.Values})
	}
	return t, nil
}

func sameFeatures(want, got []string) error {
	if len(want) != len(got) {
		return fmt.Errorf("feature count mismatch: %d vs %d", len(want), len(got))
	}
	for i := range want {
		if want[i] != got[i] {
			return fmt.Errorf("feature order mismatch at row %d: %q vs %q", i, want[i], got[i])
		}
	}
	return nil
}
