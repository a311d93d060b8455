package reduce

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/sampleflow/internal/ctxlog"
	"github.com/vk/sampleflow/internal/runerr"
)

// Input names one partial-output file and the sample it belongs to.
type Input struct {
	Sample string
	Path   string
}

// MergeFiles aggregates two-column (feature<TAB>value) partial files into
// one TSV table at outPath. Files are opened one batch at a time, so at
// most batchSize files are open simultaneously; maxOpen is the hard
// ceiling on that count, and breaching it means the engine's own
// accounting is broken, reported as a ResourceLimitError rather than
// papered over.
func MergeFiles(ctx context.Context, inputs []Input, outPath string, batchSize, maxOpen int) error {
	logger := ctxlog.FromContext(ctx)

	if len(inputs) == 0 {
		return runerr.Configf("aggregation received zero input files")
	}
	if batchSize > maxOpen {
		return &runerr.ResourceLimitError{
			Reason: fmt.Sprintf("batch size %d exceeds open-file ceiling %d", batchSize, maxOpen),
		}
	}

	var parts []Partial
	for start := 0; start < len(inputs); start += batchSize {
		end := min(start+batchSize, len(inputs))
		batch, err := readBatch(inputs[start:end], maxOpen)
		if err != nil {
			return err
		}
		parts = append(parts, batch...)
	}

	table, err := Merge(parts, batchSize)
	if err != nil {
		return err
	}

	logger.Debug("Writing aggregate table.",
		"out", outPath, "rows", len(table.Features), "columns", len(table.Columns))
	return writeTable(table, outPath)
}

// readBatch opens every file in the batch simultaneously, mirroring the
// paste-style merge of the partial columns, then parses them.
func readBatch(batch []Input, maxOpen int) ([]Partial, error) {
	if len(batch) > maxOpen {
		return nil, &runerr.ResourceLimitError{
			Reason: fmt.Sprintf("attempted to open %d files with ceiling %d", len(batch), maxOpen),
		}
	}

	files := make([]*os.File, 0, len(batch))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	for _, in := range batch {
		f, err := os.Open(in.Path)
		if err != nil {
			return nil, fmt.Errorf("opening partial for sample %q: %w", in.Sample, err)
		}
		files = append(files, f)
	}

	parts := make([]Partial, 0, len(batch))
	for i, f := range files {
		p, err := parsePartial(batch[i].Sample, f)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}

func parsePartial(sample string, f *os.File) (Partial, error) {
	p := Partial{Sample: sample}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		feature, value, ok := strings.Cut(line, "\t")
		if !ok {
			return p, fmt.Errorf("sample %q: malformed line %q in %s", sample, line, f.Name())
		}
		p.Features = append(p.Features, feature)
		p.Values = append(p.Values, value)
	}
	if err := scanner.Err(); err != nil {
		return p, fmt.Errorf("reading %s: %w", f.Name(), err)
	}
	if len(p.Features) == 0 {
		return p, fmt.Errorf("sample %q: partial %s is empty", sample, f.Name())
	}
	return p, nil
}

// writeTable renders the aggregate as a TSV with a leading feature column
// and one header per sample.
func writeTable(t *Table, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	w.WriteString("feature")
	for _, col := range t.Columns {
		w.WriteByte('\t')
		w.WriteString(col.Sample)
	}
	w.WriteByte('\n')

	for i, feature := range t.Features {
		w.WriteString(feature)
		for _, col := range t.Columns {
			w.WriteByte('\t')
			w.WriteString(col.Values[i])
		}
		w.WriteByte('\n')
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
