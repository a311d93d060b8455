package sample

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/sampleflow/internal/config"
	"github.com/vk/sampleflow/internal/runerr"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
}

func TestDiscoverGroupsReadPairs(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"tumor_R1.fastq.gz", "tumor_R2.fastq.gz",
		"normal_R1.fastq.gz", "normal_R2.fastq.gz",
	)

	samples, err := Discover(context.Background(), config.Source{
		Glob: filepath.Join(dir, "*_R{1,2}.fastq.gz"),
	})
	require.NoError(t, err)
	require.Len(t, samples, 2)

	assert.Equal(t, "normal", samples[0].ID)
	require.Len(t, samples[0].Files, 2)
	assert.Contains(t, samples[0].Files[0], "normal_R1")
	assert.Contains(t, samples[0].Files[1], "normal_R2")

	assert.Equal(t, "tumor", samples[1].ID)
}

func TestDiscoverPlainGlobSingleEnd(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.fq", "b.fq")

	samples, err := Discover(context.Background(), config.Source{
		Glob: filepath.Join(dir, "*.fq"),
	})
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "a", samples[0].ID)
	assert.Equal(t, "b", samples[1].ID)
}

func TestDiscoverExplicitSamples(t *testing.T) {
	samples, err := Discover(context.Background(), config.Source{
		Samples: []config.ExplicitSample{
			{ID: "s1", Files: []string{"/data/s1_R1.fq", "/data/s1_R2.fq"}},
			{ID: "s2", Files: []string{"/data/s2.fq"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "s1", samples[0].ID)
	assert.Len(t, samples[0].Files, 2)
}

func TestDiscoverDuplicateExplicitID(t *testing.T) {
	_, err := Discover(context.Background(), config.Source{
		Samples: []config.ExplicitSample{
			{ID: "s1", Files: []string{"a.fq"}},
			{ID: "s1", Files: []string{"b.fq"}},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate sample id")
}

func TestDiscoverZeroSamplesIsConfigError(t *testing.T) {
	t.Run("empty source", func(t *testing.T) {
		_, err := Discover(context.Background(), config.Source{})
		require.Error(t, err)
		assert.Equal(t, runerr.ExitConfig, runerr.ExitCode(err))
	})

	t.Run("glob matches nothing", func(t *testing.T) {
		_, err := Discover(context.Background(), config.Source{
			Glob: filepath.Join(t.TempDir(), "*.fastq"),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "matched no files")
	})
}

func TestPairKey(t *testing.T) {
	cases := map[string]string{
		"tumor_R1.fastq.gz": "tumor",
		"tumor_R2.fastq.gz": "tumor",
		"x_1.fq":            "x",
		"x_2.fq":            "x",
		"plain.fq":          "plain",
		"noext":             "noext",
	}
	for in, want := range cases {
		assert.Equal(t, want, pairKey(in), "pairKey(%q)", in)
	}
}
