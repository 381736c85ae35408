package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/fetchd/internal/store"
)

func TestPartition(t *testing.T) {
	tests := []struct {
		name        string
		size        int64
		connections int
		minSegment  int64
		want        []store.Segment
	}{
		{"unknown size", 0, 4, 100, []store.Segment{{Index: 0, Start: 0, End: -1}}},
		{"single connection", 1000, 1, 100, []store.Segment{{Index: 0, Start: 0, End: 999}}},
		{"even split", 1000, 4, 100, []store.Segment{
			{Index: 0, Start: 0, End: 249},
			{Index: 1, Start: 250, End: 499},
			{Index: 2, Start: 500, End: 749},
			{Index: 3, Start: 750, End: 999},
		}},
		{"remainder on last", 1001, 2, 100, []store.Segment{
			{Index: 0, Start: 0, End: 499},
			{Index: 1, Start: 500, End: 1000},
		}},
		{"limited by minimum segment", 1000, 8, 400, []store.Segment{
			{Index: 0, Start: 0, End: 499},
			{Index: 1, Start: 500, End: 999},
		}},
		{"smaller than one segment", 50, 8, 400, []store.Segment{{Index: 0, Start: 0, End: 49}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Partition(tt.size, tt.connections, tt.minSegment))
		})
	}
}

func TestPartitionCoversRangeWithoutOverlap(t *testing.T) {
	for _, size := range []int64{1, 7, 4096, 1<<20 + 3} {
		for connections := 1; connections <= 16; connections++ {
			segments := Partition(size, connections, 1)
			var next int64
			for _, seg := range segments {
				require.Equal(t, next, seg.Start)
				require.GreaterOrEqual(t, seg.End, seg.Start)
				next = seg.End + 1
			}
			require.Equal(t, size, next)
		}
	}
}

func TestSegmentPath(t *testing.T) {
	assert.Equal(t, "a.bin.part", segmentPath("a.bin.part", 0, 1))
	assert.Equal(t, "a.bin.part2", segmentPath("a.bin.part", 2, 4))
}

func TestAssembleFile(t *testing.T) {
	dir := t.TempDir()
	var parts []string
	for i, chunk := range []string{"abc", "def", "gh"} {
		path := segmentPath(filepath.Join(dir, "f.part"), i, 3)
		require.NoError(t, os.WriteFile(path, []byte(chunk), 0644))
		parts = append(parts, path)
	}
	dest := filepath.Join(dir, "f.part")
	require.NoError(t, assembleFile(parts, dest, 8))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(got))
	for _, part := range parts {
		assert.NoFileExists(t, part)
	}
}

func TestAssembleFileSizeMismatchKeepsParts(t *testing.T) {
	dir := t.TempDir()
	part := filepath.Join(dir, "f.part0")
	require.NoError(t, os.WriteFile(part, []byte("abc"), 0644))
	err := assembleFile([]string{part}, filepath.Join(dir, "f.part"), 10)
	require.Error(t, err)
	assert.FileExists(t, part)
}
