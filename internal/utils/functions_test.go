package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileNameFromURL(t *testing.T) {
	assert.Equal(t, "file.bin", FileNameFromURL("http://example.com/dir/file.bin"))
	assert.Equal(t, "file.bin", FileNameFromURL("http://example.com/file.bin?token=abc"))
	assert.Equal(t, "", FileNameFromURL("http://example.com/"))
	assert.Equal(t, "a_b.txt", FileNameFromURL("http://example.com/a%3Fb.txt"))
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("https://example.com/x"))
	for _, bad := range []string{"", "   ", "ftp://example.com/x", "http://", "::nope"} {
		assert.ErrorIs(t, ValidateURL(bad), ErrInvalidInput, bad)
	}
}

func TestParseHeaderArgs(t *testing.T) {
	headers := ParseHeaderArgs([]string{"Authorization: Bearer x:y", "bogus", " X-Test :1 "})
	assert.Equal(t, map[string]string{"Authorization": "Bearer x:y", "X-Test": "1"}, headers)
}

func TestRenewOutputPath(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file-(1).txt.part"), []byte("x"), 0644))
	assert.Equal(t, filepath.Join(dir, "file-(2).txt"), RenewOutputPath(target))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdef...", Truncate("abcdefghijklmnop", 9))
}

func TestClean(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.bin.part", "b.bin.part0", "b.bin.part12", "keep.bin"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	removed, err := Clean(dir)
	require.NoError(t, err)
	assert.Len(t, removed, 3)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep.bin", entries[0].Name())
}
