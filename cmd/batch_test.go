package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	content := `http:
  - link: https://example.com/a.iso
    op: ubuntu.iso
  - link: ""
  - link: https://example.com/b.tar
https:
  - link: https://example.com/c.zip
s3:
  - link: s3://bucket/key
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	entries, err := readBatchFile(path)
	require.NoError(t, err)
	assert.Equal(t, []BatchEntry{
		{OutputPath: "ubuntu.iso", Link: "https://example.com/a.iso"},
		{Link: "https://example.com/b.tar"},
		{Link: "https://example.com/c.zip"},
	}, entries)
}

func TestReadBatchFileErrors(t *testing.T) {
	_, err := readBatchFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http: [unclosed"), 0644))
	_, err = readBatchFile(path)
	assert.Error(t, err)
}
