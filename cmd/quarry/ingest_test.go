package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func TestGatherRequestsWalksDirectories(t *testing.T) {
	root := writeTree(t, map[string]string{
		"notes.txt":          "plain notes",
		"guide.md":           "# guide",
		"binary.bin":         "\x00\x01",
		"sub/page.html":      "<p>page</p>",
		".git/config":        "hidden",
		"sub/.cache/tmp.txt": "hidden too",
	})

	requests, err := gatherRequests([]string{root}, "")

	require.NoError(t, err)
	var names []string
	for _, req := range requests {
		assert.True(t, filepath.IsAbs(req.SourceURI))
		assert.Empty(t, req.MIMEType)
		names = append(names, filepath.Base(req.SourceURI))
	}
	assert.ElementsMatch(t, []string{"notes.txt", "guide.md", "page.html"}, names)
}

func TestGatherRequestsKeepsExplicitFiles(t *testing.T) {
	root := writeTree(t, map[string]string{"data.bin": "not a document"})
	target := filepath.Join(root, "data.bin")

	requests, err := gatherRequests([]string{target}, "")

	// Explicit files are passed through so the pipeline reports the
	// unsupported format instead of silently dropping the file.
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, []byte("not a document"), requests[0].Data)
}

func TestGatherRequestsForcedMIME(t *testing.T) {
	root := writeTree(t, map[string]string{"readme": "no extension"})

	requests, err := gatherRequests([]string{filepath.Join(root, "readme")}, "text/plain")

	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "text/plain", requests[0].MIMEType)
}

func TestGatherRequestsMissingPath(t *testing.T) {
	_, err := gatherRequests([]string{filepath.Join(t.TempDir(), "absent.txt")}, "")

	assert.Error(t, err)
}
