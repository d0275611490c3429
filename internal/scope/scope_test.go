package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"docs/x.md":    "/docs/x.md",
		"/docs/":       "/docs",
		"/docs//a.md":  "/docs/a.md",
		"/":            "/",
		" /notes.md  ": "/notes.md",
	}
	for in, want := range cases {
		got, err := Normalize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "   ", "/docs/../etc", "a\\b"} {
		_, err := Normalize(bad)
		assert.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}

func TestMatchesFolderRecursion(t *testing.T) {
	assert.True(t, Matches("folder", "/docs", true, "/docs/x.md"))
	assert.True(t, Matches("folder", "/docs", true, "/docs/guides/x.md"))
	assert.True(t, Matches("folder", "/docs", false, "/docs/x.md"))
	assert.False(t, Matches("folder", "/docs", false, "/docs/guides/x.md"))
	assert.False(t, Matches("folder", "/docs", true, "/other/x.md"))
	assert.False(t, Matches("folder", "/docs", true, "/docsx/x.md"))
	assert.False(t, Matches("folder", "/docs", false, "/docs"))
	assert.True(t, Matches("folder", "/docs", true, "/docs"))
}

func TestMatchesFileAndWorkspace(t *testing.T) {
	assert.True(t, Matches("file", "/docs/x.md", false, "/docs/x.md"))
	assert.False(t, Matches("file", "/docs/x.md", true, "/docs/y.md"))
	assert.True(t, Matches("workspace", "", true, "/a/b/c.md"))
	assert.True(t, Matches("workspace", "/", false, "/c.md"))
	assert.False(t, Matches("workspace", "/", false, "/a/c.md"))
	assert.False(t, Matches("bogus", "/", true, "/c.md"))
}

func TestContainsAndWithin(t *testing.T) {
	assert.True(t, Contains("workspace", "/", "/any/where.md"))
	assert.True(t, Contains("folder", "/docs", "/docs"))
	assert.True(t, Contains("folder", "/docs", "/docs/a/b.md"))
	assert.False(t, Contains("folder", "/docs", "/notes.md"))
	assert.False(t, Contains("file", "/a.md", "/b.md"))

	assert.True(t, Within("folder", "/docs", "folder", "/docs/guides"))
	assert.True(t, Within("folder", "/docs", "file", "/docs/a.md"))
	assert.False(t, Within("folder", "/docs", "workspace", "/"))
	assert.False(t, Within("file", "/docs/a.md", "folder", "/docs"))
}
