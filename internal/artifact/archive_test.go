package artifact

import (
	"bytes"
	"ciengine/internal/testutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpack_RoundTrip(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{
		"index.html":     "home",
		"docs/page.html": "page",
		"docs/style.css": "css",
	})

	var buf bytes.Buffer
	require.NoError(t, PackDir(&buf, src))

	dest := t.TempDir()
	names, err := Unpack(bytes.NewReader(buf.Bytes()), dest, func(name string) bool {
		return strings.HasSuffix(name, ".html")
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"index.html", "docs/page.html"}, names)
	assert.Equal(t, map[string]string{"index.html": "home", "docs/page.html": "page"}, testutil.ReadTree(t, dest))
}

func TestPack_Deterministic(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{"a.txt": "a", "b/c.txt": "c"})

	var first, second bytes.Buffer
	require.NoError(t, PackDir(&first, src))
	require.NoError(t, PackDir(&second, src))
	assert.Equal(t, first.Bytes(), second.Bytes())
}

func TestUnpack_RejectsTraversal(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{"evil.txt": "x"})

	var buf bytes.Buffer
	require.NoError(t, Pack(&buf, []File{{Name: "../evil.txt", Path: filepath.Join(src, "evil.txt")}}))

	_, err := Unpack(&buf, t.TempDir(), nil)
	assert.ErrorContains(t, err, "invalid path in archive")
}
