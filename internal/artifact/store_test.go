package artifact

import (
	"bytes"
	"ciengine/internal/apperrors"
	"ciengine/internal/testutil"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFSStore(t *testing.T) *Store {
	t.Helper()
	backend, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)
	return NewStore(backend)
}

func mustRules(t *testing.T, specs ...string) []Rule {
	t.Helper()
	rules, err := ParseRules("rules", specs)
	require.NoError(t, err)
	return rules
}

func TestStore_PublishAndFetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFSStore(t)

	ws := t.TempDir()
	testutil.WriteTree(t, ws, map[string]string{
		"dist/index.html":   "home",
		"dist/css/site.css": "css",
		"build.log":         "noise",
	})

	entries, err := store.Publish(ctx, "run-1", mustRules(t, "dist/** => site"), ws)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "site/css/site.css", entries[0].Path)
	assert.Equal(t, "site/index.html", entries[1].Path)

	dest := filepath.Join(t.TempDir(), "deps", "web")
	fetched, err := store.Fetch(ctx, "run-1", mustRules(t, "site/**"), dest, FetchOptions{})
	require.NoError(t, err)
	assert.Len(t, fetched, 2)
	assert.Equal(t, map[string]string{"index.html": "home", "css/site.css": "css"}, testutil.ReadTree(t, dest))
}

func TestStore_RepublishIdenticalIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFSStore(t)
	ws := t.TempDir()
	testutil.WriteTree(t, ws, map[string]string{"out/app.bin": "v1"})
	rules := mustRules(t, "out/**")

	first, err := store.Publish(ctx, "run-1", rules, ws)
	require.NoError(t, err)
	second, err := store.Publish(ctx, "run-1", rules, ws)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	listed, err := store.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, first, listed)
}

func TestStore_RepublishDifferentContentConflicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFSStore(t)
	ws := t.TempDir()
	testutil.WriteTree(t, ws, map[string]string{"out/app.bin": "v1"})
	rules := mustRules(t, "out/**")

	_, err := store.Publish(ctx, "run-1", rules, ws)
	require.NoError(t, err)

	testutil.WriteTree(t, ws, map[string]string{"out/app.bin": "v2", "out/extra.txt": "new"})
	_, err = store.Publish(ctx, "run-1", rules, ws)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	listed, err := store.List(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, listed, 1, "a rejected publish stores nothing")
	assert.Equal(t, "app.bin", listed[0].Path)
}

func TestStore_PackedTargetAndInnerFetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFSStore(t)
	ws := t.TempDir()
	testutil.WriteTree(t, ws, map[string]string{
		"public/index.html":     "home",
		"public/blog/post.html": "post",
		"public/img/logo.png":   "png",
	})

	entries, err := store.Publish(ctx, "run-1", mustRules(t, "public/** => site.tar.gz"), ws)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "site.tar.gz", entries[0].Path)

	dest := t.TempDir()
	_, err = store.Fetch(ctx, "run-1", mustRules(t, "site.tar.gz!**/*.html => www"), dest, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"www/index.html": "home", "www/blog/post.html": "post"}, testutil.ReadTree(t, dest))
}

func TestStore_FetchMissingRecordLeavesDestinationUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFSStore(t)

	dest := t.TempDir()
	testutil.WriteTree(t, dest, map[string]string{"stale/old.txt": "keep me"})

	_, err := store.Fetch(ctx, "never-published", mustRules(t, "**"), dest, FetchOptions{CleanDestination: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrArtifactNotFound))
	assert.Equal(t, map[string]string{"stale/old.txt": "keep me"}, testutil.ReadTree(t, dest))
}

func TestStore_FetchUnmatchedRuleLeavesDestinationUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFSStore(t)
	ws := t.TempDir()
	testutil.WriteTree(t, ws, map[string]string{"dist/a.txt": "a"})
	_, err := store.Publish(ctx, "run-1", mustRules(t, "dist/**"), ws)
	require.NoError(t, err)

	dest := t.TempDir()
	testutil.WriteTree(t, dest, map[string]string{"old.txt": "old"})

	_, err = store.Fetch(ctx, "run-1", mustRules(t, "a.txt", "reports/*.xml"), dest, FetchOptions{CleanDestination: true})
	assert.True(t, errors.Is(err, apperrors.ErrArtifactNotFound))
	assert.Equal(t, map[string]string{"old.txt": "old"}, testutil.ReadTree(t, dest))
}

func TestStore_CleanDestination(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFSStore(t)
	ws := t.TempDir()
	testutil.WriteTree(t, ws, map[string]string{"dist/new.txt": "new"})
	_, err := store.Publish(ctx, "run-1", mustRules(t, "dist/**"), ws)
	require.NoError(t, err)

	merged := t.TempDir()
	testutil.WriteTree(t, merged, map[string]string{"stale.txt": "stale"})
	_, err = store.Fetch(ctx, "run-1", mustRules(t, "**"), merged, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"stale.txt": "stale", "new.txt": "new"}, testutil.ReadTree(t, merged))

	cleaned := t.TempDir()
	testutil.WriteTree(t, cleaned, map[string]string{"stale.txt": "stale"})
	_, err = store.Fetch(ctx, "run-1", mustRules(t, "**"), cleaned, FetchOptions{CleanDestination: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"new.txt": "new"}, testutil.ReadTree(t, cleaned))
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFSStore(t)
	ws := t.TempDir()
	testutil.WriteTree(t, ws, map[string]string{"a.txt": "a"})
	_, err := store.Publish(ctx, "run-1", mustRules(t, "*.txt"), ws)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "run-1"))

	listed, err := store.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, listed)

	assert.Error(t, store.Delete(ctx, "../escape"))
}

func TestStore_DirectoryRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFSStore(t)
	ws := t.TempDir()
	testutil.WriteTree(t, ws, map[string]string{
		"public/index.html": "home",
		"public/css/a.css":  "css",
		"content/post.md":   "draft",
	})

	entries, err := store.Publish(ctx, "run-1", mustRules(t, "public => website"), ws)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "website/css/a.css", entries[0].Path)
	assert.Equal(t, "website/index.html", entries[1].Path)

	dest := t.TempDir()
	testutil.WriteTree(t, dest, map[string]string{"stale.html": "old"})
	fetched, err := store.Fetch(ctx, "run-1", mustRules(t, "+:website"), dest, FetchOptions{CleanDestination: true})
	require.NoError(t, err)
	assert.Len(t, fetched, 2)
	assert.Equal(t, map[string]string{"index.html": "home", "css/a.css": "css"}, testutil.ReadTree(t, dest))
}

func TestStore_ExcludeRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFSStore(t)
	ws := t.TempDir()
	testutil.WriteTree(t, ws, map[string]string{
		"dist/app.js":      "js",
		"dist/app.js.map":  "map",
		"dist/drafts/a.md": "draft",
	})

	entries, err := store.Publish(ctx, "run-1", mustRules(t, "dist", "-:**/*.map"), ws)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "app.js", entries[0].Path)
	assert.Equal(t, "drafts/a.md", entries[1].Path)

	dest := t.TempDir()
	_, err = store.Fetch(ctx, "run-1", mustRules(t, "**", "-:drafts"), dest, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"app.js": "js"}, testutil.ReadTree(t, dest))

	_, err = store.Fetch(ctx, "run-1", mustRules(t, "drafts", "-:**/*.md"), t.TempDir(), FetchOptions{})
	assert.True(t, errors.Is(err, apperrors.ErrArtifactNotFound))
}

func TestStore_PublishWarnsOnEmptyRule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFSStore(t)
	var buf bytes.Buffer
	store.logger = slog.New(slog.NewTextHandler(&buf, nil))

	ws := t.TempDir()
	testutil.WriteTree(t, ws, map[string]string{"a.txt": "a"})
	_, err := store.Publish(ctx, "run-7", mustRules(t, "*.txt", "missing/**"), ws)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "Artifact rule matched nothing")
	assert.Contains(t, out, "runId=run-7")
	assert.Contains(t, out, "missing/**")
}
