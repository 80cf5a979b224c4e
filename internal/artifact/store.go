// Package artifact implements the run-scoped artifact store: publish rules
// against a workspace, fetch rules into a dependent's workspace.
//
// A run's record is a manifest object listing its entries plus one object
// per entry. The manifest is written last, so a failed publish leaves no
// visible partial state.
package artifact

import (
	"bytes"
	"ciengine/internal/apperrors"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one stored artifact file.
type Entry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

type manifest struct {
	RunID     string    `json:"runId"`
	Entries   []Entry   `json:"entries"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FetchOptions controls how fetched entries land in the destination.
type FetchOptions struct {
	// CleanDestination removes everything in the destination before the
	// fetched files are moved in. Without it fetched files are merged.
	CleanDestination bool
}

// Store publishes and fetches run artifacts on a Backend.
type Store struct {
	backend Backend
	logger  *slog.Logger

	// serializes manifest read-modify-write per store
	mu sync.Mutex
}

// NewStore creates a store on backend.
func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		logger:  slog.With("component", "artifacts"),
	}
}

func manifestKey(runID string) string { return runID + "/manifest.json" }
func entryKey(runID, p string) string  { return runID + "/files/" + p }

// staged is an entry ready to upload.
type staged struct {
	Entry
	local string
}

// Publish copies the workspace files matched by rules into runID's record.
// Re-publishing identical content is a no-op; changing the content of an
// existing entry fails with a conflict and stores nothing. The full entry
// set of the record is returned.
func (s *Store) Publish(ctx context.Context, runID string, rules []Rule, sourceTree string) ([]Entry, error) {
	tmpDir, err := os.MkdirTemp("", "ciengine-publish-*")
	if err != nil {
		return nil, apperrors.Internal("artifact.publish", err)
	}
	defer os.RemoveAll(tmpDir)

	items, err := s.stage(runID, rules, sourceTree, tmpDir)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load(ctx, runID)
	if err != nil && !errors.Is(err, ErrNotExist) {
		return nil, apperrors.Internal("artifact.publish", err)
	}
	existing := make(map[string]Entry, len(current.Entries))
	for _, e := range current.Entries {
		existing[e.Path] = e
	}

	var fresh []staged
	for _, it := range items {
		if prev, ok := existing[it.Path]; ok {
			if prev.SHA256 != it.SHA256 {
				return nil, apperrors.Conflict("artifact", runID+"/"+it.Path, "already published with different content")
			}
			continue
		}
		fresh = append(fresh, it)
	}

	if len(fresh) == 0 && current.RunID != "" {
		return current.Entries, nil
	}

	for _, it := range fresh {
		if err := s.upload(ctx, runID, it); err != nil {
			return nil, apperrors.Internal("artifact.publish", err)
		}
		existing[it.Path] = it.Entry
	}

	next := manifest{RunID: runID, UpdatedAt: time.Now().UTC()}
	for _, e := range existing {
		next.Entries = append(next.Entries, e)
	}
	sort.Slice(next.Entries, func(i, j int) bool { return next.Entries[i].Path < next.Entries[j].Path })

	data, err := json.Marshal(next)
	if err != nil {
		return nil, apperrors.Internal("artifact.publish", err)
	}
	if err := s.backend.Put(ctx, manifestKey(runID), bytes.NewReader(data), int64(len(data))); err != nil {
		return nil, apperrors.Internal("artifact.publish", err)
	}

	s.logger.Info("Artifacts published", "runId", runID, "new", len(fresh), "entries", len(next.Entries))
	return next.Entries, nil
}

// stage resolves rules against the workspace, packing archive targets into
// tmpDir, and hashes every resulting entry.
func (s *Store) stage(runID string, rules []Rule, sourceTree, tmpDir string) ([]staged, error) {
	includes, excludes := Split(rules)
	skip := make([]string, 0, len(excludes))
	for _, r := range excludes {
		skip = append(skip, DirPattern(sourceTree, r.Pattern))
	}

	byPath := make(map[string]staged)
	var order []string

	add := func(it staged) error {
		if prev, ok := byPath[it.Path]; ok {
			if prev.SHA256 != it.SHA256 {
				return apperrors.Conflict("artifact", it.Path, "two rules produce different content for the same path")
			}
			return nil
		}
		byPath[it.Path] = it
		order = append(order, it.Path)
		return nil
	}

	for i, rule := range includes {
		pattern := DirPattern(sourceTree, rule.Pattern)
		matched, err := Collect(sourceTree, pattern)
		if err != nil {
			return nil, apperrors.Internal("artifact.publish", err)
		}
		files := matched[:0]
		for _, f := range matched {
			if !Excluded(skip, f) {
				files = append(files, f)
			}
		}
		if len(files) == 0 {
			s.logger.Warn("Artifact rule matched nothing", "runId", runID, "rule", rule.String())
			continue
		}

		if rule.Packs() {
			packed := make([]File, 0, len(files))
			for _, f := range files {
				packed = append(packed, File{Name: RelativeTo(pattern, f), Path: filepath.Join(sourceTree, filepath.FromSlash(f))})
			}
			local := filepath.Join(tmpDir, fmt.Sprintf("rule-%d%s", i, archiveSuffix))
			if err := packTo(local, packed); err != nil {
				return nil, apperrors.Internal("artifact.publish", err)
			}
			it, err := describe(rule.Target, local)
			if err != nil {
				return nil, err
			}
			if err := add(it); err != nil {
				return nil, err
			}
			continue
		}

		for _, f := range files {
			name := RelativeTo(pattern, f)
			if rule.Target != "" {
				name = path.Join(rule.Target, name)
			}
			it, err := describe(name, filepath.Join(sourceTree, filepath.FromSlash(f)))
			if err != nil {
				return nil, err
			}
			if err := add(it); err != nil {
				return nil, err
			}
		}
	}

	items := make([]staged, 0, len(order))
	for _, p := range order {
		items = append(items, byPath[p])
	}
	return items, nil
}

func packTo(local string, files []File) error {
	f, err := os.Create(local)
	if err != nil {
		return err
	}
	if err := Pack(f, files); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func describe(name, local string) (staged, error) {
	f, err := os.Open(local)
	if err != nil {
		return staged{}, apperrors.Internal("artifact.publish", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return staged{}, apperrors.Internal("artifact.publish", err)
	}
	return staged{
		Entry: Entry{Path: name, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))},
		local: local,
	}, nil
}

func (s *Store) upload(ctx context.Context, runID string, it staged) error {
	f, err := os.Open(it.local)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.backend.Put(ctx, entryKey(runID, it.Path), f, it.Size)
}

func (s *Store) load(ctx context.Context, runID string) (manifest, error) {
	rc, err := s.backend.Get(ctx, manifestKey(runID))
	if err != nil {
		return manifest{}, err
	}
	defer rc.Close()

	var m manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return manifest{}, fmt.Errorf("corrupt manifest for run %s: %w", runID, err)
	}
	return m, nil
}

// List returns runID's entries. A run without a record has none.
func (s *Store) List(ctx context.Context, runID string) ([]Entry, error) {
	m, err := s.load(ctx, runID)
	if errors.Is(err, ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, apperrors.Internal("artifact.list", err)
	}
	return m.Entries, nil
}

// Delete removes runID's record.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if runID == "" || validatePath(runID) != nil || strings.Contains(runID, "/") {
		return apperrors.Validation("runId", "invalid run id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.DeletePrefix(ctx, runID+"/"); err != nil {
		return apperrors.Internal("artifact.delete", err)
	}
	return nil
}

// Fetch copies the entries of runID matched by rules into dest. Every rule
// must match at least one entry, otherwise ArtifactNotFound is returned and
// dest is left untouched: files are staged next to dest and moved in only
// once everything has been downloaded.
func (s *Store) Fetch(ctx context.Context, runID string, rules []Rule, dest string, opts FetchOptions) ([]Entry, error) {
	m, err := s.load(ctx, runID)
	if errors.Is(err, ErrNotExist) {
		return nil, apperrors.ArtifactNotFound(runID, joinRules(rules))
	}
	if err != nil {
		return nil, apperrors.Internal("artifact.fetch", err)
	}

	names := make([]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		names = append(names, e.Path)
	}
	includes, excludes := Split(rules)
	skip := make([]string, 0, len(excludes))
	for _, r := range excludes {
		skip = append(skip, EntryPattern(r.Pattern, names))
	}

	type selection struct {
		rule    Rule
		pattern string
		entries []Entry
	}
	selections := make([]selection, 0, len(includes))
	for _, rule := range includes {
		pattern := EntryPattern(rule.Pattern, names)
		var matched []Entry
		for _, e := range m.Entries {
			if Match(pattern, e.Path) && !Excluded(skip, e.Path) {
				matched = append(matched, e)
			}
		}
		if len(matched) == 0 {
			return nil, apperrors.ArtifactNotFound(runID, rule.String())
		}
		selections = append(selections, selection{rule: rule, pattern: pattern, entries: matched})
	}

	parent := filepath.Dir(filepath.Clean(dest))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, apperrors.Internal("artifact.fetch", err)
	}
	stageDir, err := os.MkdirTemp(parent, ".fetch-*")
	if err != nil {
		return nil, apperrors.Internal("artifact.fetch", err)
	}
	defer os.RemoveAll(stageDir)

	var fetched []Entry
	for _, sel := range selections {
		target := filepath.Join(stageDir, filepath.FromSlash(sel.rule.Target))
		if sel.rule.Inner != "" {
			n, err := s.extract(ctx, runID, sel.rule, sel.entries, target)
			if err != nil {
				return nil, err
			}
			if n == 0 {
				return nil, apperrors.ArtifactNotFound(runID, sel.rule.String())
			}
			fetched = append(fetched, sel.entries...)
			continue
		}
		for _, e := range sel.entries {
			local := filepath.Join(target, filepath.FromSlash(RelativeTo(sel.pattern, e.Path)))
			if err := s.download(ctx, runID, e, local); err != nil {
				return nil, err
			}
			fetched = append(fetched, e)
		}
	}

	if opts.CleanDestination {
		if err := os.RemoveAll(dest); err != nil {
			return nil, apperrors.Internal("artifact.fetch", err)
		}
	}
	if err := moveTree(stageDir, dest); err != nil {
		return nil, apperrors.Internal("artifact.fetch", err)
	}

	s.logger.Debug("Artifacts fetched", "runId", runID, "entries", len(fetched), "dest", dest, "clean", opts.CleanDestination)
	return fetched, nil
}

func (s *Store) download(ctx context.Context, runID string, e Entry, local string) error {
	rc, err := s.backend.Get(ctx, entryKey(runID, e.Path))
	if errors.Is(err, ErrNotExist) {
		return apperrors.ArtifactNotFound(runID, e.Path)
	}
	if err != nil {
		return apperrors.Internal("artifact.fetch", err)
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return apperrors.Internal("artifact.fetch", err)
	}
	f, err := os.Create(local)
	if err != nil {
		return apperrors.Internal("artifact.fetch", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return apperrors.Internal("artifact.fetch", err)
	}
	if err := f.Close(); err != nil {
		return apperrors.Internal("artifact.fetch", err)
	}
	return nil
}

// extract unpacks the inner pattern of every matched archive entry.
func (s *Store) extract(ctx context.Context, runID string, rule Rule, entries []Entry, target string) (int, error) {
	total := 0
	for _, e := range entries {
		rc, err := s.backend.Get(ctx, entryKey(runID, e.Path))
		if errors.Is(err, ErrNotExist) {
			return 0, apperrors.ArtifactNotFound(runID, e.Path)
		}
		if err != nil {
			return 0, apperrors.Internal("artifact.fetch", err)
		}
		names, err := Unpack(rc, target, func(name string) bool { return Match(rule.Inner, name) })
		rc.Close()
		if err != nil {
			return 0, apperrors.Internal("artifact.fetch", err)
		}
		total += len(names)
	}
	return total, nil
}

// moveTree moves every file below src into dst, replacing existing files.
func moveTree(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil || rel == "." {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		return os.Rename(p, target)
	})
}

func joinRules(rules []Rule) string {
	parts := make([]string, 0, len(rules))
	for _, r := range rules {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ", ")
}
