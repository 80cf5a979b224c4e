// Package vcs watches a git repository for new commits and checks
// revisions out into run workspaces.
package vcs

import (
	"ciengine/internal/run"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// Sink receives the changes a poll discovers, oldest first per branch.
type Sink interface {
	OnChange(ctx context.Context, change run.Change)
}

// Poller compares branch heads of a repository between polls.
type Poller struct {
	repo       *git.Repository
	remote     string
	root       string
	maxCommits int
	sink       Sink
	logger     *slog.Logger

	mu    sync.Mutex
	heads map[string]plumbing.Hash
	// primed is false until the first poll recorded a baseline.
	primed bool
}

// NewPoller opens the repository at cfg.RepoPath.
func NewPoller(cfg Config, sink Sink) (*Poller, error) {
	cfg = cfg.withDefaults()
	repo, err := git.PlainOpen(cfg.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", cfg.RepoPath, err)
	}
	return &Poller{
		repo:       repo,
		remote:     cfg.Remote,
		root:       cfg.Root,
		maxCommits: cfg.MaxCommits,
		sink:       sink,
		logger:     slog.With("component", "vcs", "repo", cfg.RepoPath),
		heads:      make(map[string]plumbing.Hash),
	}, nil
}

// Run polls every interval until ctx is done.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	if _, err := p.Poll(ctx); err != nil {
		p.logger.Error("Poll failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("Poll failed", "error", err)
			}
		}
	}
}

// Poll fetches (when a remote is configured), then hands every commit that
// appeared since the previous poll to the sink. The first poll only
// records the current heads.
func (p *Poller) Poll(ctx context.Context) ([]run.Change, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remote != "" {
		if err := p.fetch(ctx); err != nil {
			return nil, err
		}
	}

	heads, err := p.branchHeads()
	if err != nil {
		return nil, err
	}

	var changes []run.Change
	if p.primed {
		branches := make([]string, 0, len(heads))
		for b := range heads {
			branches = append(branches, b)
		}
		sort.Strings(branches)
		for _, branch := range branches {
			head := heads[branch]
			prev, known := p.heads[branch]
			if known && prev == head {
				continue
			}
			found, err := p.newCommits(branch, head, prev, known)
			if err != nil {
				return nil, err
			}
			changes = append(changes, found...)
		}
	}
	p.heads = heads
	p.primed = true

	for i := range changes {
		changes[i].Root = p.root
	}
	for _, c := range changes {
		p.logger.Info("Change detected", "branch", c.Branch, "revision", c.Revision, "author", c.Author)
		if p.sink != nil {
			p.sink.OnChange(ctx, c)
		}
	}
	return changes, nil
}

func (p *Poller) fetch(ctx context.Context) error {
	err := p.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: p.remote,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", p.remote))},
		Prune:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch from %s: %w", p.remote, err)
	}
	return nil
}

// branchHeads lists local branches, or the remote's branches when polling
// a remote.
func (p *Poller) branchHeads() (map[string]plumbing.Hash, error) {
	refs, err := p.repo.References()
	if err != nil {
		return nil, fmt.Errorf("failed to list references: %w", err)
	}
	defer refs.Close()

	heads := make(map[string]plumbing.Hash)
	prefix := p.remote + "/"
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name := ref.Name()
		switch {
		case p.remote == "" && name.IsBranch():
			heads[name.Short()] = ref.Hash()
		case p.remote != "" && name.IsRemote() && strings.HasPrefix(name.Short(), prefix):
			branch := strings.TrimPrefix(name.Short(), prefix)
			if branch != "HEAD" {
				heads[branch] = ref.Hash()
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return heads, nil
}

// newCommits walks back from head until prev. A new branch yields its head
// commit only; a rewritten branch whose old head is unreachable yields at
// most maxCommits commits.
func (p *Poller) newCommits(branch string, head, prev plumbing.Hash, known bool) ([]run.Change, error) {
	if !known {
		c, err := p.repo.CommitObject(head)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", head, err)
		}
		return []run.Change{toChange(branch, c)}, nil
	}

	iter, err := p.repo.Log(&git.LogOptions{From: head})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", branch, err)
	}
	defer iter.Close()

	var found []run.Change
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == prev || len(found) >= p.maxCommits {
			return storer.ErrStop
		}
		found = append(found, toChange(branch, c))
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(found)
	return found, nil
}

// Heads returns the branch heads recorded by the last poll.
func (p *Poller) Heads() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.heads))
	for b, h := range p.heads {
		out[b] = h.String()
	}
	return out
}

func toChange(branch string, c *object.Commit) run.Change {
	author := c.Author.Email
	if author == "" {
		author = c.Author.Name
	}
	msg, _, _ := strings.Cut(c.Message, "\n")
	return run.Change{
		Revision: c.Hash.String(),
		Branch:   branch,
		Author:   author,
		Message:  msg,
		Time:     c.Author.When,
	}
}
