// Package github provides a rate-limit-aware, typed wrapper over the parts
// of the GitHub REST API the scan pipeline needs: HEAD commits, commit
// comparison, recursive trees, and file content.
package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v73/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/sevigo/docbias-scanner/internal/core"
)

// ChangeType is the status of a file between two commits, or between the
// tree and a recorded baseline.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
	ChangeRenamed  ChangeType = "renamed"
)

// FileChange is one entry of a CompareResult.
type FileChange struct {
	Filename string
	SHA      string
	Status   ChangeType
}

// CompareResult is the response shape of compare_commits.
type CompareResult struct {
	Files []FileChange
}

// TreeEntryType distinguishes a file from a directory in a recursive tree.
type TreeEntryType string

const (
	TreeEntryBlob TreeEntryType = "blob"
	TreeEntryTree TreeEntryType = "tree"
)

// TreeEntry is one entry of a Tree.
type TreeEntry struct {
	Path string
	SHA  string
	Type TreeEntryType
}

// Tree is the response shape of tree().
type Tree struct {
	Entries []TreeEntry
}

// RepoRef identifies a parsed GitHub repository URL.
type RepoRef struct {
	Owner  string
	Repo   string
	Branch string
	Path   string
}

//go:generate mockgen -destination=../../mocks/mock_github_client.go -package=mocks . Client

// Client defines the GitHub Access operations (C1) consumed by the
// Discovery Engine and Scoring Pipeline.
type Client interface {
	HeadCommit(ctx context.Context, owner, repo, branch string) (sha string, notFound bool, err error)
	CompareCommits(ctx context.Context, owner, repo, baseSHA, headSHA string) (*CompareResult, error)
	Tree(ctx context.Context, owner, repo, sha, path string, recursive bool) (*Tree, error)
	FileContent(ctx context.Context, owner, repo, path, branch string) ([]byte, error)
}

var repoURLPattern = regexp.MustCompile(`^https://github\.com/([^/]+)/([^/]+?)(?:\.git)?(?:/tree/([^/]+)(?:/(.*))?)?/?$`)

// ParseURL parses a GitHub repository URL into {owner, repo, branch, path}.
// Returns a *core.InvalidURL error when the URL does not match the expected
// shape.
func ParseURL(url string) (RepoRef, error) {
	m := repoURLPattern.FindStringSubmatch(strings.TrimSpace(url))
	if m == nil {
		return RepoRef{}, &core.InvalidURL{URL: url}
	}
	ref := RepoRef{Owner: m[1], Repo: m[2], Branch: m[3], Path: m[4]}
	if ref.Branch == "" {
		ref.Branch = "main"
	}
	return ref, nil
}

// RepoCache memoizes repository metadata lookups to avoid redundant GitHub
// API calls across discovery runs against the same repo.
type RepoCache struct {
	mu    sync.Mutex
	repos map[string]*github.Repository
}

func NewRepoCache() *RepoCache {
	return &RepoCache{repos: make(map[string]*github.Repository)}
}

func (c *RepoCache) get(key string) (*github.Repository, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.repos[key]
	return r, ok
}

func (c *RepoCache) put(key string, r *github.Repository) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repos[key] = r
}

type gitHubClient struct {
	client    *github.Client
	logger    *slog.Logger
	cache     *RepoCache
	throttle  *rate.Limiter
}

// NewGitHubClient wraps the official go-github client with the rate-limit
// discipline and RepoCache the scan pipeline requires.
func NewGitHubClient(client *github.Client, logger *slog.Logger) Client {
	return &gitHubClient{
		client:   client,
		logger:   logger,
		cache:    NewRepoCache(),
		throttle: rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
	}
}

// NewPATClient creates a GitHub client authenticated with a personal access
// token, used for the public-mirror fallback and when no GitHub App is
// configured.
func NewPATClient(ctx context.Context, token string, logger *slog.Logger) Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return NewGitHubClient(github.NewClient(tc), logger)
}

// waitForBudget inspects the last response's rate-limit headers and, if
// remaining capacity is under 100, sleeps until reset+60s as specified.
func (g *gitHubClient) waitForBudget(ctx context.Context, resp *github.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining >= 100 {
		return
	}
	wait := time.Until(resp.Rate.Reset.Time) + 60*time.Second
	if wait <= 0 {
		return
	}
	g.logger.Warn("github rate limit low, sleeping", "remaining", resp.Rate.Remaining, "wait", wait)
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

// repository fetches repo metadata through the RepoCache, avoiding a
// redundant lookup when the same (owner, repo) is queried repeatedly across
// a discovery run (e.g. to resolve an empty branch to the repo's default).
func (g *gitHubClient) repository(ctx context.Context, owner, repo string) (*github.Repository, error) {
	key := owner + "/" + repo
	if r, ok := g.cache.get(key); ok {
		return r, nil
	}
	if err := g.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	r, resp, err := g.client.Repositories.Get(ctx, owner, repo)
	g.waitForBudget(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", key, err)
	}
	g.cache.put(key, r)
	return r, nil
}

// HeadCommit fetches the current HEAD sha for a branch, distinguishing 404
// (repo/branch not found, triggering public-mirror fallback) from transport
// errors (retried by the caller). An empty branch resolves to the repo's
// default branch via the cached repository lookup.
func (g *gitHubClient) HeadCommit(ctx context.Context, owner, repo, branch string) (string, bool, error) {
	if branch == "" {
		r, err := g.repository(ctx, owner, repo)
		if err != nil {
			return "", false, err
		}
		branch = r.GetDefaultBranch()
	}
	if err := g.throttle.Wait(ctx); err != nil {
		return "", false, err
	}
	b, resp, err := g.client.Repositories.GetBranch(ctx, owner, repo, branch, 1)
	g.waitForBudget(ctx, resp)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", true, nil
		}
		return "", false, fmt.Errorf("get branch %s/%s@%s: %w", owner, repo, branch, err)
	}
	return b.GetCommit().GetSHA(), false, nil
}

// CompareCommits wraps GitHub's compare-two-commits endpoint.
func (g *gitHubClient) CompareCommits(ctx context.Context, owner, repo, baseSHA, headSHA string) (*CompareResult, error) {
	if err := g.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	cmp, resp, err := g.client.Repositories.CompareCommits(ctx, owner, repo, baseSHA, headSHA, nil)
	g.waitForBudget(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("compare commits %s..%s: %w", baseSHA, headSHA, err)
	}
	out := &CompareResult{}
	for _, f := range cmp.Files {
		out.Files = append(out.Files, FileChange{
			Filename: f.GetFilename(),
			SHA:      f.GetSHA(),
			Status:   ChangeType(f.GetStatus()),
		})
	}
	return out, nil
}

// Tree fetches a recursive tree. When path is non-root it walks the parent
// tree one path segment at a time so a scoped discovery doesn't pay for the
// whole repository's tree.
func (g *gitHubClient) Tree(ctx context.Context, owner, repo, sha, path string, recursive bool) (*Tree, error) {
	treeSHA := sha
	if path != "" {
		resolved, err := g.resolvePathSHA(ctx, owner, repo, sha, path)
		if err != nil {
			return nil, err
		}
		treeSHA = resolved
	}

	if err := g.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	t, resp, err := g.client.Git.GetTree(ctx, owner, repo, treeSHA, recursive)
	g.waitForBudget(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("get tree %s: %w", treeSHA, err)
	}
	out := &Tree{}
	for _, e := range t.Entries {
		out.Entries = append(out.Entries, TreeEntry{
			Path: e.GetPath(),
			SHA:  e.GetSHA(),
			Type: TreeEntryType(e.GetType()),
		})
	}
	return out, nil
}

// resolvePathSHA walks the tree one segment at a time to find the sha of
// the subtree rooted at path, avoiding a full-repo tree fetch.
func (g *gitHubClient) resolvePathSHA(ctx context.Context, owner, repo, sha, path string) (string, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	current := sha
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if err := g.throttle.Wait(ctx); err != nil {
			return "", err
		}
		t, resp, err := g.client.Git.GetTree(ctx, owner, repo, current, false)
		g.waitForBudget(ctx, resp)
		if err != nil {
			return "", fmt.Errorf("walk tree segment %q: %w", seg, err)
		}
		found := false
		for _, e := range t.Entries {
			if e.GetPath() == seg && e.GetType() == string(TreeEntryTree) {
				current = e.GetSHA()
				found = true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("path segment %q not found under %s", seg, path)
		}
	}
	return current, nil
}

// FileContent fetches the raw bytes of a single file at a branch.
func (g *gitHubClient) FileContent(ctx context.Context, owner, repo, path, branch string) ([]byte, error) {
	if err := g.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	fileContent, _, resp, err := g.client.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: branch})
	g.waitForBudget(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("get contents %s@%s: %w", path, branch, err)
	}
	if fileContent == nil {
		return nil, fmt.Errorf("path %s is a directory, not a file", path)
	}
	if fileContent.GetEncoding() == "base64" {
		raw, err := base64.StdEncoding.DecodeString(fileContent.GetContent())
		if err != nil {
			return nil, fmt.Errorf("decode base64 content for %s: %w", path, err)
		}
		return raw, nil
	}
	content, err := fileContent.GetContent()
	if err != nil {
		return nil, fmt.Errorf("get content for %s: %w", path, err)
	}
	return []byte(content), nil
}
