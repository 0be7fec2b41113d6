package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"github.com/google/go-github/v81/github"

	"github.com/bull/shardsearch/internal/apperr"
)

// NewGitHubClient creates a GitHub client that waits out primary and
// secondary rate limits. If GITHUB_TOKEN is set, the client is authenticated.
func NewGitHubClient() (*github.Client, error) {
	rateLimiter, err := github_ratelimit.NewRateLimitWaiterClient(nil)
	if err != nil {
		return nil, err
	}

	client := github.NewClient(rateLimiter)
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		client = client.WithAuthToken(token)
	}
	return client, nil
}

// GitHubFetcher reads a repository. Partition keys look like
// "repo#owner/name"; sort keys are "endpoint#issues" for the issue tracker
// or "docs#<dir>" for the markdown files below dir.
type GitHubFetcher struct {
	client  *github.Client
	perPage int
	logger  *slog.Logger
}

// NewGitHubFetcher creates a fetcher. perPage is capped at 100 by the API.
func NewGitHubFetcher(client *github.Client, perPage int, logger *slog.Logger) *GitHubFetcher {
	if perPage <= 0 || perPage > 100 {
		perPage = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHubFetcher{client: client, perPage: perPage, logger: logger}
}

// issueDoc is the stored form of an issue.
type issueDoc struct {
	ID        int       `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	State     string    `json:"state"`
	HTMLURL   string    `json:"html_url"`
	Labels    []string  `json:"labels,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// markdownDoc is the stored form of a markdown file.
type markdownDoc struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Content  string    `json:"content"`
	SHA      string    `json:"sha"`
	URL      string    `json:"url"`
	Modified time.Time `json:"modified"`
}

func (f *GitHubFetcher) FetchPage(ctx context.Context, p Partition, pos Position) (*Page, error) {
	kind, repoPath, ok := splitTag(p.Key)
	owner, repo, ok2 := strings.Cut(repoPath, "/")
	if !ok || kind != "repo" || !ok2 || owner == "" || repo == "" {
		return nil, fmt.Errorf("%w: partition key %q must look like repo#owner/name", apperr.ErrValidation, p.Key)
	}
	sk, value, ok := splitTag(p.SortKey)
	switch {
	case ok && sk == "endpoint" && value == "issues":
		return f.fetchIssues(ctx, owner, repo, pos)
	case ok && sk == "docs":
		return f.fetchDocs(ctx, owner, repo, value, pos)
	default:
		return nil, fmt.Errorf("%w: unsupported sort key %q", apperr.ErrValidation, p.SortKey)
	}
}

// fetchIssues pages issues in creation order. The offset counts issues
// already consumed; a partially consumed page is fetched again and its
// consumed prefix skipped.
func (f *GitHubFetcher) fetchIssues(ctx context.Context, owner, repo string, pos Position) (*Page, error) {
	page := int(pos.Offset)/f.perPage + 1
	skip := int(pos.Offset) % f.perPage

	issues, resp, err := f.client.Issues.ListByRepo(ctx, owner, repo, &github.IssueListByRepoOptions{
		State:       "all",
		Sort:        "created",
		Direction:   "asc",
		ListOptions: github.ListOptions{Page: page, PerPage: f.perPage},
	})
	if err != nil {
		return nil, classifyGitHub(err, owner+"/"+repo)
	}
	if skip > len(issues) {
		skip = len(issues)
	}

	next := Position{Offset: pos.Offset, ETag: resp.Header.Get("ETag"), LastModified: pos.LastModified}
	items := make([]Item, 0, len(issues)-skip)
	for _, is := range issues[skip:] {
		doc := issueDoc{
			ID:        is.GetNumber(),
			Title:     is.GetTitle(),
			Body:      is.GetBody(),
			State:     is.GetState(),
			HTMLURL:   is.GetHTMLURL(),
			UpdatedAt: is.GetUpdatedAt().Time.UTC(),
		}
		for _, l := range is.Labels {
			doc.Labels = append(doc.Labels, l.GetName())
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		entity := "issue"
		if is.IsPullRequest() {
			entity = "pull_request"
		}
		items = append(items, Item{EntityType: entity, SourceID: strconv.Itoa(doc.ID), Payload: raw})
		next.LastModified = laterOf(next.LastModified, doc.UpdatedAt)
	}
	next.Offset += int64(len(items))

	return &Page{Items: items, Next: next, Done: resp.NextPage == 0}, nil
}

// fetchDocs returns every markdown file below dir in one page. The ETag is
// the SHA of the latest commit touching dir, so an unchanged directory is
// reported as not modified without listing it.
func (f *GitHubFetcher) fetchDocs(ctx context.Context, owner, repo, dir string, pos Position) (*Page, error) {
	commits, _, err := f.client.Repositories.ListCommits(ctx, owner, repo, &github.CommitsListOptions{
		Path:        dir,
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, classifyGitHub(err, owner+"/"+repo)
	}
	if len(commits) == 0 {
		return nil, fmt.Errorf("%w: no commits found for path %s", apperr.ErrNotFound, dir)
	}
	sha := commits[0].GetSHA()
	committed := commits[0].GetCommit().GetCommitter().GetDate().Time.UTC()
	if sha != "" && sha == pos.ETag {
		return &Page{Next: pos, Done: true, NotModified: true}, nil
	}

	paths, err := f.listDocs(ctx, owner, repo, dir, "")
	if err != nil {
		return nil, err
	}
	f.logger.Debug("listed docs", "repo", owner+"/"+repo, "dir", dir, "count", len(paths))

	items := make([]Item, 0, len(paths))
	for _, rel := range paths {
		full := path.Join(dir, rel)
		file, _, _, err := f.client.Repositories.GetContents(ctx, owner, repo, full, nil)
		if err != nil {
			return nil, classifyGitHub(err, full)
		}
		if file == nil {
			return nil, fmt.Errorf("%w: no file content returned for %s", apperr.ErrTransientIO, full)
		}
		content, err := file.GetContent()
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", apperr.ErrCorruption, full, err)
		}
		raw, err := json.Marshal(markdownDoc{
			Name:     strings.TrimSuffix(path.Base(rel), ".md"),
			Path:     rel,
			Content:  content,
			SHA:      file.GetSHA(),
			URL:      fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/main/%s", owner, repo, full),
			Modified: committed,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, Item{EntityType: "doc", SourceID: rel, Payload: raw})
	}

	return &Page{
		Items: items,
		Next: Position{
			Offset:       pos.Offset + int64(len(items)),
			ETag:         sha,
			LastModified: laterOf(pos.LastModified, committed),
		},
		Done: true,
	}, nil
}

// listDocs recursively lists the .md files below fullPath, relative to the
// starting directory.
func (f *GitHubFetcher) listDocs(ctx context.Context, owner, repo, fullPath, relativePath string) ([]string, error) {
	_, dirContents, _, err := f.client.Repositories.GetContents(ctx, owner, repo, fullPath, nil)
	if err != nil {
		return nil, classifyGitHub(err, fullPath)
	}

	var docs []string
	for _, item := range dirContents {
		name := item.GetName()
		if name == "" {
			continue
		}
		itemRelPath := path.Join(relativePath, name)

		switch item.GetType() {
		case "file":
			if strings.HasSuffix(name, ".md") {
				docs = append(docs, itemRelPath)
			}
		case "dir":
			subDocs, err := f.listDocs(ctx, owner, repo, path.Join(fullPath, name), itemRelPath)
			if err != nil {
				return nil, err
			}
			docs = append(docs, subDocs...)
		}
	}
	return docs, nil
}

func classifyGitHub(err error, what string) error {
	var (
		rle   *github.RateLimitError
		abuse *github.AbuseRateLimitError
		er    *github.ErrorResponse
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &rle), errors.As(err, &abuse):
		return fmt.Errorf("%w: %s: %v", apperr.ErrThrottled, what, err)
	case errors.As(err, &er) && er.Response != nil && er.Response.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", apperr.ErrNotFound, what)
	case errors.As(err, &er) && er.Response != nil && er.Response.StatusCode < 500:
		return fmt.Errorf("%w: %s: %v", apperr.ErrValidation, what, err)
	default:
		return fmt.Errorf("%w: %s: %v", apperr.ErrTransientIO, what, err)
	}
}
