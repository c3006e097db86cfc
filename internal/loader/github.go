package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-rag-ingest/internal/ingest"
)

const (
	githubAPIBase = "https://api.github.com"
	githubRawBase = "https://raw.githubusercontent.com"

	maxGitHubFiles    = 200
	maxGitHubFileSize = 1 << 20 // 1 MiB per file
)

var defaultGitHubExtensions = map[string]struct{}{
	".md":   {},
	".mdx":  {},
	".txt":  {},
	".rst":  {},
	".adoc": {},
}

// GitHubConfig controls repository ingestion.
type GitHubConfig struct {
	// Token authenticates API calls; anonymous access works for public
	// repos within rate limits.
	Token   string
	Timeout time.Duration
}

// GitHubLoader ingests documentation files from a repository. The source path
// is "owner/repo"; metadata keys "branch" and "prefix" narrow the walk.
type GitHubLoader struct {
	cfg     GitHubConfig
	client  *http.Client
	apiBase string
	rawBase string
	logger  *zap.Logger
}

// NewGitHubLoader builds a GitHubLoader.
func NewGitHubLoader(cfg GitHubConfig, logger *zap.Logger) *GitHubLoader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitHubLoader{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		apiBase: githubAPIBase,
		rawBase: githubRawBase,
		logger:  logger,
	}
}

type treeResponse struct {
	Tree []struct {
		Path string `json:"path"`
		Type string `json:"type"`
		Size int    `json:"size"`
	} `json:"tree"`
	Truncated bool `json:"truncated"`
}

// Load implements Loader.
func (l *GitHubLoader) Load(ctx context.Context, src ingest.Source) ([]Document, error) {
	owner, repo, err := splitRepo(src.Path)
	if err != nil {
		return nil, err
	}
	branch := src.Metadata["branch"]
	if branch == "" {
		branch = "main"
	}
	prefix := src.Metadata["prefix"]

	tree, err := l.fetchTree(ctx, owner, repo, branch)
	if err != nil {
		return nil, err
	}
	if tree.Truncated {
		l.logger.Warn("repository tree truncated by api",
			zap.String("repo", src.Path), zap.String("branch", branch))
	}

	var docs []Document
	for _, entry := range tree.Tree {
		if entry.Type != "blob" {
			continue
		}
		if prefix != "" && !strings.HasPrefix(entry.Path, prefix) {
			continue
		}
		if _, ok := defaultGitHubExtensions[strings.ToLower(path.Ext(entry.Path))]; !ok {
			continue
		}
		if entry.Size > maxGitHubFileSize {
			l.logger.Debug("skipping oversized file", zap.String("path", entry.Path), zap.Int("size", entry.Size))
			continue
		}
		if len(docs) >= maxGitHubFiles {
			l.logger.Warn("file cap reached, remaining files skipped",
				zap.String("repo", src.Path), zap.Int("cap", maxGitHubFiles))
			break
		}

		content, err := l.fetchRaw(ctx, owner, repo, branch, entry.Path)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", entry.Path, err)
		}
		docs = append(docs, Document{
			Content: content,
			Metadata: map[string]string{
				"repo":   src.Path,
				"branch": branch,
				"file":   entry.Path,
			},
		})
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no matching files in %s@%s", src.Path, branch)
	}
	return docs, nil
}

func (l *GitHubLoader) fetchTree(ctx context.Context, owner, repo, branch string) (*treeResponse, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1", l.apiBase, owner, repo, branch)
	body, err := l.get(ctx, url, "application/vnd.github+json")
	if err != nil {
		return nil, fmt.Errorf("list tree %s/%s@%s: %w", owner, repo, branch, err)
	}
	var tree treeResponse
	if err := json.Unmarshal(body, &tree); err != nil {
		return nil, fmt.Errorf("decode tree response: %w", err)
	}
	return &tree, nil
}

func (l *GitHubLoader) fetchRaw(ctx context.Context, owner, repo, branch, filePath string) (string, error) {
	url := fmt.Sprintf("%s/%s/%s/%s/%s", l.rawBase, owner, repo, branch, filePath)
	body, err := l.get(ctx, url, "")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (l *GitHubLoader) get(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if l.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+l.cfg.Token)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxGitHubFileSize+1))
}

func splitRepo(p string) (string, string, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("github source path must be owner/repo, got %q", p)
	}
	return parts[0], parts[1], nil
}
