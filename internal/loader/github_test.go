package loader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-rag-ingest/internal/ingest"
)

func TestSplitRepo(t *testing.T) {
	t.Parallel()

	owner, repo, err := splitRepo("acme/widgets")
	require.NoError(t, err)
	require.Equal(t, "acme", owner)
	require.Equal(t, "widgets", repo)

	_, _, err = splitRepo("just-a-name")
	require.Error(t, err)
	_, _, err = splitRepo("a/b/c")
	require.Error(t, err)
}

func TestGitHubLoaderFetchesMatchingFiles(t *testing.T) {
	t.Parallel()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/acme/widgets/git/trees/main", r.URL.Path)
		require.Equal(t, "1", r.URL.Query().Get("recursive"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"tree":[
			{"path":"README.md","type":"blob","size":20},
			{"path":"docs/guide.md","type":"blob","size":30},
			{"path":"main.go","type":"blob","size":10},
			{"path":"docs","type":"tree","size":0}
		]}`))
	}))
	defer api.Close()

	raw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/acme/widgets/main/README.md":
			w.Write([]byte("# Widgets"))
		case "/acme/widgets/main/docs/guide.md":
			w.Write([]byte("# Guide"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer raw.Close()

	l := NewGitHubLoader(GitHubConfig{Token: "tok"}, nil)
	l.apiBase = api.URL
	l.rawBase = raw.URL

	docs, err := l.Load(context.Background(), ingest.Source{
		Type: ingest.SourceGitHub,
		Path: "acme/widgets",
	})
	require.NoError(t, err)
	require.Len(t, docs, 2, "only markdown blobs are ingested")
	require.Equal(t, "# Widgets", docs[0].Content)
	require.Equal(t, "README.md", docs[0].Metadata["file"])
	require.Equal(t, "main", docs[0].Metadata["branch"])
}

func TestGitHubLoaderHonorsPrefixAndBranch(t *testing.T) {
	t.Parallel()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/acme/widgets/git/trees/release", r.URL.Path)
		w.Write([]byte(`{"tree":[
			{"path":"README.md","type":"blob","size":20},
			{"path":"docs/guide.md","type":"blob","size":30}
		]}`))
	}))
	defer api.Close()

	raw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/acme/widgets/release/docs/guide.md", r.URL.Path)
		w.Write([]byte("# Guide"))
	}))
	defer raw.Close()

	l := NewGitHubLoader(GitHubConfig{}, nil)
	l.apiBase = api.URL
	l.rawBase = raw.URL

	docs, err := l.Load(context.Background(), ingest.Source{
		Type:     ingest.SourceGitHub,
		Path:     "acme/widgets",
		Metadata: map[string]string{"branch": "release", "prefix": "docs/"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "docs/guide.md", docs[0].Metadata["file"])
}

func TestGitHubLoaderNoMatches(t *testing.T) {
	t.Parallel()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"tree":[{"path":"main.go","type":"blob","size":10}]}`))
	}))
	defer api.Close()

	l := NewGitHubLoader(GitHubConfig{}, nil)
	l.apiBase = api.URL

	_, err := l.Load(context.Background(), ingest.Source{Type: ingest.SourceGitHub, Path: "acme/widgets"})
	require.ErrorContains(t, err, "no matching files")
}

func TestGitHubLoaderAPIError(t *testing.T) {
	t.Parallel()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusForbidden)
	}))
	defer api.Close()

	l := NewGitHubLoader(GitHubConfig{}, nil)
	l.apiBase = api.URL

	_, err := l.Load(context.Background(), ingest.Source{Type: ingest.SourceGitHub, Path: "acme/widgets"})
	require.ErrorContains(t, err, "unexpected status 403")
}
