package collab

import (
	"context"
	"strings"

	"github.com/google/go-github/v68/github"
	appErr "github.com/launchbay/engine/pkg/errors"
	"golang.org/x/oauth2"
)

// GitHubSource implements SourceClient against the GitHub REST API.
type GitHubSource struct {
	client *github.Client
}

func NewGitHubSource(ctx context.Context, token string) *GitHubSource {
	var hc = oauth2.NewClient(ctx, nil)
	if token != "" {
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	return &GitHubSource{client: github.NewClient(hc)}
}

// ResolveRepo turns a repository reference into clone coordinates. Accepts
// bare "owner/name" as well as the https and ssh URL forms services store.
func (s *GitHubSource) ResolveRepo(ctx context.Context, ref string) (*RepoCoordinates, error) {
	owner, name, ok := splitRepoRef(ref)
	if !ok {
		return nil, appErr.New(appErr.CodeInvalid, "repository reference must be owner/name or a github URL")
	}
	repo, _, err := s.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "resolve repository failed")
	}
	return &RepoCoordinates{
		Owner:         owner,
		Name:          name,
		CloneURL:      repo.GetCloneURL(),
		DefaultBranch: repo.GetDefaultBranch(),
	}, nil
}

// splitRepoRef reduces "https://github.com/acme/web.git",
// "git@github.com:acme/web" or plain "acme/web" to owner and name.
func splitRepoRef(ref string) (owner, name string, ok bool) {
	ref = strings.TrimSuffix(strings.TrimSpace(ref), ".git")
	ref = strings.TrimPrefix(ref, "git@github.com:")
	if i := strings.Index(ref, "://"); i >= 0 {
		ref = ref[i+3:]
		if j := strings.Index(ref, "/"); j >= 0 {
			ref = ref[j+1:]
		} else {
			return "", "", false
		}
	}
	ref = strings.Trim(ref, "/")
	owner, name, found := strings.Cut(ref, "/")
	if !found || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return owner, name, true
}

func (s *GitHubSource) ListTree(ctx context.Context, owner, name, ref string) ([]string, error) {
	tree, _, err := s.client.Git.GetTree(ctx, owner, name, ref, true)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "list repository tree failed")
	}
	paths := make([]string, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.GetType() == "blob" {
			paths = append(paths, e.GetPath())
		}
	}
	return paths, nil
}

func (s *GitHubSource) FetchFile(ctx context.Context, owner, name, path, ref string) (string, error) {
	content, _, _, err := s.client.Repositories.GetContents(ctx, owner, name, path,
		&github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "fetch file failed")
	}
	if content == nil {
		return "", appErr.New(appErr.CodeNotFound, "path is not a file")
	}
	out, err := content.GetContent()
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeInternal, "decode file content failed")
	}
	return out, nil
}
