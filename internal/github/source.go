package github

import (
	"context"
)

// RepoSource binds a client to one repository and commit so the pipeline
// can read files without carrying repository coordinates around.
type RepoSource struct {
	client *Client
	owner  string
	repo   string
	ref    string
}

// NewRepoSource creates a source reader for the given repository. ref may
// be empty to read from the default branch.
func NewRepoSource(client *Client, owner, repo, ref string) *RepoSource {
	return &RepoSource{client: client, owner: owner, repo: repo, ref: ref}
}

// ReadFile fetches the file at path. A per-call ref overrides the bound
// one; missing files surface as pipeline.ErrNotFound.
func (s *RepoSource) ReadFile(ctx context.Context, path, ref string) (string, error) {
	if ref == "" {
		ref = s.ref
	}
	return s.client.GetFileContent(ctx, s.owner, s.repo, path, ref)
}
