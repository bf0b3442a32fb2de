package gitsource

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5"
)

// Fetcher fetches source repositories into local directories.
type Fetcher struct {
	// Depth limits the fetched history. Zero fetches the full history.
	Depth int
	log   *slog.Logger
}

func NewFetcher(depth int, log *slog.Logger) *Fetcher {
	return &Fetcher{Depth: depth, log: log.With("component", "gitsource")}
}

// Fetch clones the default branch of url into dir. dir must not contain a repository.
func (f *Fetcher) Fetch(ctx context.Context, url, dir string) error {
	opts := &git.CloneOptions{
		URL:          url,
		Depth:        f.Depth,
		SingleBranch: true,
		Tags:         git.NoTags,
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return fmt.Errorf("gitsource.Fetcher: clone %s: %w", url, err)
	}

	if ref, headErr := repo.Head(); headErr == nil {
		f.log.Debug("cloned repository", "url", url, "commit", ref.Hash().String())
	}
	return nil
}
