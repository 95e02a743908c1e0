package app

import (
	"context"
	"fmt"

	"sitemigrate/internal/activerun"
	"sitemigrate/internal/source"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// itemLister collects the ids a run has to migrate
type itemLister struct {
	source Source
	logger *zap.Logger
}

// List fetches media ids and post refs concurrently. Media ids are only
// listed when the run includes media. Duplicates are dropped, keeping the
// first occurrence.
func (l *itemLister) List(ctx context.Context, opts activerun.Options) ([]int64, []source.PostRef, error) {
	var media []int64
	var posts []source.PostRef

	g, gctx := errgroup.WithContext(ctx)
	if opts.IncludeMedia {
		g.Go(func() error {
			ids, err := l.source.MediaIDs(gctx)
			if err != nil {
				return fmt.Errorf("failed to list media: %w", err)
			}
			media = ids
			return nil
		})
	}
	g.Go(func() error {
		refs, err := l.source.PostRefs(gctx, opts.Categories)
		if err != nil {
			return fmt.Errorf("failed to list posts: %w", err)
		}
		posts = refs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	media = uniqueIDs(media)
	posts = uniqueRefs(posts)
	l.logger.Info("Item listing completed",
		zap.Int("media", len(media)),
		zap.Int("posts", len(posts)))
	return media, posts, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func uniqueRefs(refs []source.PostRef) []source.PostRef {
	seen := make(map[int64]struct{}, len(refs))
	out := make([]source.PostRef, 0, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref.ID]; ok {
			continue
		}
		seen[ref.ID] = struct{}{}
		out = append(out, ref)
	}
	return out
}
