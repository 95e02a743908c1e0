package phase

import (
	"context"
	"fmt"

	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/convert"
	"sitemigrate/internal/source"
)

// PostsDefaults are the posts phase defaults
var PostsDefaults = Settings{BatchSize: 10, MaxRetries: 3, Start: 80, End: 95}

// PostSource fetches source posts
type PostSource interface {
	Post(ctx context.Context, id int64) (*source.Post, error)
}

// PostSender delivers a converted post to the target
type PostSender interface {
	SendPost(ctx context.Context, target, credential string, doc *convert.Document) error
}

// PostsHandler converts and sends content entries
type PostsHandler struct {
	settings  Settings
	source    PostSource
	converter convert.Converter
	sender    PostSender
}

func NewPostsHandler(settings Settings, src PostSource, converter convert.Converter, sender PostSender) *PostsHandler {
	return &PostsHandler{
		settings:  settings.withDefaults(PostsDefaults),
		source:    src,
		converter: converter,
		sender:    sender,
	}
}

func (h *PostsHandler) Key() checkpoint.Phase { return checkpoint.PhasePosts }
func (h *PostsHandler) BatchSize() int        { return h.settings.BatchSize }
func (h *PostsHandler) MaxRetries() int       { return h.settings.MaxRetries }

func (h *PostsHandler) PercentageRange() (int, int) {
	return h.settings.Start, h.settings.End
}

func (h *PostsHandler) Remaining(cp *checkpoint.Checkpoint) []int64 {
	return append([]int64(nil), cp.Posts.Remaining...)
}

func (h *PostsHandler) ProcessItem(ctx context.Context, id int64, ictx ItemContext) (Item, error) {
	post, err := h.source.Post(ctx, id)
	if err != nil {
		return Item{}, fmt.Errorf("failed to fetch post %d: %w", id, err)
	}

	ictx.beat(ctx)
	doc, err := h.converter.Convert(ctx, post, ictx.CategoryMappings)
	if err != nil {
		return Item{}, fmt.Errorf("failed to convert post %d: %w", id, err)
	}
	ictx.beat(ctx)

	if err := h.sender.SendPost(ctx, ictx.Target, ictx.Credential, doc); err != nil {
		return Item{}, fmt.Errorf("failed to send post %d: %w", id, err)
	}
	return Item{ID: id, Title: post.Title}, nil
}

func (h *PostsHandler) SaveProgress(cp *checkpoint.Checkpoint, remaining []int64, processed int) {
	cp.Posts.Remaining = remaining
	cp.Posts.Processed = processed
}
