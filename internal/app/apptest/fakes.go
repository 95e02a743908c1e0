// Package apptest provides in-memory source and target sites for tests.
package apptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"sitemigrate/internal/convert"
	"sitemigrate/internal/source"
	"sitemigrate/internal/transport"
)

// ErrUnavailable is returned for injected failures
var ErrUnavailable = errors.New("service unavailable")

// Source is an in-memory source site
type Source struct {
	mu sync.Mutex

	Posts          map[int64]*source.Post
	MediaItems     map[int64]*source.Media
	Cats           []source.Category
	Groups         []source.FieldGroup
	StyleDoc       json.RawMessage
	HasFieldGroups bool

	AnalyzeErr     error
	FieldGroupsErr error
	StylesErr      error
}

// NewSource returns a source holding the given posts (id → category) and
// media ids.
func NewSource(posts map[int64]string, media ...int64) *Source {
	s := &Source{
		Posts:      make(map[int64]*source.Post, len(posts)),
		MediaItems: make(map[int64]*source.Media, len(media)),
		StyleDoc:   json.RawMessage(`{"colors":{"primary":"#123456"}}`),
	}
	seen := map[string]bool{}
	for id, cat := range posts {
		s.Posts[id] = &source.Post{
			ID:       id,
			Title:    fmt.Sprintf("Post %d", id),
			Slug:     fmt.Sprintf("post-%d", id),
			Status:   "publish",
			Category: cat,
			Content:  json.RawMessage(`{"blocks":[]}`),
		}
		if cat != "" && !seen[cat] {
			seen[cat] = true
			s.Cats = append(s.Cats, source.Category{Slug: cat, Label: cat})
		}
	}
	for _, id := range media {
		s.MediaItems[id] = &source.Media{
			ID:       id,
			Filename: fmt.Sprintf("file-%d.jpg", id),
			MimeType: "image/jpeg",
			URL:      fmt.Sprintf("https://source.test/uploads/file-%d.jpg", id),
		}
	}
	return s
}

func (s *Source) Analyze(ctx context.Context) (*source.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AnalyzeErr != nil {
		return nil, s.AnalyzeErr
	}
	cats := map[string]int{}
	for _, p := range s.Posts {
		if p.Category != "" {
			cats[p.Category]++
		}
	}
	return &source.Analysis{
		Posts:          len(s.Posts),
		Media:          len(s.MediaItems),
		Categories:     cats,
		HasFieldGroups: s.HasFieldGroups,
	}, nil
}

func (s *Source) PostRefs(ctx context.Context, categories []string) ([]source.PostRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]source.PostRef, 0, len(s.Posts))
	for id, p := range s.Posts {
		if len(categories) > 0 && !slices.Contains(categories, p.Category) {
			continue
		}
		refs = append(refs, source.PostRef{ID: id, Category: p.Category})
	}
	slices.SortFunc(refs, func(a, b source.PostRef) int { return int(a.ID - b.ID) })
	return refs, nil
}

func (s *Source) MediaIDs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.MediaItems))
	for id := range s.MediaItems {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Source) Post(ctx context.Context, id int64) (*source.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Posts[id]
	if !ok {
		return nil, fmt.Errorf("post %d not found", id)
	}
	cp := *p
	return &cp, nil
}

func (s *Source) Media(ctx context.Context, id int64) (*source.Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.MediaItems[id]
	if !ok {
		return nil, fmt.Errorf("media %d not found", id)
	}
	cp := *m
	return &cp, nil
}

func (s *Source) Categories(ctx context.Context) ([]source.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.Cats), nil
}

func (s *Source) FieldGroups(ctx context.Context) ([]source.FieldGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FieldGroupsErr != nil {
		return nil, s.FieldGroupsErr
	}
	return slices.Clone(s.Groups), nil
}

func (s *Source) Styles(ctx context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StylesErr != nil {
		return nil, s.StylesErr
	}
	return s.StyleDoc, nil
}

// Target is an in-memory target site. FailPosts and FailMedia hold the
// number of times an id is rejected; a negative count rejects it forever.
type Target struct {
	mu sync.Mutex

	ValidateErr      error
	CategoriesErr    error
	StylesErr        error
	CategoryWarnings []string
	FailPosts        map[int64]int
	FailMedia        map[int64]int

	// OnSend runs before every item delivery
	OnSend func(ctx context.Context, kind string, id int64)

	itemsTotal  int
	posts       []int64
	media       []int64
	styles      int
	fieldGroups int
}

func NewTarget() *Target {
	return &Target{FailPosts: map[int64]int{}, FailMedia: map[int64]int{}}
}

func (t *Target) SetItemsTotal(n int) {
	t.mu.Lock()
	t.itemsTotal = n
	t.mu.Unlock()
}

func (t *Target) Validate(ctx context.Context, target, credential string) (*transport.ValidateResponse, error) {
	if t.ValidateErr != nil {
		return nil, t.ValidateErr
	}
	return &transport.ValidateResponse{OK: true, Version: "test"}, nil
}

func (t *Target) SendMedia(ctx context.Context, target, credential string, media transport.MediaPayload) error {
	if t.OnSend != nil {
		t.OnSend(ctx, "media", media.SourceID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if reject(t.FailMedia, media.SourceID) {
		return ErrUnavailable
	}
	t.media = append(t.media, media.SourceID)
	return nil
}

func (t *Target) SendPost(ctx context.Context, target, credential string, doc *convert.Document) error {
	if t.OnSend != nil {
		t.OnSend(ctx, "post", doc.SourceID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if reject(t.FailPosts, doc.SourceID) {
		return ErrUnavailable
	}
	t.posts = append(t.posts, doc.SourceID)
	return nil
}

func (t *Target) SendCategories(ctx context.Context, target, credential string, cats []source.Category, mappings map[string]string) ([]string, error) {
	if t.CategoriesErr != nil {
		return nil, t.CategoriesErr
	}
	return t.CategoryWarnings, nil
}

func (t *Target) SendFieldGroups(ctx context.Context, target, credential string, groups []source.FieldGroup) ([]string, error) {
	t.mu.Lock()
	t.fieldGroups++
	t.mu.Unlock()
	return nil, nil
}

func (t *Target) SendStyles(ctx context.Context, target, credential string, styles json.RawMessage) ([]string, error) {
	if t.StylesErr != nil {
		return nil, t.StylesErr
	}
	t.mu.Lock()
	t.styles++
	t.mu.Unlock()
	return nil, nil
}

// ItemsTotal returns the last value passed to SetItemsTotal
func (t *Target) ItemsTotal() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.itemsTotal
}

// SentPosts returns the ids of delivered posts in delivery order
func (t *Target) SentPosts() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.posts)
}

// SentMedia returns the ids of delivered media in delivery order
func (t *Target) SentMedia() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.media)
}

// StylesSent returns how often styles were delivered
func (t *Target) StylesSent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.styles
}

func reject(fails map[int64]int, id int64) bool {
	n := fails[id]
	if n == 0 {
		return false
	}
	if n > 0 {
		fails[id] = n - 1
	}
	return true
}
