// Package convert turns source posts into target documents.
package convert

import (
	"context"
	"encoding/json"
	"fmt"

	"sitemigrate/internal/source"
)

// Document is the payload sent to the target for one post
type Document struct {
	SourceID int64           `json:"source_id"`
	Type     string          `json:"type"`
	Title    string          `json:"title"`
	Slug     string          `json:"slug"`
	Status   string          `json:"status"`
	Content  json.RawMessage `json:"content"`
	Meta     map[string]any  `json:"meta,omitempty"`
}

// Converter converts a source post. Converting the same post twice must
// yield the same document.
type Converter interface {
	Convert(ctx context.Context, post *source.Post, mappings map[string]string) (*Document, error)
}

// Passthrough wraps the source content unchanged and applies the category
// mapping.
type Passthrough struct{}

func (Passthrough) Convert(ctx context.Context, post *source.Post, mappings map[string]string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if post == nil {
		return nil, fmt.Errorf("nil post")
	}
	if len(post.Content) > 0 && !json.Valid(post.Content) {
		return nil, fmt.Errorf("post %d has invalid content", post.ID)
	}

	docType := post.Category
	if mapped, ok := mappings[post.Category]; ok && mapped != "" {
		docType = mapped
	}
	status := post.Status
	if status == "" {
		status = "draft"
	}
	return &Document{
		SourceID: post.ID,
		Type:     docType,
		Title:    post.Title,
		Slug:     post.Slug,
		Status:   status,
		Content:  post.Content,
		Meta:     post.Meta,
	}, nil
}
