package phase

import (
	"context"
	"fmt"

	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/source"
	"sitemigrate/internal/storage"
	"sitemigrate/internal/transport"
)

// MediaDefaults are the media phase defaults
var MediaDefaults = Settings{BatchSize: 3, MaxRetries: 2, Start: 60, End: 79}

// MediaSource fetches attachment metadata
type MediaSource interface {
	Media(ctx context.Context, id int64) (*source.Media, error)
}

// MediaSender delivers an attachment to the target
type MediaSender interface {
	SendMedia(ctx context.Context, target, credential string, media transport.MediaPayload) error
}

// ObjectFetcher reads an original from object storage
type ObjectFetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, storage.ObjectInfo, error)
}

// MediaHandler migrates attachments. Media is expensive, so batches are
// small.
type MediaHandler struct {
	settings Settings
	source   MediaSource
	sender   MediaSender
	objects  ObjectFetcher
}

// NewMediaHandler creates the media handler. objects may be nil, in which
// case the target downloads originals from their source URL.
func NewMediaHandler(settings Settings, src MediaSource, sender MediaSender, objects ObjectFetcher) *MediaHandler {
	return &MediaHandler{
		settings: settings.withDefaults(MediaDefaults),
		source:   src,
		sender:   sender,
		objects:  objects,
	}
}

func (h *MediaHandler) Key() checkpoint.Phase { return checkpoint.PhaseMedia }
func (h *MediaHandler) BatchSize() int        { return h.settings.BatchSize }
func (h *MediaHandler) MaxRetries() int       { return h.settings.MaxRetries }

func (h *MediaHandler) PercentageRange() (int, int) {
	return h.settings.Start, h.settings.End
}

func (h *MediaHandler) Remaining(cp *checkpoint.Checkpoint) []int64 {
	return append([]int64(nil), cp.Media.Remaining...)
}

func (h *MediaHandler) ProcessItem(ctx context.Context, id int64, ictx ItemContext) (Item, error) {
	ictx.beat(ctx)
	media, err := h.source.Media(ctx, id)
	if err != nil {
		return Item{}, fmt.Errorf("failed to fetch media %d: %w", id, err)
	}

	payload := transport.MediaPayload{
		SourceID:  media.ID,
		Title:     media.Title,
		Filename:  media.Filename,
		MimeType:  media.MimeType,
		SourceURL: media.URL,
	}
	if h.objects != nil && media.ObjectKey != "" {
		data, info, err := h.objects.Fetch(ctx, media.ObjectKey)
		if err != nil {
			return Item{}, err
		}
		payload.Data = data
		if payload.MimeType == "" {
			payload.MimeType = info.ContentType
		}
		ictx.beat(ctx)
	}

	if err := h.sender.SendMedia(ctx, ictx.Target, ictx.Credential, payload); err != nil {
		return Item{}, fmt.Errorf("failed to send media %d: %w", id, err)
	}
	ictx.beat(ctx)

	title := media.Title
	if title == "" {
		title = media.Filename
	}
	return Item{ID: id, Title: title}, nil
}

func (h *MediaHandler) SaveProgress(cp *checkpoint.Checkpoint, remaining []int64, processed int) {
	cp.Media.Remaining = remaining
	cp.Media.Processed = processed
}
