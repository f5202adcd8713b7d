// Package archive persists successful captures: the image goes to a blob
// store, a row goes to the record store and an event is published.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/capture"
	"github.com/JakeFAU/pagesnap/internal/clock/system"
	"github.com/JakeFAU/pagesnap/internal/hash/sha256"
	"github.com/JakeFAU/pagesnap/internal/id/uuid"
	"github.com/JakeFAU/pagesnap/internal/metrics"
	"github.com/JakeFAU/pagesnap/internal/storage"
)

// Archive steps reported to metrics.
const (
	stepHash    = "hash"
	stepBlob    = "blob"
	stepRecord  = "record"
	stepPublish = "publish"
)

// Publisher sends capture events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Config wires the archive sinks. Blobs is required; the rest are optional.
type Config struct {
	Blobs     storage.BlobStore
	Records   storage.RecordStore
	Publisher Publisher
	Topic     string
	// Prefix is prepended to object keys.
	Prefix string
	Hasher capture.Hasher
	Clock  capture.Clock
}

// Entry describes an archived capture.
type Entry struct {
	CaptureID  string    `json:"capture_id"`
	URL        string    `json:"url"`
	FinalURL   string    `json:"final_url"`
	BlobURI    string    `json:"blob_uri"`
	Key        string    `json:"key"`
	Hash       string    `json:"hash"`
	HashAlg    string    `json:"hash_alg"`
	Bytes      int       `json:"bytes"`
	Format     string    `json:"format"`
	CapturedAt time.Time `json:"captured_at"`
	// EventID is empty when no publisher is configured or publishing failed.
	EventID string `json:"-"`
}

// Archiver stores capture results.
type Archiver struct {
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and returns an Archiver.
func New(cfg Config, logger *zap.Logger) (*Archiver, error) {
	if cfg.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if cfg.Records == nil {
		cfg.Records = storage.Discard{}
	}
	if cfg.Hasher == nil {
		cfg.Hasher = sha256.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{cfg: cfg, logger: logger.Named("archive")}, nil
}

// Archive stores res. A blob or record failure fails the call; a publish
// failure is logged and counted but the capture stays archived.
func (a *Archiver) Archive(ctx context.Context, res capture.Result) (Entry, error) {
	log := a.logger.With(zap.String("capture_id", res.ID))
	capturedAt := a.capturedAt(res.ID)

	digest, err := a.cfg.Hasher.Hash(res.Image)
	if err != nil {
		metrics.ObserveArchive(stepHash, "error")
		return Entry{}, fmt.Errorf("hash image: %w", err)
	}

	entry := Entry{
		CaptureID:  res.ID,
		URL:        res.Request.URL,
		FinalURL:   res.FinalURL,
		Key:        objectKey(a.cfg.Prefix, capturedAt, res.ID, res.Request.Format),
		Hash:       digest,
		HashAlg:    sha256.Algorithm,
		Bytes:      len(res.Image),
		Format:     string(res.Request.Format),
		CapturedAt: capturedAt,
	}

	uri, err := a.cfg.Blobs.PutObject(ctx, entry.Key, res.ContentType, res.Image)
	if err != nil {
		metrics.ObserveArchive(stepBlob, "error")
		return Entry{}, fmt.Errorf("store image %s: %w", entry.Key, err)
	}
	metrics.ObserveArchive(stepBlob, "ok")
	entry.BlobURI = uri

	record := storage.CaptureRecord{
		ID:          res.ID,
		URL:         res.Request.URL,
		FinalURL:    res.FinalURL,
		HandleID:    res.HandleID,
		Hash:        digest,
		BlobURI:     uri,
		ContentType: res.ContentType,
		Bytes:       len(res.Image),
		Width:       res.Request.Viewport.Width,
		Height:      res.Request.Viewport.Height,
		FullPage:    res.Request.FullPage,
		BestEffort:  res.BestEffort,
		Elapsed:     res.Elapsed,
		CapturedAt:  capturedAt,
		PartitionTS: capturedAt.Truncate(time.Hour),
	}
	if err := a.cfg.Records.StoreCapture(ctx, record); err != nil {
		metrics.ObserveArchive(stepRecord, "error")
		return Entry{}, fmt.Errorf("store record %s: %w", res.ID, err)
	}
	metrics.ObserveArchive(stepRecord, "ok")

	if a.cfg.Publisher != nil {
		eventID, err := a.cfg.Publisher.Publish(ctx, a.cfg.Topic, entry)
		if err != nil {
			metrics.ObserveArchive(stepPublish, "error")
			log.Warn("failed to publish capture event", zap.Error(err))
		} else {
			metrics.ObserveArchive(stepPublish, "ok")
			entry.EventID = eventID
		}
	}

	log.Debug("capture archived", zap.String("uri", uri), zap.String("hash", digest))
	return entry, nil
}

// capturedAt prefers the time embedded in a UUID7 capture ID so the key is
// stable for a given ID.
func (a *Archiver) capturedAt(id string) time.Time {
	if ts, err := uuid.Time(id); err == nil {
		return ts
	}
	return a.cfg.Clock.Now().UTC()
}

func objectKey(prefix string, at time.Time, id string, format capture.Format) string {
	return path.Join(prefix, at.Format("2006/01/02"), id+"."+format.Extension())
}
