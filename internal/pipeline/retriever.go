// Package pipeline drives resources through fetch, persist and extract:
// the Retriever handles one identifier, the Runner batches of them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/FranksOps/instaharvest/internal/blob"
	"github.com/FranksOps/instaharvest/internal/db/records"
	"github.com/FranksOps/instaharvest/internal/fetch"
	"github.com/FranksOps/instaharvest/internal/metrics"
	"github.com/FranksOps/instaharvest/internal/resource"
	"github.com/FranksOps/instaharvest/internal/storage"
)

const payloadContentType = "application/json"

// Fetcher is the part of *fetch.Fetcher the pipeline uses.
type Fetcher interface {
	Fetch(ctx context.Context, category resource.Category, key string) (*fetch.Payload, error)
	FetchImage(ctx context.Context, p *fetch.Payload) (*fetch.Image, error)
}

// RetrieverConfig configures a Retriever.
type RetrieverConfig struct {
	Fetcher Fetcher
	Tables  records.Tables
	// Local is the payload cache read back by extraction.
	Local blob.Store
	// Remote is the durable copy. Nil skips remote writes.
	Remote blob.Store
	// Audit receives one Attempt per Retrieve. Nil disables the audit log.
	Audit storage.Backend
	// Images downloads the display image of posts.
	Images bool
	Logger *slog.Logger
}

// Retriever fetches one resource and persists the outcome.
type Retriever struct {
	cfg    RetrieverConfig
	logger *slog.Logger
}

func NewRetriever(cfg RetrieverConfig) (*Retriever, error) {
	if cfg.Fetcher == nil || cfg.Tables == nil || cfg.Local == nil {
		return nil, errors.New("pipeline: fetcher, tables and local store are required")
	}
	if cfg.Remote == nil {
		cfg.Remote = blob.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Retriever{cfg: cfg, logger: cfg.Logger}, nil
}

// Retrieve fetches key and persists it. On success the payload is written
// locally, the record is marked retrieved, then the payload is written
// remotely, strictly in that order. A resource the site no longer serves is
// marked deleted and reported as OutcomeNotFound with a nil error. Any other
// failure is returned together with the failed Attempt.
func (r *Retriever) Retrieve(ctx context.Context, category resource.Category, key string) (*storage.Attempt, error) {
	start := time.Now()
	a := storage.NewAttempt(string(category), key)

	err := r.retrieve(ctx, category, key, a)
	a.Duration = time.Since(start)
	switch {
	case err == nil:
		a.Outcome = storage.OutcomeSuccess
	case errors.Is(err, fetch.ErrNotFound):
		a.Outcome = storage.OutcomeNotFound
		a.Error = err.Error()
		err = nil
	default:
		a.Outcome = storage.OutcomeFailed
		a.Error = err.Error()
	}

	metrics.RecordAttempt(a)
	if r.cfg.Audit != nil {
		// the audit log never changes the outcome
		if saveErr := r.cfg.Audit.Save(ctx, a); saveErr != nil {
			r.logger.Warn("failed to save attempt", "category", category, "key", key, "err", saveErr)
		}
	}
	return a, err
}

func (r *Retriever) retrieve(ctx context.Context, category resource.Category, key string, a *storage.Attempt) error {
	tbl, err := r.cfg.Tables.For(category)
	if err != nil {
		return err
	}
	log := r.logger.With("category", category, "key", key)

	p, err := r.cfg.Fetcher.Fetch(ctx, category, key)
	if err != nil {
		annotate(a, err)
		if !errors.Is(err, fetch.ErrNotFound) {
			return err
		}
		switch markErr := tbl.MarkDeleted(ctx, key); {
		case errors.Is(markErr, records.ErrProcessed):
			log.Info("resource gone, keeping processed record")
		case markErr != nil:
			return fmt.Errorf("marking %s %s deleted: %w", category, key, markErr)
		default:
			log.Info("resource gone, marked deleted")
		}
		return err
	}

	a.URL = p.URL
	a.StatusCode = 200
	a.Attempts = p.Attempts
	a.Proxy = proxyString(p.Identity.Proxy)
	a.UserAgent = p.Identity.UserAgent

	data := p.Envelope().Encode()
	a.Bytes = len(data)
	objectPath := category.PayloadPath(key)

	if _, err := r.cfg.Local.Put(ctx, objectPath, payloadContentType, data); err != nil {
		return fmt.Errorf("writing local payload: %w", err)
	}
	if err := tbl.MarkRetrieved(ctx, key, p.CapturedAt); err != nil {
		return fmt.Errorf("marking %s %s retrieved: %w", category, key, err)
	}
	if _, err := r.cfg.Remote.Put(ctx, objectPath, payloadContentType, data); err != nil {
		return fmt.Errorf("writing remote payload: %w", err)
	}
	log.Info("retrieved", "attempts", p.Attempts, "bytes", len(data))

	if r.cfg.Images && category == resource.Post {
		r.retrieveImage(ctx, log, p)
	}
	return nil
}

// retrieveImage stores the display image of a post. Failures are logged and
// do not fail the retrieval.
func (r *Retriever) retrieveImage(ctx context.Context, log *slog.Logger, p *fetch.Payload) {
	img, err := r.cfg.Fetcher.FetchImage(ctx, p)
	if err != nil {
		if errors.Is(err, fetch.ErrNoImageAvailable) {
			log.Debug("no image available")
			return
		}
		log.Warn("failed to fetch image", "err", err)
		return
	}

	objectPath := resource.ImagePath(p.Key, img.Filename)
	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := r.cfg.Local.Put(ctx, objectPath, contentType, img.Data); err != nil {
		log.Warn("failed to write image locally", "path", objectPath, "err", err)
		return
	}
	if _, err := r.cfg.Remote.Put(ctx, objectPath, contentType, img.Data); err != nil {
		log.Warn("failed to write image remotely", "path", objectPath, "err", err)
		return
	}
	log.Debug("stored image", "path", objectPath, "bytes", len(img.Data))
}

// annotate copies what the fetcher observed into a.
func annotate(a *storage.Attempt, err error) {
	var fe *fetch.Error
	if !errors.As(err, &fe) {
		return
	}
	a.URL = fe.URL
	a.Attempts = fe.Attempts
	a.StatusCode = fe.StatusCode
	a.DetectionSrc = fe.Detection
	a.Proxy = proxyString(fe.Identity.Proxy)
	a.UserAgent = fe.Identity.UserAgent
}

func proxyString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}
