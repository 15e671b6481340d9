package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/FranksOps/instaharvest/internal/db/records"
	"github.com/FranksOps/instaharvest/internal/payload"
	"github.com/FranksOps/instaharvest/internal/resource"
)

// Source reads stored payload envelopes.
type Source interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// Config configures an Extractor.
type Config struct {
	Tables   records.Tables
	Payloads Source
	// Mappings defaults to DefaultMappings.
	Mappings map[resource.Category]Mapping
	Now      func() time.Time
	Logger   *slog.Logger
}

// Result summarizes one extraction.
type Result struct {
	Fields int
	// Linked counts referenced identifiers; Discovered those newly registered.
	Linked     int
	Discovered int
}

// Extractor projects stored payloads into their records.
type Extractor struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) (*Extractor, error) {
	if cfg.Tables == nil || cfg.Payloads == nil {
		return nil, errors.New("extract: tables and payload source are required")
	}
	if cfg.Mappings == nil {
		cfg.Mappings = DefaultMappings
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Extractor{cfg: cfg, logger: cfg.Logger}, nil
}

// Extract reads the stored payload of key, registers every identifier it
// links to with the payload's capture time, then writes the derived fields
// and processed_at_time.
func (e *Extractor) Extract(ctx context.Context, category resource.Category, key string) (*Result, error) {
	m, ok := e.cfg.Mappings[category]
	if !ok {
		return nil, fmt.Errorf("extract: no mapping for %s", category)
	}
	tbl, err := e.cfg.Tables.For(category)
	if err != nil {
		return nil, err
	}

	raw, err := e.cfg.Payloads.Get(ctx, category.PayloadPath(key))
	if err != nil {
		return nil, err
	}
	env, err := payload.DecodeEnvelope(raw)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", category, key, err)
	}
	doc, err := payload.Decode(env.Text)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", category, key, err)
	}
	proj, err := Project(doc, m)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", category, key, err)
	}

	log := e.logger.With("category", category, "key", key)
	res := &Result{Fields: len(proj.Fields)}
	for linked, keys := range proj.Links {
		target, err := e.cfg.Tables.For(linked)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if err := linked.ValidateKey(k); err != nil {
				log.Debug("skipping linked identifier", "linked", linked, "err", err)
				continue
			}
			res.Linked++
			put, err := target.PutIfAbsent(ctx, k, env.CapturedAt)
			if err != nil {
				return nil, fmt.Errorf("registering %s %s: %w", linked, k, err)
			}
			if put == records.Inserted {
				res.Discovered++
			}
		}
	}

	if err := tbl.MarkProcessed(ctx, key, proj.Fields, e.cfg.Now()); err != nil {
		return nil, err
	}
	log.Info("extracted payload", "fields", res.Fields, "linked", res.Linked, "discovered", res.Discovered)
	return res, nil
}
