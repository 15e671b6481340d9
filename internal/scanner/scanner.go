// Package scanner produces batches of record keys at a given lifecycle stage,
// resuming each scan from the cursor the previous batch stopped at.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/FranksOps/instaharvest/internal/checkpoint"
	"github.com/FranksOps/instaharvest/internal/db/records"
	"github.com/FranksOps/instaharvest/internal/metrics"
	"github.com/FranksOps/instaharvest/internal/resource"
	"github.com/FranksOps/instaharvest/pkg/backoff"
)

// ErrInvalidLimit is returned for a non-positive batch size.
var ErrInvalidLimit = errors.New("scan limit must be positive")

const (
	DefaultPageSize     = 100
	DefaultPageAttempts = 5
	DefaultRetryDelay   = time.Second
	maxRetryDelay       = 30 * time.Second
)

// Config configures a Scanner.
type Config struct {
	Tables      records.Tables
	Checkpoints checkpoint.Store
	// PageSize caps the records evaluated per store request.
	PageSize int32
	// PageAttempts bounds the tries of one page on records.ErrUnavailable.
	PageAttempts int
	RetryDelay   time.Duration
	// Sleep replaces the retry wait in tests.
	Sleep  func(context.Context, time.Duration) error
	Logger *slog.Logger
}

// Scanner runs checkpointed scans. Only one scan per (category, stage) may
// run at a time.
type Scanner struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) (*Scanner, error) {
	if cfg.Tables == nil {
		return nil, errors.New("scanner: no record tables")
	}
	if cfg.Checkpoints == nil {
		return nil, errors.New("scanner: no checkpoint store")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.PageAttempts <= 0 {
		cfg.PageAttempts = DefaultPageAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scanner{cfg: cfg, logger: cfg.Logger}, nil
}

// Scan returns up to maxItems keys of category matching stage, continuing
// from the saved cursor. The cursor is saved after every page and cleared
// once the end of the table is reached, so the next scan starts over. When
// a page overshoots maxItems, the surplus is left for the next scan by
// saving a cursor just after the last key returned.
//
// A failing page ends the scan with the keys collected so far and the
// error. Those keys are already behind the saved cursor, so the caller
// must process them.
func (s *Scanner) Scan(ctx context.Context, category resource.Category, stage resource.Stage, maxItems int) ([]string, error) {
	if maxItems <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, maxItems)
	}
	tbl, err := s.cfg.Tables.For(category)
	if err != nil {
		return nil, err
	}
	cursor, err := s.cfg.Checkpoints.Load(category, stage)
	if err != nil {
		return nil, err
	}

	log := s.logger.With("category", category, "stage", stage)
	if cursor != "" {
		log.Debug("resuming scan from checkpoint")
	}

	var (
		keys     = make([]string, 0, maxItems)
		examined int
		consumed float64
	)
	for len(keys) < maxItems {
		page, err := s.page(ctx, log, tbl, records.ScanInput{Stage: stage, Cursor: cursor, Limit: s.cfg.PageSize})
		if err != nil {
			if len(keys) > 0 {
				log.Warn("scan stopped early", "matched", len(keys), "err", err)
			}
			return keys, err
		}

		examined += page.Examined
		consumed += page.ConsumedCapacity
		metrics.RecordScanPage(string(category), string(stage), page.Examined, page.Matched)

		if room := maxItems - len(keys); len(page.Keys) > room {
			keys = append(keys, page.Keys[:room]...)
			if cursor, err = records.CursorAfter(category, keys[len(keys)-1]); err != nil {
				return keys, err
			}
			if err := s.cfg.Checkpoints.Save(category, stage, cursor); err != nil {
				return keys, err
			}
			log.Debug("batch full, surplus left for the next scan", "dropped", len(page.Keys)-room)
			break
		}

		keys = append(keys, page.Keys...)
		log.Debug("scanned page",
			"matched", len(keys),
			"examined", examined,
			"consumed_capacity", consumed,
		)

		if page.Cursor == "" {
			if err := s.cfg.Checkpoints.Clear(category, stage); err != nil {
				return keys, err
			}
			log.Info("scan reached end of table", "matched", len(keys), "examined", examined)
			break
		}
		cursor = page.Cursor
		if err := s.cfg.Checkpoints.Save(category, stage, cursor); err != nil {
			return keys, err
		}
	}
	return keys, nil
}

// page fetches one page, retrying while the store is unavailable.
func (s *Scanner) page(ctx context.Context, log *slog.Logger, tbl records.Table, in records.ScanInput) (*records.Page, error) {
	delay := backoff.New(s.cfg.RetryDelay, maxRetryDelay)
	for attempt := 1; ; attempt++ {
		page, err := tbl.ScanPage(ctx, in)
		if err == nil {
			return page, nil
		}
		if !errors.Is(err, records.ErrUnavailable) || attempt >= s.cfg.PageAttempts {
			return nil, fmt.Errorf("scanning %s after %d attempts: %w", tbl.Category(), attempt, err)
		}
		d := delay.Next()
		log.Warn("record store unavailable, retrying page", "attempt", attempt, "delay", d, "err", err)
		if err := s.cfg.Sleep(ctx, d); err != nil {
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
