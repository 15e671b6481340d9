package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/FranksOps/instaharvest/internal/extract"
	"github.com/FranksOps/instaharvest/internal/report"
	"github.com/FranksOps/instaharvest/internal/resource"
	"github.com/FranksOps/instaharvest/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Mode selects which records a Run works on.
type Mode string

const (
	// ModeRun fetches records not yet retrieved, then extracts records
	// retrieved but not yet processed.
	ModeRun Mode = "run"
	// ModeUpdate refetches every record and extracts what it fetched.
	ModeUpdate Mode = "update"
)

// DefaultWorkers is the size of the fetch worker pool.
const DefaultWorkers = 4

// DefaultBatchSize is the number of keys one Run scans for.
const DefaultBatchSize = 1000

// Scanner yields batches of keys at a lifecycle stage.
type Scanner interface {
	Scan(ctx context.Context, category resource.Category, stage resource.Stage, maxItems int) ([]string, error)
}

// Extractor derives record fields from a stored payload.
type Extractor interface {
	Extract(ctx context.Context, category resource.Category, key string) (*extract.Result, error)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Retriever *Retriever
	Scanner   Scanner
	Extractor Extractor
	Workers   int
	BatchSize int
	Logger    *slog.Logger
}

// Runner processes batches of identifiers with a fixed-size worker pool.
type Runner struct {
	cfg    RunnerConfig
	logger *slog.Logger
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Retriever == nil {
		return nil, errors.New("pipeline: retriever is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: cfg.Logger}, nil
}

// RunBatch retrieves every key with at most Workers in flight. A failing
// item is logged and counted; it never stops the batch. Keys that were
// retrieved successfully are returned in no particular order.
func (r *Runner) RunBatch(ctx context.Context, category resource.Category, keys []string, c *report.Collector) []string {
	results := make(chan string, len(keys))

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Workers)
	for i, key := range keys {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			a, err := r.cfg.Retriever.Retrieve(ctx, category, key)
			c.Add(a)
			if err != nil {
				r.logger.Error("retrieve failed", "category", category, "key", key, "n", i+1, "of", len(keys), "err", err)
				return nil
			}
			if a.Outcome == storage.OutcomeSuccess {
				results <- key
			}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	retrieved := make([]string, 0, len(results))
	for k := range results {
		retrieved = append(retrieved, k)
	}
	return retrieved
}

// ExtractBatch runs the extractor over keys sequentially.
func (r *Runner) ExtractBatch(ctx context.Context, category resource.Category, keys []string, c *report.Collector) {
	if r.cfg.Extractor == nil {
		return
	}
	for i, key := range keys {
		if ctx.Err() != nil {
			return
		}
		_, err := r.cfg.Extractor.Extract(ctx, category, key)
		c.AddExtraction(err)
		if err != nil {
			r.logger.Error("extract failed", "category", category, "key", key, "n", i+1, "of", len(keys), "err", err)
		}
	}
}

// Get retrieves and extracts a single key, surfacing any terminal error.
func (r *Runner) Get(ctx context.Context, category resource.Category, key string) (*storage.Attempt, error) {
	a, err := r.cfg.Retriever.Retrieve(ctx, category, key)
	if err != nil {
		return a, err
	}
	if a.Outcome != storage.OutcomeSuccess || r.cfg.Extractor == nil {
		return a, nil
	}
	if _, err := r.cfg.Extractor.Extract(ctx, category, key); err != nil {
		return a, fmt.Errorf("extracting %s %s: %w", category, key, err)
	}
	return a, nil
}

// Run executes one pass of mode over category and returns aggregate counts.
func (r *Runner) Run(ctx context.Context, category resource.Category, mode Mode) (report.Summary, error) {
	if r.cfg.Scanner == nil {
		return report.Summary{}, errors.New("pipeline: scanner is required")
	}
	c := report.NewCollector()
	log := r.logger.With("category", category, "mode", mode)

	fetchStage := resource.StageDiscovered
	if mode == ModeUpdate {
		fetchStage = resource.StageAll
	} else if mode != ModeRun {
		return report.Summary{}, fmt.Errorf("unknown mode %q", mode)
	}

	// A failed scan may still return keys that are already behind the
	// checkpoint; they are processed before the error is reported.
	var scanErrs []error
	keys, err := r.cfg.Scanner.Scan(ctx, category, fetchStage, r.cfg.BatchSize)
	if err != nil {
		if len(keys) == 0 {
			return c.Summary(), fmt.Errorf("scanning %s: %w", category, err)
		}
		scanErrs = append(scanErrs, fmt.Errorf("scanning %s: %w", category, err))
	}
	log.Info("retrieving batch", "keys", len(keys), "workers", r.cfg.Workers)
	retrieved := r.RunBatch(ctx, category, keys, c)
	if err := ctx.Err(); err != nil {
		return c.Summary(), err
	}

	toExtract := retrieved
	if mode == ModeRun {
		toExtract, err = r.cfg.Scanner.Scan(ctx, category, resource.StageRetrieved, r.cfg.BatchSize)
		if err != nil {
			scanErrs = append(scanErrs, fmt.Errorf("scanning %s: %w", category, err))
		}
	}
	log.Info("extracting batch", "keys", len(toExtract))
	r.ExtractBatch(ctx, category, toExtract, c)

	return c.Summary(), errors.Join(append(scanErrs, ctx.Err())...)
}
