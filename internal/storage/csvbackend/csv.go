package csvbackend

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/FranksOps/instaharvest/internal/storage"
)

// ensure csvBackend implements storage.Backend
var _ storage.Backend = (*csvBackend)(nil)

type csvBackend struct {
	mu   sync.Mutex
	file *os.File
}

// headers defines the CSV column order
var headers = []string{
	"id",
	"category",
	"key",
	"url",
	"outcome",
	"status_code",
	"proxy",
	"user_agent",
	"attempts",
	"bytes",
	"duration_ms",
	"detection_src",
	"created_at",
	"error",
}

// New creates a new CSV-backed storage.Backend.
func New(filePath string) (storage.Backend, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat csv log: %w", err)
	}

	if info.Size() == 0 {
		w := csv.NewWriter(f)
		if err := w.Write(headers); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}

	return &csvBackend{file: f}, nil
}

func (b *csvBackend) Save(ctx context.Context, a *storage.Attempt) error {
	record := []string{
		a.ID,
		a.Category,
		a.Key,
		a.URL,
		string(a.Outcome),
		strconv.Itoa(a.StatusCode),
		a.Proxy,
		a.UserAgent,
		strconv.Itoa(a.Attempts),
		strconv.Itoa(a.Bytes),
		strconv.FormatInt(a.Duration.Milliseconds(), 10),
		a.DetectionSrc,
		a.CreatedAt.Format(time.RFC3339Nano),
		a.Error,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek csv log: %w", err)
	}

	w := csv.NewWriter(b.file)
	if err := w.Write(record); err != nil {
		return fmt.Errorf("write attempt %s: %w", a.ID, err)
	}
	w.Flush()

	if err := w.Error(); err != nil {
		return fmt.Errorf("write attempt %s: %w", a.ID, err)
	}

	return nil
}

func (b *csvBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.Attempt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek csv log: %w", err)
	}
	defer func() {
		// Restore pointer to end for writing
		_, _ = b.file.Seek(0, io.SeekEnd)
	}()

	r := csv.NewReader(b.file)

	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return []*storage.Attempt{}, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var allFiltered []*storage.Attempt

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}

		if len(record) != len(headers) {
			continue // skip malformed rows
		}

		statusCode, _ := strconv.Atoi(record[5])
		attempts, _ := strconv.Atoi(record[8])
		size, _ := strconv.Atoi(record[9])
		durationMs, _ := strconv.ParseInt(record[10], 10, 64)
		createdAt, _ := time.Parse(time.RFC3339Nano, record[12])

		a := &storage.Attempt{
			ID:           record[0],
			Category:     record[1],
			Key:          record[2],
			URL:          record[3],
			Outcome:      storage.Outcome(record[4]),
			StatusCode:   statusCode,
			Proxy:        record[6],
			UserAgent:    record[7],
			Attempts:     attempts,
			Bytes:        size,
			Duration:     time.Duration(durationMs) * time.Millisecond,
			DetectionSrc: record[11],
			CreatedAt:    createdAt,
			Error:        record[13],
		}

		if filter.Match(a) {
			allFiltered = append(allFiltered, a)
		}
	}

	// Order by created_at DESC
	slices.Reverse(allFiltered)

	return filter.Page(allFiltered), nil
}

func (b *csvBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}
