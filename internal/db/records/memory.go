package records

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/FranksOps/instaharvest/internal/resource"
)

var _ Table = (*MemoryTable)(nil)

// MemoryTable is an in-process Table. Scans walk keys in sorted order and
// apply Limit before filtering, like DynamoDB does.
type MemoryTable struct {
	category resource.Category

	mu      sync.Mutex
	records map[string]*memoryRecord
}

type memoryRecord struct {
	Record
	Fields map[string]any
}

func NewMemoryTable(category resource.Category) *MemoryTable {
	return &MemoryTable{category: category, records: make(map[string]*memoryRecord)}
}

// NewMemoryTables builds an in-process table for every category.
func NewMemoryTables() Tables {
	t := make(Tables, len(resource.Categories))
	for _, c := range resource.Categories {
		t[c] = NewMemoryTable(c)
	}
	return t
}

func (m *MemoryTable) Category() resource.Category { return m.category }

func (m *MemoryTable) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", m.category, key, ErrNotFound)
	}
	rec := r.Record
	return &rec, nil
}

// Fields returns a copy of the derived fields stored by MarkProcessed.
func (m *MemoryTable) Fields(key string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return nil
	}
	return maps.Clone(r.Fields)
}

func (m *MemoryTable) PutIfAbsent(_ context.Context, key string, discoveredAt time.Time) (PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; ok {
		return AlreadyExists, nil
	}
	m.records[key] = &memoryRecord{Record: Record{Key: key, DiscoveredAt: discoveredAt.Truncate(time.Second).UTC()}}
	return Inserted, nil
}

func (m *MemoryTable) sortedKeys() []string {
	keys := slices.Collect(maps.Keys(m.records))
	slices.SortFunc(keys, m.compare)
	return keys
}

func (m *MemoryTable) ScanPage(_ context.Context, in ScanInput) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.sortedKeys()
	start := 0
	if in.Cursor != "" {
		last, err := m.cursorKey(in.Cursor)
		if err != nil {
			return nil, err
		}
		start, _ = slices.BinarySearchFunc(keys, last, m.compare)
		if start < len(keys) && keys[start] == last {
			start++
		}
	}

	end := len(keys)
	if in.Limit > 0 && start+int(in.Limit) < end {
		end = start + int(in.Limit)
	}

	page := &Page{Keys: []string{}}
	for _, k := range keys[start:end] {
		page.Examined++
		if m.records[k].Matches(in.Stage) {
			page.Keys = append(page.Keys, k)
			page.Matched++
		}
	}
	if end < len(keys) && end > start {
		cursor, err := CursorAfter(m.category, keys[end-1])
		if err != nil {
			return nil, err
		}
		page.Cursor = cursor
	}
	return page, nil
}

func (m *MemoryTable) compare(a, b string) int {
	if m.category.NumericKey() {
		x, _ := strconv.ParseUint(a, 10, 64)
		y, _ := strconv.ParseUint(b, 10, 64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (m *MemoryTable) cursorKey(cursor string) (string, error) {
	key, err := decodeCursor(cursor)
	if err != nil {
		return "", err
	}
	k, err := keyString(key[m.category.KeyAttribute()])
	if err != nil {
		return "", fmt.Errorf("decoding cursor: %w", err)
	}
	return k, nil
}

func (m *MemoryTable) MarkRetrieved(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.upsert(key)
	if r.Deleted {
		return fmt.Errorf("%s %s: %w", m.category, key, ErrDeleted)
	}
	r.RetrievedAt = at.Truncate(time.Second).UTC()
	return nil
}

func (m *MemoryTable) MarkDeleted(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.upsert(key)
	if !r.ProcessedAt.IsZero() {
		return fmt.Errorf("%s %s: %w", m.category, key, ErrProcessed)
	}
	r.Deleted = true
	return nil
}

func (m *MemoryTable) MarkProcessed(_ context.Context, key string, fields map[string]any, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.upsert(key)
	if r.Deleted {
		return fmt.Errorf("%s %s: %w", m.category, key, ErrDeleted)
	}
	if r.Fields == nil {
		r.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		if k == m.category.KeyAttribute() || isLifecycleAttr(k) || v == nil || v == "" {
			continue
		}
		r.Fields[k] = v
	}
	r.ProcessedAt = at.Truncate(time.Second).UTC()
	return nil
}

// upsert returns the record of key, creating an empty one like an
// unconditional DynamoDB update does. The caller holds m.mu.
func (m *MemoryTable) upsert(key string) *memoryRecord {
	r, ok := m.records[key]
	if !ok {
		r = &memoryRecord{Record: Record{Key: key}}
		m.records[key] = r
	}
	return r
}
