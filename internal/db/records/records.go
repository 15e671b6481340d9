// Package records stores the lifecycle of every known resource in one
// key-value table per category.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FranksOps/instaharvest/internal/resource"
)

var (
	// ErrNotFound is returned by Get for an unknown key.
	ErrNotFound = errors.New("record not found")
	// ErrDeleted is returned when updating a record already marked deleted.
	ErrDeleted = errors.New("record is marked deleted")
	// ErrProcessed is returned by MarkDeleted for a processed record, which
	// keeps its extracted state.
	ErrProcessed = errors.New("record is already processed")
	// ErrUnavailable wraps throttling, server and network failures of the
	// store. The same call may be retried.
	ErrUnavailable = errors.New("record store unavailable")
)

// PutResult is the outcome of a conditional put.
type PutResult int

const (
	// Inserted means the record did not exist and was created.
	Inserted PutResult = iota + 1
	// AlreadyExists means the key was already known; nothing was written.
	AlreadyExists
)

func (r PutResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// Record is the lifecycle view of one resource. Zero times mean the
// attribute is absent.
type Record struct {
	Key          string
	DiscoveredAt time.Time
	RetrievedAt  time.Time
	ProcessedAt  time.Time
	Deleted      bool
}

// Matches reports whether the record passes the scan filter of stage.
func (r *Record) Matches(stage resource.Stage) bool {
	switch stage {
	case resource.StageDiscovered:
		return r.RetrievedAt.IsZero() && !r.Deleted
	case resource.StageRetrieved:
		return !r.RetrievedAt.IsZero() && r.ProcessedAt.IsZero() && !r.Deleted
	default:
		return true
	}
}

// ScanInput selects one page of a filtered scan.
type ScanInput struct {
	Stage resource.Stage
	// Cursor resumes after a previous page; empty starts at the beginning.
	Cursor string
	// Limit is the number of records the store evaluates for this page,
	// before filtering.
	Limit int32
}

// Page is one page of scan results.
type Page struct {
	Keys []string
	// Cursor is empty when the scan has reached the end of the table.
	Cursor   string
	Examined int
	Matched  int
	// ConsumedCapacity is in read capacity units, when the store reports it.
	ConsumedCapacity float64
}

// Table is the record table of one category.
type Table interface {
	Category() resource.Category
	Get(ctx context.Context, key string) (*Record, error)
	// PutIfAbsent registers a newly discovered key.
	PutIfAbsent(ctx context.Context, key string, discoveredAt time.Time) (PutResult, error)
	ScanPage(ctx context.Context, in ScanInput) (*Page, error)
	// MarkRetrieved sets retrieved_at_time. It fails with ErrDeleted for
	// deleted records.
	MarkRetrieved(ctx context.Context, key string, at time.Time) error
	// MarkDeleted sets deleted and leaves every other attribute alone. It
	// fails with ErrProcessed for processed records.
	MarkDeleted(ctx context.Context, key string) error
	// MarkProcessed stores derived fields and sets processed_at_time. It
	// fails with ErrDeleted for deleted records.
	MarkProcessed(ctx context.Context, key string, fields map[string]any, at time.Time) error
}

// Tables holds the table of every category.
type Tables map[resource.Category]Table

// For returns the table of category.
func (t Tables) For(category resource.Category) (Table, error) {
	tbl, ok := t[category]
	if !ok {
		return nil, fmt.Errorf("no record table configured for %s", category)
	}
	return tbl, nil
}

// TableNames maps each category to its table name.
type TableNames struct {
	Location string `mapstructure:"location" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Post     string `mapstructure:"post" validate:"required"`
}

// DefaultTableNames are the table names used when none are configured.
var DefaultTableNames = TableNames{Location: "te_location", User: "te_user", Post: "te_post"}

// Name returns the table name of category.
func (n TableNames) Name(category resource.Category) string {
	switch category {
	case resource.Location:
		return n.Location
	case resource.User:
		return n.User
	default:
		return n.Post
	}
}
