// Package resource defines the entity categories handled by the pipeline and
// the per-category naming used by the fetcher, the record tables and the blob
// layout.
package resource

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Category selects the URL template, record table and storage prefix of an entity.
type Category string

const (
	Location Category = "location"
	User     Category = "user"
	Post     Category = "post"
)

// Categories lists every supported category in a stable order.
var Categories = []Category{Location, User, Post}

// ParseCategory validates a category name supplied by a user or config file.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case Location, User, Post:
		return c, nil
	}
	return "", fmt.Errorf("unknown category %q (want location, user or post)", s)
}

func (c Category) String() string { return string(c) }

// KeyAttribute is the natural key attribute name in the category's table.
func (c Category) KeyAttribute() string {
	switch c {
	case Location:
		return "id"
	case User:
		return "username"
	default:
		return "shortcode"
	}
}

// NumericKey reports whether the natural key is stored as a number.
func (c Category) NumericKey() bool {
	return c == Location
}

// ValidateKey checks that key is usable as this category's natural key.
func (c Category) ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%s key is empty", c)
	}
	if c.NumericKey() {
		if _, err := strconv.ParseUint(key, 10, 64); err != nil {
			return fmt.Errorf("%s key %q is not numeric", c, key)
		}
	}
	if strings.ContainsAny(key, "/?#") {
		return fmt.Errorf("%s key %q contains reserved characters", c, key)
	}
	return nil
}

// PagePath is the site path of the resource page, relative to the base URL.
func (c Category) PagePath(key string) string {
	k := url.PathEscape(key)
	switch c {
	case Location:
		return "/explore/locations/" + k + "/"
	case User:
		return "/" + k + "/"
	default:
		return "/p/" + k + "/"
	}
}

// PayloadDir is the storage prefix of raw payloads for the category.
func (c Category) PayloadDir() string {
	return "json/" + string(c)
}

// PayloadPath is where the raw payload envelope for key is stored, both in the
// local cache and the remote blob store.
func (c Category) PayloadPath(key string) string {
	return c.PayloadDir() + "/" + key + ".json"
}

// ImageDir is the storage prefix for downloaded media.
const ImageDir = "pictures"

// ImagePath is where a downloaded image belonging to key is stored.
func ImagePath(key, filename string) string {
	return ImageDir + "/" + key + "_" + filename
}

// Stage is the lifecycle filter applied when scanning a record table.
type Stage string

const (
	// StageAll matches every record.
	StageAll Stage = "all"
	// StageDiscovered matches records that are neither retrieved nor deleted.
	StageDiscovered Stage = "discovered"
	// StageRetrieved matches retrieved records that are not yet processed.
	StageRetrieved Stage = "retrieved"
)

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StageAll, StageDiscovered, StageRetrieved:
		return st, nil
	}
	return "", fmt.Errorf("unknown stage %q (want all, discovered or retrieved)", s)
}

func (s Stage) String() string { return string(s) }

// Record attribute names shared by all tables.
const (
	AttrDiscoveredAt = "discovered_at_time"
	AttrRetrievedAt  = "retrieved_at_time"
	AttrDeleted      = "deleted"
	AttrProcessedAt  = "processed_at_time"
)
