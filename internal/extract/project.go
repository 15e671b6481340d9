// Package extract turns stored payloads into derived record fields and
// registers the identifiers they link to.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/FranksOps/instaharvest/internal/payload"
	"github.com/FranksOps/instaharvest/internal/resource"
)

// ErrUnexpectedShape means the payload lacks the mapping's root object.
var ErrUnexpectedShape = errors.New("payload does not have the expected shape")

// Kind selects how a field's value is derived.
type Kind int

const (
	// Value copies the value found at Path.
	Value Kind = iota
	// Number stores the value at Path as a number, parsing strings.
	Number
	// Count stores the number of distinct Each values in the array at Path,
	// or the array length when Each is empty.
	Count
	// Collect stores the distinct Each values in the array at Path.
	Collect
	// Tags stores the distinct words prefixed by Marker in the Each texts of
	// the array at Path.
	Tags
)

// Field derives one record attribute.
type Field struct {
	Dest string
	Path []string
	// Each is the path inside every array element for Count, Collect and Tags.
	Each []string
	// Embedded, when set, means the value at Path is a JSON document encoded
	// as a string and Embedded is looked up inside it.
	Embedded []string
	Kind     Kind
	Marker   string
}

// Link names identifiers of another category referenced by a payload.
type Link struct {
	Category resource.Category
	// Items is the array holding the references. Empty means Key is looked
	// up once from the root.
	Items []string
	Key   []string
}

// Mapping describes how to project one category's payload.
type Mapping struct {
	Root   []string
	Fields []Field
	Links  []Link
}

// Projection is the outcome of applying a Mapping.
type Projection struct {
	Fields map[string]any
	Links  map[resource.Category][]string
}

// Project applies m to the decoded payload doc. Absent, null and empty
// string values are skipped.
func Project(doc any, m Mapping) (*Projection, error) {
	root, ok := payload.Lookup(doc, m.Root...)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrUnexpectedShape, strings.Join(m.Root, "."))
	}
	if _, ok := root.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: %s is not an object", ErrUnexpectedShape, strings.Join(m.Root, "."))
	}

	p := &Projection{
		Fields: make(map[string]any, len(m.Fields)),
		Links:  make(map[resource.Category][]string),
	}
	for _, f := range m.Fields {
		if v, ok := f.derive(root); ok {
			p.Fields[f.Dest] = v
		}
	}
	for _, l := range m.Links {
		for _, k := range l.keys(root) {
			if !slices.Contains(p.Links[l.Category], k) {
				p.Links[l.Category] = append(p.Links[l.Category], k)
			}
		}
	}
	return p, nil
}

func empty(v any) bool {
	return v == nil || v == ""
}

func (f Field) derive(root any) (any, bool) {
	v, ok := payload.Lookup(root, f.Path...)
	if !ok || empty(v) {
		return nil, false
	}
	if f.Embedded != nil {
		s, isString := v.(string)
		if !isString {
			return nil, false
		}
		inner, err := payload.Decode(s)
		if err != nil {
			return nil, false
		}
		if v, ok = payload.Lookup(inner, f.Embedded...); !ok || empty(v) {
			return nil, false
		}
	}

	switch f.Kind {
	case Number:
		return number(v)
	case Count:
		items, isList := v.([]any)
		if !isList {
			return nil, false
		}
		if f.Each == nil {
			return json.Number(strconv.Itoa(len(items))), true
		}
		return json.Number(strconv.Itoa(len(distinct(items, f.Each)))), true
	case Collect:
		items, isList := v.([]any)
		if !isList {
			return nil, false
		}
		return asList(distinct(items, f.Each))
	case Tags:
		items, isList := v.([]any)
		if !isList {
			return nil, false
		}
		var tags []string
		for _, text := range distinct(items, f.Each) {
			for _, t := range tagsIn(text, f.Marker) {
				if !slices.Contains(tags, t) {
					tags = append(tags, t)
				}
			}
		}
		return asList(tags)
	default:
		return v, true
	}
}

func number(v any) (any, bool) {
	switch n := v.(type) {
	case json.Number:
		return n, true
	case string:
		if _, err := strconv.ParseFloat(n, 64); err != nil {
			return nil, false
		}
		return json.Number(n), true
	default:
		return nil, false
	}
}

// distinct returns the string or numeric values at each inside items, in
// first-seen order.
func distinct(items []any, each []string) []string {
	var out []string
	for _, it := range items {
		v, ok := payload.Lookup(it, each...)
		if !ok {
			continue
		}
		s := scalar(v)
		if s == "" || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func scalar(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	default:
		return ""
	}
}

func asList(values []string) (any, bool) {
	if len(values) == 0 {
		return nil, false
	}
	out := make([]any, len(values))
	for i, s := range values {
		out[i] = s
	}
	return out, true
}

// tagsIn returns the words of text following marker. "#a#b" yields a and b.
func tagsIn(text, marker string) []string {
	if marker == "" || !strings.Contains(text, marker) {
		return nil
	}
	var tags []string
	for _, word := range strings.Fields(text) {
		if !strings.Contains(word, marker) {
			continue
		}
		parts := strings.Split(word, marker)
		// text before the first marker is not a tag
		for _, t := range parts[1:] {
			t = strings.TrimRight(t, ".,!?:;)\"'")
			if t != "" && !slices.Contains(tags, t) {
				tags = append(tags, t)
			}
		}
	}
	return tags
}

func (l Link) keys(root any) []string {
	if l.Items == nil {
		v, ok := payload.Lookup(root, l.Key...)
		if !ok {
			return nil
		}
		if s := scalar(v); s != "" {
			return []string{s}
		}
		return nil
	}
	v, ok := payload.Lookup(root, l.Items...)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	return distinct(items, l.Key)
}
