// Package payload pulls the embedded JSON document out of a page and
// handles the on-disk envelope the raw capture is stored in.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Marker is the JavaScript assignment that precedes the page's JSON document.
const Marker = "window._sharedData"

const terminator = ";</script>"

var (
	// ErrNoPayload means the page carries no recognizable embedded document.
	ErrNoPayload = errors.New("no embedded json payload")
	// ErrInvalidJSON means the marker was found but its value does not parse.
	ErrInvalidJSON = errors.New("embedded payload is not valid json")
	// ErrNoImage means the document has no display image URL.
	ErrNoImage = errors.New("no display image in payload")
)

// Extract returns the JSON text assigned to Marker inside a page.
func Extract(page []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err == nil {
		var (
			found string
			ok    bool
		)
		doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			found, ok = assignment(s.Text())
			return !ok
		})
		if ok {
			return validate(found)
		}
	}

	// Pages that are not well-formed HTML still carry the literal delimiters.
	raw := string(page)
	start := strings.Index(raw, Marker)
	if start < 0 {
		return "", ErrNoPayload
	}
	rest := raw[start:]
	end := strings.Index(rest, terminator)
	if end < 0 {
		return "", ErrNoPayload
	}
	text, ok := assignment(rest[:end+1])
	if !ok {
		return "", ErrNoPayload
	}
	return validate(text)
}

// assignment parses `window._sharedData = {...};` and returns the value.
func assignment(script string) (string, bool) {
	s := strings.TrimSpace(script)
	s, ok := strings.CutPrefix(s, Marker)
	if !ok {
		return "", false
	}
	s, ok = strings.CutPrefix(strings.TrimLeft(s, " \t\r\n"), "=")
	if !ok {
		return "", false
	}
	s, ok = strings.CutSuffix(strings.TrimRight(s, " \t\r\n"), ";")
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return "", false
	}
	return s, true
}

func validate(text string) (string, error) {
	if !json.Valid([]byte(text)) {
		return "", ErrInvalidJSON
	}
	return text, nil
}

// Decode parses JSON text keeping numbers as json.Number.
func Decode(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return doc, nil
}

// Lookup walks doc along path. Object keys are matched by name, array
// elements by decimal index.
func Lookup(doc any, path ...string) (any, bool) {
	cur := doc
	for _, p := range path {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[p]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// ImagePath is where a post page keeps its display image URL.
var ImagePath = []string{"entry_data", "PostPage", "0", "graphql", "shortcode_media", "display_url"}

// ImageURL returns the display image URL of a post payload.
func ImageURL(text string) (string, error) {
	doc, err := Decode(text)
	if err != nil {
		return "", err
	}
	v, ok := Lookup(doc, ImagePath...)
	if !ok {
		return "", ErrNoImage
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", ErrNoImage
	}
	return s, nil
}

// ImageFilename is the last path segment of an image URL, without query.
func ImageFilename(rawURL string) string {
	s, _, _ := strings.Cut(rawURL, "?")
	s, _, _ = strings.Cut(s, "#")
	return path.Base(s)
}

// Envelope is one raw capture: the JSON text and the instant it was obtained.
type Envelope struct {
	CapturedAt time.Time
	Text       string
}

// Encode renders the envelope as the capture time in unix seconds, a newline,
// then the JSON text.
func (e Envelope) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(strconv.FormatInt(e.CapturedAt.Unix(), 10))
	b.WriteByte('\n')
	b.WriteString(e.Text)
	return b.Bytes()
}

// DecodeEnvelope parses the output of Encode.
func DecodeEnvelope(data []byte) (Envelope, error) {
	head, body, ok := bytes.Cut(data, []byte{'\n'})
	if !ok {
		return Envelope{}, errors.New("envelope: missing capture time line")
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(string(head)), 10, 64)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: bad capture time: %w", err)
	}
	return Envelope{CapturedAt: time.Unix(sec, 0).UTC(), Text: string(body)}, nil
}
