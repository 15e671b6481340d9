// Package report aggregates fetch attempts into batch summaries.
package report

import (
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"io"
	"sync"
	"text/template"
	"time"

	"github.com/FranksOps/instaharvest/internal/storage"
)

// Summary contains aggregated counts about one batch or audit window.
type Summary struct {
	Attempted       int
	Succeeded       int
	NotFound        int
	Failed          int
	Extracted       int
	ExtractFailed   int
	StatusCodes     map[int]int
	DetectionsBySrc map[string]int
	TotalBytes      int64
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
}

// NewSummary returns an empty summary ready for Add.
func NewSummary() Summary {
	return Summary{
		StatusCodes:     make(map[int]int),
		DetectionsBySrc: make(map[string]int),
	}
}

// Add counts one attempt.
func (s *Summary) Add(a *storage.Attempt) {
	if s.StatusCodes == nil {
		s.StatusCodes = make(map[int]int)
	}
	if s.DetectionsBySrc == nil {
		s.DetectionsBySrc = make(map[string]int)
	}

	s.Attempted++
	switch a.Outcome {
	case storage.OutcomeSuccess:
		s.Succeeded++
	case storage.OutcomeNotFound:
		s.NotFound++
	default:
		s.Failed++
	}
	if a.DetectionSrc != "" {
		s.DetectionsBySrc[a.DetectionSrc]++
	}
	if a.StatusCode > 0 {
		s.StatusCodes[a.StatusCode]++
	}
	s.TotalBytes += int64(a.Bytes)

	if s.StartTime.IsZero() || a.CreatedAt.Before(s.StartTime) {
		s.StartTime = a.CreatedAt
	}
	if end := a.CreatedAt.Add(a.Duration); end.After(s.EndTime) {
		s.EndTime = end
	}
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// GenerateSummary aggregates stored attempts, e.g. from an audit query.
func GenerateSummary(attempts []*storage.Attempt) Summary {
	s := NewSummary()
	for _, a := range attempts {
		s.Add(a)
	}
	return s
}

// Collector accumulates a Summary from concurrent workers.
type Collector struct {
	mu sync.Mutex
	s  Summary
}

func NewCollector() *Collector {
	return &Collector{s: NewSummary()}
}

func (c *Collector) Add(a *storage.Attempt) {
	c.mu.Lock()
	c.s.Add(a)
	c.mu.Unlock()
}

// AddExtraction counts one extraction outcome.
func (c *Collector) AddExtraction(err error) {
	c.mu.Lock()
	if err != nil {
		c.s.ExtractFailed++
	} else {
		c.s.Extracted++
	}
	c.mu.Unlock()
}

// Summary returns a copy of the counts so far.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.s
	s.StatusCodes = make(map[int]int, len(c.s.StatusCodes))
	for k, v := range c.s.StatusCodes {
		s.StatusCodes[k] = v
	}
	s.DetectionsBySrc = make(map[string]int, len(c.s.DetectionsBySrc))
	for k, v := range c.s.DetectionsBySrc {
		s.DetectionsBySrc[k] = v
	}
	return s
}

// WriteJSON writes the summary to the provided writer in JSON format.
func WriteJSON(w io.Writer, summary Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	return nil
}

const textTmpl = `Harvest Summary
---------------
Time:          {{.StartTime.Format "2006-01-02 15:04:05"}} - {{.EndTime.Format "2006-01-02 15:04:05"}}
Duration:      {{.Duration}}
Attempted:     {{.Attempted}}
Succeeded:     {{.Succeeded}}
Not found:     {{.NotFound}}
Failed:        {{.Failed}}
{{- if or .Extracted .ExtractFailed}}
Extracted:     {{.Extracted}} ({{.ExtractFailed}} failed)
{{- end}}
Total Bytes:   {{.TotalBytes}} bytes

Status Codes:
{{- range $code, $count := .StatusCodes}}
  {{$code}}: {{$count}}
{{- else}}
  None
{{- end}}

Detections:
{{- range $src, $count := .DetectionsBySrc}}
  {{$src}}: {{$count}}
{{- else}}
  None
{{- end}}
`

var textReport = template.Must(template.New("textReport").Parse(textTmpl))

// WriteText writes a human-readable text summary to the provided writer.
func WriteText(w io.Writer, summary Summary) error {
	if err := textReport.Execute(w, summary); err != nil {
		return fmt.Errorf("rendering summary: %w", err)
	}
	return nil
}

const htmlTmpl = `<!DOCTYPE html>
<html>
<head>
<title>Harvest Report</title>
<style>
  body { font-family: sans-serif; margin: 40px; color: #333; }
  .stat-card { display: inline-block; padding: 20px; margin: 10px 10px 10px 0; background: #f4f4f4; border-radius: 5px; min-width: 150px; }
  .stat-val { font-size: 24px; font-weight: bold; }
  table { border-collapse: collapse; margin-top: 10px; }
  th, td { padding: 8px 12px; border: 1px solid #ccc; text-align: left; }
</style>
</head>
<body>
  <h1>Harvest Report</h1>
  <p><strong>Time:</strong> {{.StartTime.Format "2006-01-02 15:04:05"}} to {{.EndTime.Format "2006-01-02 15:04:05"}} ({{.Duration}})</p>
  <div class="stat-card"><div>Attempted</div><div class="stat-val">{{.Attempted}}</div></div>
  <div class="stat-card"><div>Succeeded</div><div class="stat-val">{{.Succeeded}}</div></div>
  <div class="stat-card"><div>Not found</div><div class="stat-val">{{.NotFound}}</div></div>
  <div class="stat-card"><div>Failed</div><div class="stat-val" style="color: {{if gt .Failed 0}}red{{else}}green{{end}};">{{.Failed}}</div></div>

  <h3>Status Codes</h3>
  <table>
    <tr><th>Code</th><th>Count</th></tr>
    {{- range $code, $count := .StatusCodes}}
    <tr><td>{{$code}}</td><td>{{$count}}</td></tr>
    {{- else}}
    <tr><td colspan="2">None</td></tr>
    {{- end}}
  </table>

  <h3>Detections By Source</h3>
  <table>
    <tr><th>Source</th><th>Count</th></tr>
    {{- range $src, $count := .DetectionsBySrc}}
    <tr><td>{{$src}}</td><td>{{$count}}</td></tr>
    {{- else}}
    <tr><td colspan="2">None</td></tr>
    {{- end}}
  </table>
</body>
</html>
`

var htmlReport = htmltemplate.Must(htmltemplate.New("htmlReport").Parse(htmlTmpl))

// WriteHTML writes a basic HTML report to the provided writer.
func WriteHTML(w io.Writer, summary Summary) error {
	if err := htmlReport.Execute(w, summary); err != nil {
		return fmt.Errorf("rendering summary: %w", err)
	}
	return nil
}

// Write renders summary in format: "text", "json" or "html".
func Write(w io.Writer, format string, summary Summary) error {
	switch format {
	case "", "text":
		return WriteText(w, summary)
	case "json":
		return WriteJSON(w, summary)
	case "html":
		return WriteHTML(w, summary)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}
