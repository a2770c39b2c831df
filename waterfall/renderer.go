// Package waterfall renders completed traces as terminal waterfall charts.
//
// Each trace becomes a header line and one row per span, parents before
// children:
//
//	trace p:0  3 spans  5.00ms
//	request       │████████████████████████████████████████│   5.00ms
//	  db_query    │        ████████████                    │   1.50ms  table=users
//	  cache       │                        ██              │   0.25ms  hit=false
//
// Bars are placed on a shared time window running from the earliest start
// to the latest end in the list.
package waterfall

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"github.com/zoobzio/pocketz"
)

// DefaultWidth is the bar width in cells when Config.Width is unset.
const DefaultWidth = 40

const (
	barCell   = "█"
	emptyCell = " "
	indent    = "  "
)

// Config configures a Renderer.
type Config struct {
	// Width is the number of cells in the bar column.
	Width int `yaml:"width"`
	// Color forces colored bars on or off. Nil enables color only when the
	// writer is a terminal.
	Color *bool `yaml:"color"`
	// ExcludeKeys lists metadata keys left out of the metadata column,
	// typically the tracer's default metadata.
	ExcludeKeys []string `yaml:"exclude_keys"`
}

// Renderer is a receiver that draws each delivered span list.
type Renderer struct {
	w       io.Writer
	width   int
	exclude map[string]struct{}
	ok      *color.Color
	failed  *color.Color
	mu      sync.Mutex
}

// New creates a renderer writing to w.
func New(w io.Writer, cfg Config) *Renderer {
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}

	useColor := isTerminal(w)
	if cfg.Color != nil {
		useColor = *cfg.Color
	}

	r := &Renderer{
		w:       w,
		width:   cfg.Width,
		exclude: make(map[string]struct{}, len(cfg.ExcludeKeys)),
		ok:      color.New(color.FgCyan),
		failed:  color.New(color.FgRed),
	}
	for _, k := range cfg.ExcludeKeys {
		r.exclude[k] = struct{}{}
	}
	if useColor {
		r.ok.EnableColor()
		r.failed.EnableColor()
	} else {
		r.ok.DisableColor()
		r.failed.DisableColor()
	}
	return r
}

// ExcludeDefaults returns the tracer's default metadata keys, for use as
// Config.ExcludeKeys.
func ExcludeDefaults(tracer *pocketz.Tracer) []string {
	md := tracer.Config().Metadata
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Receive renders spans to the writer.
func (r *Renderer) Receive(spans []pocketz.Span) error {
	if len(spans) == 0 {
		return nil
	}
	out := r.Render(spans)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := io.WriteString(r.w, out); err != nil {
		return errors.Wrap(err, "writing waterfall")
	}
	return nil
}

// Row is one laid-out span.
type Row struct {
	Span   pocketz.Span
	Depth  int
	Offset int
	Width  int
}

// Layout orders spans parent-first and places each on a grid of width
// cells. Spans whose parent is missing from the list are treated as roots.
func Layout(spans []pocketz.Span, width int) []Row {
	if len(spans) == 0 {
		return nil
	}
	if width <= 0 {
		width = DefaultWidth
	}

	start, end := window(spans)
	total := end.Sub(start)

	rows := make([]Row, 0, len(spans))
	walk(spans, func(span pocketz.Span, depth int) {
		offset, cells := place(span, start, total, width)
		rows = append(rows, Row{Span: span, Depth: depth, Offset: offset, Width: cells})
	})
	return rows
}

// window returns the earliest start and latest end.
func window(spans []pocketz.Span) (time.Time, time.Time) {
	start, end := spans[0].StartTime, spans[0].EndTime()
	for _, s := range spans[1:] {
		if s.StartTime.Before(start) {
			start = s.StartTime
		}
		if e := s.EndTime(); e.After(end) {
			end = e
		}
	}
	return start, end
}

// place maps a span onto the grid. Every span gets at least one cell.
func place(span pocketz.Span, start time.Time, total time.Duration, width int) (int, int) {
	if total <= 0 {
		return 0, width
	}

	w := int64(width)
	offset := int(int64(span.StartTime.Sub(start)) * w / int64(total))
	cells := int((2*int64(span.Duration)*w + int64(total)) / (2 * int64(total)))

	if offset < 0 {
		offset = 0
	}
	if offset > width-1 {
		offset = width - 1
	}
	if cells < 1 {
		cells = 1
	}
	if offset+cells > width {
		cells = width - offset
	}
	return offset, cells
}

// walk visits spans in pre-order. Siblings are visited by start time,
// keeping completion order for ties.
func walk(spans []pocketz.Span, visit func(pocketz.Span, int)) {
	present := make(map[string]struct{}, len(spans))
	for _, s := range spans {
		present[s.SpanID] = struct{}{}
	}

	children := make(map[string][]int, len(spans))
	var roots []int
	for i, s := range spans {
		if _, ok := present[s.ParentSpanID]; s.ParentSpanID == "" || !ok || s.ParentSpanID == s.SpanID {
			roots = append(roots, i)
			continue
		}
		children[s.ParentSpanID] = append(children[s.ParentSpanID], i)
	}

	byStart := func(idx []int) {
		sort.SliceStable(idx, func(a, b int) bool {
			return spans[idx[a]].StartTime.Before(spans[idx[b]].StartTime)
		})
	}
	byStart(roots)

	visited := make(map[int]bool, len(spans))
	var descend func(i, depth int)
	descend = func(i, depth int) {
		if visited[i] {
			return
		}
		visited[i] = true
		visit(spans[i], depth)

		kids := children[spans[i].SpanID]
		byStart(kids)
		for _, k := range kids {
			descend(k, depth+1)
		}
	}
	for _, i := range roots {
		descend(i, 0)
	}
}

// Render returns the chart for spans as text.
func (r *Renderer) Render(spans []pocketz.Span) string {
	rows := Layout(spans, r.width)
	if len(rows) == 0 {
		return ""
	}

	nameWidth := 0
	for _, row := range rows {
		if n := len(indent)*row.Depth + len(row.Span.Name); n > nameWidth {
			nameWidth = n
		}
	}

	start, end := window(spans)
	var b strings.Builder
	fmt.Fprintf(&b, "trace %s  %d spans  %.2fms\n",
		spans[len(spans)-1].TraceID, len(spans), float64(end.Sub(start))/float64(time.Millisecond))

	for _, row := range rows {
		name := strings.Repeat(indent, row.Depth) + row.Span.Name
		fmt.Fprintf(&b, "%-*s │%s│ %8.2fms", nameWidth, name, r.bar(row), row.Span.DurationMs())
		if meta := r.metadata(row.Span); meta != "" {
			b.WriteString("  ")
			b.WriteString(meta)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func (r *Renderer) bar(row Row) string {
	paint := r.ok
	if _, failed := row.Span.Err(); failed {
		paint = r.failed
	}
	return strings.Repeat(emptyCell, row.Offset) +
		paint.Sprint(strings.Repeat(barCell, row.Width)) +
		strings.Repeat(emptyCell, r.width-row.Offset-row.Width)
}

// metadata lists non-excluded keys as sorted k=v pairs.
func (r *Renderer) metadata(span pocketz.Span) string {
	keys := make([]string, 0, len(span.Metadata))
	for k := range span.Metadata {
		if _, skip := r.exclude[k]; !skip {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + span.Metadata[k]
	}
	return strings.Join(pairs, " ")
}
