// Package report assembles per-file diff results into the check run output.
package report

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/schaermu/icondiffd/internal/cache"
	"github.com/schaermu/icondiffd/internal/checks"
	"github.com/schaermu/icondiffd/internal/diff"
)

const (
	// Title is the check run output title of every report.
	Title = "Icon difference rendering"

	// MaxTextLength is the largest output text the hosting platform accepts.
	MaxTextLength = 65535

	truncatedNotice = "\n\n_Report truncated: too many changes to display._\n"
	emptySummary    = "No renderable differences."
)

// File is the result for one changed file.
type File struct {
	Name  string
	Class diff.Classification
	Rows  []diff.Row
	Note  string
}

// Report is an assembled, ordered report.
type Report struct {
	Files []File
}

// Builder collects file results in insertion order. It is not safe for
// concurrent use; callers producing results in parallel insert them from
// a single goroutine.
type Builder struct {
	files []File
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Insert appends the result of one file.
func (b *Builder) Insert(name string, res diff.FileResult) {
	b.files = append(b.files, File{Name: name, Class: res.Class, Rows: res.Rows, Note: res.Note})
}

// Build returns the report. Files keep their insertion order; rows inside a
// file are ordered by state name, then duplicate index.
func (b *Builder) Build() Report {
	files := make([]File, len(b.files))
	for i, f := range b.files {
		rows := append([]diff.Row(nil), f.Rows...)
		sort.SliceStable(rows, func(x, y int) bool {
			if rows[x].Key.Name != rows[y].Key.Name {
				return rows[x].Key.Name < rows[y].Key.Name
			}
			return rows[x].Key.Dup < rows[y].Key.Dup
		})
		f.Rows = rows
		files[i] = f
	}
	return Report{Files: files}
}

// Counts tallies rows per classification. Files that failed as a whole
// count as one error each.
func (r Report) Counts() map[diff.Classification]int {
	counts := make(map[diff.Classification]int)
	for _, f := range r.Files {
		if f.Class == diff.Error && len(f.Rows) == 0 {
			counts[diff.Error]++
		}
		for _, row := range f.Rows {
			counts[row.Class]++
		}
	}
	return counts
}

// Summary is the one line description of the report.
func (r Report) Summary() string {
	if len(r.Files) == 0 {
		return emptySummary
	}
	c := r.Counts()
	s := fmt.Sprintf("Rendered %d changed icon file(s): %d created, %d deleted, %d modified state(s).",
		len(r.Files), c[diff.Added], c[diff.Deleted], c[diff.Modified])
	if c[diff.Error] > 0 {
		s += fmt.Sprintf(" %d error(s).", c[diff.Error])
	}
	return s
}

// Markdown renders the report body.
func (r Report) Markdown() string {
	if len(r.Files) == 0 {
		return emptySummary + "\n"
	}

	var b strings.Builder
	for i, f := range r.Files {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "<details open>\n<summary><b>%s</b> %s</summary>\n\n", html.EscapeString(f.Name), f.Class)
		switch {
		case f.Class == diff.Error && len(f.Rows) == 0:
			b.WriteString("```\n" + f.Note + "\n```\n")
		case len(f.Rows) == 0:
			b.WriteString("No visible changes.\n")
		default:
			writeTable(&b, f.Rows)
		}
		b.WriteString("\n</details>\n")
	}
	return b.String()
}

func writeTable(b *strings.Builder, rows []diff.Row) {
	b.WriteString("| State | Old | New | Status |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, row := range rows {
		fmt.Fprintf(b, "| %s | %s | %s | %s |\n",
			cell(row.Key.String()), image(row.Before), image(row.After), status(row))
	}
	for _, row := range rows {
		d := metadataDiff(row)
		if d == "" {
			continue
		}
		fmt.Fprintf(b, "\n<details>\n<summary>%s metadata</summary>\n\n```diff\n%s```\n</details>\n",
			html.EscapeString(row.Key.String()), d)
	}
}

func status(row diff.Row) string {
	switch row.Class {
	case diff.Added:
		return "Created"
	case diff.Deleted:
		return "Deleted"
	case diff.Modified:
		return "Modified"
	case diff.Error:
		return cell("Error: " + row.Note)
	default:
		return "Unchanged"
	}
}

func image(e *cache.Entry) string {
	if e == nil {
		return ""
	}
	return "![](" + e.URL + ")"
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "<br>")
}

// metadataDiff shows how the records of a modified state changed.
func metadataDiff(row diff.Row) string {
	if row.Class != diff.Modified || row.BeforeRecord == row.AfterRecord {
		return ""
	}
	s, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(row.BeforeRecord),
		B:        splitLines(row.AfterRecord),
		FromFile: "before",
		ToFile:   "after",
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return s
}

// splitLines splits s keeping line endings, which difflib expects.
func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	} else {
		lines[len(lines)-1] += "\n"
	}
	return lines
}

// Output converts the report into check run output, truncating the text to
// the platform limit.
func (r Report) Output() checks.Output {
	return checks.Output{
		Title:   Title,
		Summary: r.Summary(),
		Text:    Truncate(r.Markdown(), MaxTextLength),
	}
}

// Truncate shortens s to at most limit bytes, ending with a notice when
// anything was cut. Multi-byte characters are never split.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len(truncatedNotice)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedNotice
}
